package domain

import (
	"fmt"
	"time"
)

// UpdateState is the workflow state of a scheduled update.
type UpdateState string

const (
	UpdateStateScheduled  UpdateState = "scheduled"
	UpdateStateInProgress UpdateState = "in_progress"
	UpdateStateCompleted  UpdateState = "completed"
	UpdateStateFailed     UpdateState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s UpdateState) Terminal() bool {
	return s == UpdateStateCompleted || s == UpdateStateFailed
}

// Predecessor returns the only state a transition into s may start from.
func (s UpdateState) Predecessor() (UpdateState, bool) {
	switch s {
	case UpdateStateInProgress:
		return UpdateStateScheduled, true
	case UpdateStateCompleted, UpdateStateFailed:
		return UpdateStateInProgress, true
	}
	return "", false
}

// CanTransition reports whether from -> to is a forward workflow step.
func CanTransition(from, to UpdateState) bool {
	prev, ok := to.Predecessor()
	return ok && prev == from
}

// UpdateScheduleEntry is one requested update run.
type UpdateScheduleEntry struct {
	ID            string      `json:"id"`
	HostID        string      `json:"host_id,omitempty"` // empty means all hosts
	ScheduledTime time.Time   `json:"scheduled_time"`
	State         UpdateState `json:"state"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// AllHosts reports whether the entry targets every host.
func (e *UpdateScheduleEntry) AllHosts() bool {
	return e.HostID == ""
}

// Apply moves the entry to state at time at. errMsg is kept for failed entries.
func (e *UpdateScheduleEntry) Apply(to UpdateState, at time.Time, errMsg string) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}
	e.State = to
	switch to {
	case UpdateStateInProgress:
		e.StartedAt = &at
	case UpdateStateCompleted:
		e.CompletedAt = &at
	case UpdateStateFailed:
		e.CompletedAt = &at
		e.ErrorMessage = errMsg
	}
	return nil
}

// NodeUpdateStatus is the last known package state of one host.
type NodeUpdateStatus struct {
	HostID           string    `json:"host_id"`
	UpdatesAvailable int       `json:"updates_available"`
	RebootRequired   bool      `json:"reboot_required"`
	LastChecked      time.Time `json:"last_checked"`
}

// PackageUpdate is one upgradable package reported by a host.
type PackageUpdate struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kernel  bool   `json:"kernel,omitempty"`
}
