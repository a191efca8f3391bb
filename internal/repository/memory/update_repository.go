package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// UpdateRepository stores update schedule entries and node update status.
type UpdateRepository struct {
	mu       sync.RWMutex
	entries  map[string]*domain.UpdateScheduleEntry
	statuses map[string]*domain.NodeUpdateStatus
}

// NewUpdateRepository creates a new in-memory update repository.
func NewUpdateRepository() *UpdateRepository {
	return &UpdateRepository{
		entries:  make(map[string]*domain.UpdateScheduleEntry),
		statuses: make(map[string]*domain.NodeUpdateStatus),
	}
}

// Create stores a new schedule entry.
func (r *UpdateRepository) Create(ctx context.Context, e *domain.UpdateScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, ok := r.entries[e.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.entries[e.ID] = cloneSchedule(e)
	return nil
}

// Get returns one entry.
func (r *UpdateRepository) Get(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSchedule(e), nil
}

// ListByState returns entries in state ordered by scheduled time.
func (r *UpdateRepository) ListByState(ctx context.Context, state domain.UpdateState) ([]*domain.UpdateScheduleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.UpdateScheduleEntry
	for _, e := range r.entries {
		if e.State == state {
			out = append(out, cloneSchedule(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

// Transition advances an entry to state `to` in one step.
func (r *UpdateRepository) Transition(ctx context.Context, id string, to domain.UpdateState, at time.Time, errMsg string) (*domain.UpdateScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := cloneSchedule(e)
	if err := next.Apply(to, at, errMsg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	r.entries[id] = next
	return cloneSchedule(next), nil
}

// DeleteScheduled removes an entry that has not started yet.
func (r *UpdateRepository) DeleteScheduled(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.State != domain.UpdateStateScheduled {
		return fmt.Errorf("%w: entry is %s", domain.ErrConflict, e.State)
	}
	delete(r.entries, id)
	return nil
}

// UpsertNodeStatus replaces the update status of one host.
func (r *UpdateRepository) UpsertNodeStatus(ctx context.Context, s *domain.NodeUpdateStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.statuses[s.HostID] = &cp
	return nil
}

// MarkRebootRequired sets the reboot flag of one host, creating its row if needed.
func (r *UpdateRepository) MarkRebootRequired(ctx context.Context, hostID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.statuses[hostID]
	if !ok {
		s = &domain.NodeUpdateStatus{HostID: hostID}
		r.statuses[hostID] = s
	}
	s.RebootRequired = true
	s.LastChecked = at
	return nil
}

// GetNodeStatus returns the update status of one host.
func (r *UpdateRepository) GetNodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[hostID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListNodeStatuses returns every host's update status.
func (r *UpdateRepository) ListNodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.NodeUpdateStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

func cloneSchedule(e *domain.UpdateScheduleEntry) *domain.UpdateScheduleEntry {
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
