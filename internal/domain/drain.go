package domain

import "time"

// DrainOutcome is the recorded result for one guest in a drain or shutdown.
type DrainOutcome string

const (
	DrainOutcomeMigrated          DrainOutcome = "migrated"
	DrainOutcomeMigrationFailed   DrainOutcome = "migration_failed"
	DrainOutcomeMigrationTimedOut DrainOutcome = "migration_timed_out"
	DrainOutcomeShutdownPending   DrainOutcome = "shutdown_pending"
	DrainOutcomeShutdownFailed    DrainOutcome = "shutdown_failed"
)

// DrainRecord tracks one guest handled by the Drain Engine.
// Records are never updated; a retry writes a new record.
type DrainRecord struct {
	ID         string       `json:"id"`
	HostID     string       `json:"host_id"`
	GuestID    int          `json:"guest_id"`
	Kind       GuestKind    `json:"kind"`
	Name       string       `json:"name"`
	TargetHost string       `json:"target_host,omitempty"`
	Outcome    DrainOutcome `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// DrainResult is returned by a drain call. TimedOut ids are also present in
// the failed list of their kind.
type DrainResult struct {
	HostID             string         `json:"host_id"`
	Degraded           bool           `json:"degraded"`
	Migrated           map[int]string `json:"migrated"`
	FailedVMIDs        []int          `json:"failed_vm_ids"`
	FailedContainerIDs []int          `json:"failed_container_ids"`
	TimedOutIDs        []int          `json:"timed_out_ids,omitempty"`
}

// HasFailures reports whether any guest was not migrated.
func (r *DrainResult) HasFailures() bool {
	return len(r.FailedVMIDs) > 0 || len(r.FailedContainerIDs) > 0
}

// MigrationStatus answers whether a host is fully drained.
type MigrationStatus struct {
	HostID              string `json:"host_id"`
	FullyDrained        bool   `json:"fully_drained"`
	RequiresShutdown    bool   `json:"requires_shutdown"`
	RemainingVMs        int    `json:"remaining_vms"`
	RemainingContainers int    `json:"remaining_containers"`
	Degraded            bool   `json:"degraded"`
}
