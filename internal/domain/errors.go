// Package domain contains domain models and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOperationFailed is returned when an operation fails.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// Maintenance errors
var (
	// ErrNotConfigured is returned when no usable cluster credential exists.
	ErrNotConfigured = errors.New("cluster credentials not configured")

	// ErrNoTargetHosts is returned when a drain has no online destination host.
	ErrNoTargetHosts = errors.New("no target hosts available")

	// ErrMigrationInfeasible is returned for guests that cannot be live migrated.
	ErrMigrationInfeasible = errors.New("migration infeasible")

	// ErrMigrationTimeout is returned when a migration does not finish in time.
	ErrMigrationTimeout = errors.New("migration timed out")

	// ErrInvalidTransition is returned when a workflow state would regress.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownSizeUnit is returned by the disk size parser.
	ErrUnknownSizeUnit = errors.New("unknown size unit")

	// ErrJobRunning is returned when a trigger is already executing.
	ErrJobRunning = errors.New("job already running")
)
