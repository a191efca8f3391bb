// Package maintenance is the operation surface of clustermaint. The CLI and
// any web layer call it; it delegates to the collector, drain engine and
// update orchestrator.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// CollectJob is the trigger name of the periodic metrics collection.
const CollectJob = "collect"

const defaultLogLimit = 50

// Drainer evacuates and shuts down guests.
type Drainer interface {
	DrainNode(ctx context.Context, hostID string) (*domain.DrainResult, error)
	ShutdownGuests(ctx context.Context, hostID string, vmIDs, ctIDs []int) error
	MigrationStatus(ctx context.Context, hostID string) (*domain.MigrationStatus, error)
	CanMigrateVM(ctx context.Context, hostID string, vmID int) (bool, error)
}

// Updater checks for and schedules package updates.
type Updater interface {
	CheckAllNodes(ctx context.Context) ([]*domain.NodeUpdateStatus, error)
	ScheduleUpdate(ctx context.Context, hostID string, when time.Time) (*domain.UpdateScheduleEntry, error)
	CancelUpdate(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error)
	NodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error)
	NodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error)
}

// Collector runs one collection cycle.
type Collector interface {
	Collect(ctx context.Context) *domain.CollectionCycle
}

// TriggerRunner runs a registered trigger out of schedule.
type TriggerRunner interface {
	RunNow(ctx context.Context, name string) error
}

// LogReader queries the durable log.
type LogReader interface {
	Recent(ctx context.Context, statuses []domain.LogStatus, limit int) ([]*domain.LogEntry, error)
	LatestPerHost(ctx context.Context) ([]*domain.LogEntry, error)
}

// SnapshotReader reads the latest observed state.
type SnapshotReader interface {
	LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error)
	LatestCluster(ctx context.Context) (*domain.ClusterSnapshot, error)
}

// Service provides cluster maintenance operations.
type Service struct {
	drainer   Drainer
	updater   Updater
	collector Collector
	triggers  TriggerRunner
	logs      LogReader
	snapshots SnapshotReader
	logger    *zap.Logger
}

// NewService creates a new maintenance service. triggers may be nil, in which
// case collections run directly on the calling goroutine.
func NewService(
	drainer Drainer,
	updater Updater,
	collector Collector,
	triggers TriggerRunner,
	logs LogReader,
	snapshots SnapshotReader,
	logger *zap.Logger,
) *Service {
	return &Service{
		drainer:   drainer,
		updater:   updater,
		collector: collector,
		triggers:  triggers,
		logs:      logs,
		snapshots: snapshots,
		logger:    logger.Named("maintenance-service"),
	}
}

// =============================================================================
// Drain
// =============================================================================

// Drain evacuates every running guest from hostID.
func (s *Service) Drain(ctx context.Context, hostID string) (*domain.DrainResult, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: host is required", domain.ErrInvalidArgument)
	}
	s.logger.Info("Draining host", zap.String("host", hostID))

	result, err := s.drainer.DrainNode(ctx, hostID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Drain finished",
		zap.String("host", hostID),
		zap.Int("migrated", len(result.Migrated)),
		zap.Ints("failed_vms", result.FailedVMIDs),
		zap.Ints("failed_containers", result.FailedContainerIDs),
		zap.Bool("degraded", result.Degraded),
	)
	return result, nil
}

// ShutdownGuests shuts down guests that could not be migrated. It reports
// false when the cluster rejected a shutdown; the failure is in the log.
func (s *Service) ShutdownGuests(ctx context.Context, hostID string, vmIDs, ctIDs []int) (bool, error) {
	if hostID == "" {
		return false, fmt.Errorf("%w: host is required", domain.ErrInvalidArgument)
	}
	err := s.drainer.ShutdownGuests(ctx, hostID, vmIDs, ctIDs)
	if errors.Is(err, domain.ErrOperationFailed) {
		s.logger.Warn("Shutdown rejected", zap.String("host", hostID), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MigrationStatus reports whether hostID still runs guests.
func (s *Service) MigrationStatus(ctx context.Context, hostID string) (*domain.MigrationStatus, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: host is required", domain.ErrInvalidArgument)
	}
	return s.drainer.MigrationStatus(ctx, hostID)
}

// CanMigrateVM reports whether a VM can be live migrated off hostID.
func (s *Service) CanMigrateVM(ctx context.Context, hostID string, vmID int) (bool, error) {
	return s.drainer.CanMigrateVM(ctx, hostID, vmID)
}

// =============================================================================
// Updates
// =============================================================================

// ScheduleUpdate schedules an update of hostID ("" for every host) and
// returns the entry id. When the entry was stored but its trigger could not
// be registered, the id is returned along with the error; the entry is picked
// up again by the next sync.
func (s *Service) ScheduleUpdate(ctx context.Context, hostID string, when time.Time) (string, error) {
	entry, err := s.updater.ScheduleUpdate(ctx, hostID, when)
	if err != nil {
		if entry != nil {
			return entry.ID, err
		}
		return "", err
	}
	s.logger.Info("Update scheduled",
		zap.String("update_id", entry.ID),
		zap.String("host", hostID),
		zap.Time("scheduled_time", entry.ScheduledTime),
	)
	return entry.ID, nil
}

// UpdateStatus returns a snapshot of a schedule entry.
func (s *Service) UpdateStatus(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error) {
	return s.updater.UpdateStatus(ctx, id)
}

// CancelUpdate removes a schedule entry that has not started.
func (s *Service) CancelUpdate(ctx context.Context, id string) error {
	return s.updater.CancelUpdate(ctx, id)
}

// CheckUpdates runs the cluster-wide update check now.
func (s *Service) CheckUpdates(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	return s.updater.CheckAllNodes(ctx)
}

// NodeStatuses returns the last known update status of every host.
func (s *Service) NodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	return s.updater.NodeStatuses(ctx)
}

// NodeStatus returns the last known update status of one host.
func (s *Service) NodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error) {
	return s.updater.NodeStatus(ctx, hostID)
}

// =============================================================================
// Collection and reads
// =============================================================================

// TriggerMetricsCollection runs a collection cycle now. When the collect
// trigger is registered the run goes through it, so it never overlaps a
// scheduled run; a run already in progress counts as done.
func (s *Service) TriggerMetricsCollection(ctx context.Context) error {
	if s.triggers != nil {
		err := s.triggers.RunNow(ctx, CollectJob)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrJobRunning):
			s.logger.Info("Collection already running")
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}

	if cycle := s.collector.Collect(ctx); cycle != nil {
		s.logger.Info("Collection finished", zap.String("cycle_id", cycle.ID))
	}
	return nil
}

// RecentLogs returns the newest log entries with any of statuses.
func (s *Service) RecentLogs(ctx context.Context, statuses []domain.LogStatus, limit int) ([]*domain.LogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return s.logs.Recent(ctx, statuses, limit)
}

// LatestLogPerHost returns the newest log entry of every host.
func (s *Service) LatestLogPerHost(ctx context.Context) ([]*domain.LogEntry, error) {
	return s.logs.LatestPerHost(ctx)
}

// Hosts returns the latest snapshot of every host.
func (s *Service) Hosts(ctx context.Context) ([]*domain.HostSnapshot, error) {
	return s.snapshots.LatestHosts(ctx)
}

// Cluster returns the latest cluster aggregate.
func (s *Service) Cluster(ctx context.Context) (*domain.ClusterSnapshot, error) {
	return s.snapshots.LatestCluster(ctx)
}
