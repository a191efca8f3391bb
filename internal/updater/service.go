// Package updater checks hosts for package updates and runs scheduled
// upgrades over remote shell sessions.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/proxmox"
	"github.com/limiquantix/clustermaint/internal/remote"
	"github.com/limiquantix/clustermaint/internal/scheduler"
)

// CredentialProvider returns the cluster credential current at call time.
type CredentialProvider interface {
	Credential(ctx context.Context) (*domain.Credential, error)
}

// SnapshotReader resolves hosts and their addresses from the latest snapshots.
type SnapshotReader interface {
	LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error)
	LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error)
}

// Repository stores schedule entries and per-host update status.
type Repository interface {
	Create(ctx context.Context, e *domain.UpdateScheduleEntry) error
	Get(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error)
	ListByState(ctx context.Context, state domain.UpdateState) ([]*domain.UpdateScheduleEntry, error)
	// Transition advances an entry in one step; a regression is domain.ErrConflict.
	Transition(ctx context.Context, id string, to domain.UpdateState, at time.Time, errMsg string) (*domain.UpdateScheduleEntry, error)
	DeleteScheduled(ctx context.Context, id string) error
	UpsertNodeStatus(ctx context.Context, s *domain.NodeUpdateStatus) error
	MarkRebootRequired(ctx context.Context, hostID string, at time.Time) error
	GetNodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error)
	ListNodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error)
}

// AuditLog appends durable log entries.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.LogEntry) error
}

// Triggers registers one-shot runs. *scheduler.Scheduler satisfies it.
type Triggers interface {
	At(name string, at time.Time, fn scheduler.Job) error
	Cancel(name string) bool
	Has(name string) bool
}

// EventPublisher announces state changes. Optional.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, data interface{}) error
}

// Options configures a Service.
type Options struct {
	// RebootMarker is the file whose presence means a reboot is pending.
	RebootMarker string
	// Now overrides the clock.
	Now func() time.Time
	// FinishTimeout bounds the write of a run's final state. Defaults to 30s.
	FinishTimeout time.Duration
	// Locker is the lock the scheduler takes around each trigger. When set,
	// RecoverInterrupted leaves alone runs whose lock is held elsewhere.
	Locker scheduler.Locker
}

// interruptedMessage is recorded on runs that were in progress when their
// controller went away.
const interruptedMessage = "Update interrupted: controller stopped before the run finished"

// Service is the Update Orchestrator.
type Service struct {
	creds     CredentialProvider
	cluster   proxmox.Dialer
	shell     remote.Dialer
	snapshots SnapshotReader
	repo      Repository
	audit     AuditLog
	triggers  Triggers
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewService creates a new update service. triggers and publisher may be nil;
// without triggers scheduled entries are only stored.
func NewService(
	creds CredentialProvider,
	cluster proxmox.Dialer,
	shell remote.Dialer,
	snapshots SnapshotReader,
	repo Repository,
	audit AuditLog,
	triggers Triggers,
	publisher EventPublisher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.RebootMarker == "" {
		opts.RebootMarker = "/var/run/reboot-required"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = 30 * time.Second
	}
	return &Service{
		creds:     creds,
		cluster:   cluster,
		shell:     shell,
		snapshots: snapshots,
		repo:      repo,
		audit:     audit,
		triggers:  triggers,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(zap.String("component", "updater")),
		running:   make(map[string]struct{}),
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// =============================================================================
// Cluster-wide check
// =============================================================================

// CheckAllNodes checks every host with a known address for pending package
// updates. A host that cannot be checked is logged and skipped.
func (s *Service) CheckAllNodes(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			s.log(ctx, "", domain.LogStatusWarning, "Cannot check for updates - cluster credentials not configured", nil)
		}
		return nil, err
	}

	hosts, err := s.snapshots.LatestHosts(ctx)
	if err != nil {
		s.log(ctx, "", domain.LogStatusError, fmt.Sprintf("Update check failed: %v", err), nil)
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	s.logger.Info("Starting update check", zap.Int("hosts", len(hosts)))

	var statuses []*domain.NodeUpdateStatus
	for _, h := range hosts {
		if h.Address == "" {
			s.logger.Debug("Host has no address, skipping update check", zap.String("host", h.HostID))
			continue
		}

		status, err := s.checkNode(ctx, cred, h.HostID, h.Address)
		if err != nil {
			s.log(ctx, h.HostID, domain.LogStatusError, fmt.Sprintf("Failed to check updates: %v", err), nil)
			continue
		}
		if err := s.repo.UpsertNodeStatus(ctx, status); err != nil {
			s.logger.Error("Failed to save node update status", zap.String("host", h.HostID), zap.Error(err))
			continue
		}

		metrics.NodeUpdatesAvailable.WithLabelValues(h.HostID).Set(float64(status.UpdatesAvailable))
		metrics.NodeRebootRequired.WithLabelValues(h.HostID).Set(metrics.BoolGauge(status.RebootRequired))
		statuses = append(statuses, status)
	}

	s.logger.Info("Update check finished", zap.Int("checked", len(statuses)))
	return statuses, nil
}

func (s *Service) checkNode(ctx context.Context, cred *domain.Credential, host, address string) (*domain.NodeUpdateStatus, error) {
	sess, err := s.shell.Dial(ctx, address, cred)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	s.log(ctx, host, domain.LogStatusInfo, fmt.Sprintf("%s - checking for updates", host), nil)

	res, err := sess.Run(ctx, cmdCheckRefresh)
	if err != nil {
		return nil, err
	}
	if !res.OK() || strings.Contains(res.Stdout, "Error:") || strings.Contains(res.Stderr, "Error:") {
		return nil, fmt.Errorf("failed to update package lists: %s", strings.TrimSpace(res.Stdout+"\n"+res.Stderr))
	}
	s.log(ctx, host, domain.LogStatusInfo, fmt.Sprintf("%s - apt update completed", host), nil)

	res, err = sess.Run(ctx, cmdListUpgradable)
	if err != nil {
		return nil, err
	}
	pkgs, unparsed := ParseUpgradable(res.Stdout)
	count := len(pkgs) + len(unparsed)

	if count > 0 {
		s.log(ctx, host, domain.LogStatusWarning, fmt.Sprintf("%s - %d updates found:", host, count), nil)
		for _, p := range pkgs {
			s.log(ctx, host, domain.LogStatusInfo, fmt.Sprintf("%s - Package: %s -> %s", host, p.Name, p.Version),
				map[string]interface{}{"package": p.Name, "version": p.Version, "kernel": p.Kernel})
		}
		for _, line := range unparsed {
			s.log(ctx, host, domain.LogStatusInfo, fmt.Sprintf("%s - Update: %s", host, line), nil)
		}
	}

	reboot, err := s.rebootRequired(ctx, sess)
	if err != nil {
		return nil, err
	}

	if count == 0 {
		s.log(ctx, host, domain.LogStatusInfo, fmt.Sprintf("%s - no updates found", host), nil)
	} else {
		s.log(ctx, host, domain.LogStatusWarning, fmt.Sprintf("%s - %d updates found", host, count), nil)
	}
	if reboot {
		s.log(ctx, host, domain.LogStatusWarning, fmt.Sprintf("%s - requires reboot", host), nil)
	}

	return &domain.NodeUpdateStatus{
		HostID:           host,
		UpdatesAvailable: count,
		RebootRequired:   reboot,
		LastChecked:      s.now(),
	}, nil
}

func (s *Service) rebootRequired(ctx context.Context, sess remote.Session) (bool, error) {
	res, err := sess.Run(ctx, rebootCheckCommand(s.opts.RebootMarker))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "yes", nil
}

// NodeStatuses returns the last known update status of every host.
func (s *Service) NodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	return s.repo.ListNodeStatuses(ctx)
}

// NodeStatus returns the last known update status of one host, or
// domain.ErrNotFound if it was never checked.
func (s *Service) NodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: host is required", domain.ErrInvalidArgument)
	}
	return s.repo.GetNodeStatus(ctx, hostID)
}

// =============================================================================
// Scheduled updates
// =============================================================================

func jobName(id string) string {
	return "update_" + id
}

// ScheduleUpdate stores an update for hostID ("" for all hosts) at when and
// registers its trigger.
func (s *Service) ScheduleUpdate(ctx context.Context, hostID string, when time.Time) (*domain.UpdateScheduleEntry, error) {
	if when.IsZero() {
		return nil, fmt.Errorf("%w: scheduled time is required", domain.ErrInvalidArgument)
	}

	entry := &domain.UpdateScheduleEntry{
		ID:            uuid.New().String(),
		HostID:        hostID,
		ScheduledTime: when.UTC(),
		State:         domain.UpdateStateScheduled,
		CreatedAt:     s.now(),
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create schedule entry: %w", err)
	}

	target := hostID
	if entry.AllHosts() {
		target = "all nodes"
	}
	s.log(ctx, hostID, domain.LogStatusInfo,
		fmt.Sprintf("Scheduled update for %s at %s", target, entry.ScheduledTime.Format(time.RFC3339)),
		map[string]interface{}{"update_id": entry.ID})

	if err := s.register(entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// CancelUpdate removes an entry that has not started and its trigger.
func (s *Service) CancelUpdate(ctx context.Context, id string) error {
	if err := s.repo.DeleteScheduled(ctx, id); err != nil {
		return err
	}
	if s.triggers != nil {
		s.triggers.Cancel(jobName(id))
	}
	s.log(ctx, "", domain.LogStatusInfo, fmt.Sprintf("Cancelled scheduled update %s", id), nil)
	return nil
}

// UpdateStatus returns the current state of a schedule entry.
func (s *Service) UpdateStatus(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error) {
	return s.repo.Get(ctx, id)
}

// SyncScheduled registers a trigger for every stored entry still waiting to
// run, including entries created by other processes. It returns how many
// triggers were added.
func (s *Service) SyncScheduled(ctx context.Context) (int, error) {
	if s.triggers == nil {
		return 0, nil
	}
	entries, err := s.repo.ListByState(ctx, domain.UpdateStateScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled updates: %w", err)
	}

	added := 0
	for _, e := range entries {
		if s.triggers.Has(jobName(e.ID)) {
			continue
		}
		if err := s.register(e); err != nil {
			s.logger.Warn("Failed to register scheduled update", zap.String("update_id", e.ID), zap.Error(err))
			continue
		}
		added++
	}
	if added > 0 {
		s.logger.Info("Registered scheduled updates", zap.Int("count", added))
	}
	return added, nil
}

func (s *Service) register(e *domain.UpdateScheduleEntry) error {
	if s.triggers == nil {
		return nil
	}
	id := e.ID
	err := s.triggers.At(jobName(id), e.ScheduledTime, func(ctx context.Context) error {
		err := s.ExecuteUpdate(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Info("Scheduled update no longer exists", zap.String("update_id", id))
			return nil
		}
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("failed to register trigger: %w", err)
	}
	return nil
}

// ExecuteUpdate runs a scheduled entry. The entry is in_progress before any
// remote work starts; the first failing host aborts the run and fails it.
//
// Once started a run is not cancellable: cancelling ctx does not stop it, so
// an upgrade is never killed halfway and the entry always reaches a terminal
// state.
func (s *Service) ExecuteUpdate(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.running[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	entry, err := s.repo.Transition(ctx, id, domain.UpdateStateInProgress, s.now(), "")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: update %s", domain.ErrNotFound, id)
		}
		return fmt.Errorf("failed to start update %s: %w", id, err)
	}

	logger := s.logger.With(zap.String("update_id", id), zap.String("host", entry.HostID))
	logger.Info("Starting scheduled update")
	s.publish(ctx, entry)

	runErr := s.runUpdate(ctx, entry)

	to, msg := domain.UpdateStateCompleted, ""
	if runErr != nil {
		to, msg = domain.UpdateStateFailed, runErr.Error()
	}
	final, err := s.finish(ctx, id, to, msg)
	if err != nil {
		return fmt.Errorf("failed to finish update %s: %w", id, err)
	}
	metrics.UpdateRunsTotal.WithLabelValues(string(to)).Inc()
	s.publish(ctx, final)

	if runErr != nil {
		logger.Error("Scheduled update failed", zap.Error(runErr))
		s.log(ctx, entry.HostID, domain.LogStatusError, fmt.Sprintf("Scheduled update failed: %s", msg),
			map[string]interface{}{"update_id": id})
		return runErr
	}

	logger.Info("Scheduled update completed")
	s.log(ctx, entry.HostID, domain.LogStatusInfo, "Scheduled update completed",
		map[string]interface{}{"update_id": id})
	return nil
}

func (s *Service) finish(ctx context.Context, id string, to domain.UpdateState, msg string) (*domain.UpdateScheduleEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.FinishTimeout)
	defer cancel()
	return s.repo.Transition(ctx, id, to, s.now(), msg)
}

// RecoverInterrupted fails entries left in_progress by a controller that
// stopped mid-run. Runs active in this process are skipped, and so are runs
// whose trigger lock another instance holds. Without a Locker every other
// in_progress entry is treated as abandoned. It returns how many entries
// were failed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	entries, err := s.repo.ListByState(ctx, domain.UpdateStateInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list running updates: %w", err)
	}

	recovered := 0
	for _, e := range entries {
		if s.isRunning(e.ID) {
			continue
		}
		ok, err := s.recoverEntry(ctx, e)
		if err != nil {
			s.logger.Warn("Failed to recover interrupted update", zap.String("update_id", e.ID), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("Marked interrupted updates as failed", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Service) recoverEntry(ctx context.Context, e *domain.UpdateScheduleEntry) (bool, error) {
	if s.opts.Locker != nil {
		release, err := s.opts.Locker.TryLock(ctx, jobName(e.ID))
		if errors.Is(err, domain.ErrJobRunning) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release update lock", zap.String("update_id", e.ID), zap.Error(err))
			}
		}()
	}

	final, err := s.repo.Transition(ctx, e.ID, domain.UpdateStateFailed, s.now(), interruptedMessage)
	if err != nil {
		// Finished or removed since it was listed.
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	metrics.UpdateRunsTotal.WithLabelValues(string(domain.UpdateStateFailed)).Inc()
	s.publish(ctx, final)
	s.log(ctx, e.HostID, domain.LogStatusError, fmt.Sprintf("Scheduled update failed: %s", interruptedMessage),
		map[string]interface{}{"update_id": e.ID})
	return true, nil
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *Service) runUpdate(ctx context.Context, entry *domain.UpdateScheduleEntry) error {
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return err
	}

	api, err := s.cluster.Dial(ctx, cred)
	if err != nil {
		return fmt.Errorf("failed to connect to cluster: %w", err)
	}
	hosts, err := api.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}

	var nodes []string
	if entry.AllHosts() {
		for _, h := range hosts {
			nodes = append(nodes, h.Node)
		}
	} else {
		for _, h := range hosts {
			if h.Node == entry.HostID {
				nodes = append(nodes, h.Node)
			}
		}
		if len(nodes) == 0 {
			return &NodeError{Node: entry.HostID, op: opLookup, Err: domain.ErrNotFound}
		}
	}

	for _, node := range nodes {
		s.log(ctx, node, domain.LogStatusInfo, fmt.Sprintf("Starting update process for node %s", node), nil)

		snap, err := s.snapshots.LatestHost(ctx, node)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to resolve address of node %s: %w", node, err)
		}
		if err != nil || snap.Address == "" {
			return &NodeError{Node: node, op: opAddress, Err: domain.ErrNotFound}
		}

		if err := s.upgradeNode(ctx, cred, node, snap.Address); err != nil {
			return &NodeError{Node: node, op: opShell, Err: err}
		}
	}
	return nil
}

func (s *Service) upgradeNode(ctx context.Context, cred *domain.Credential, node, address string) error {
	sess, err := s.shell.Dial(ctx, address, cred)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := sess.Run(ctx, cmdRefresh)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("failed to update package lists: %s", strings.TrimSpace(res.Stderr))
	}

	res, err = sess.Run(ctx, cmdUpgrade)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("failed to upgrade packages: %s", strings.TrimSpace(res.Stderr))
	}

	reboot, err := s.rebootRequired(ctx, sess)
	if err != nil {
		return err
	}
	if reboot {
		if err := s.repo.MarkRebootRequired(ctx, node, s.now()); err != nil {
			s.logger.Error("Failed to flag reboot", zap.String("host", node), zap.Error(err))
		}
		metrics.NodeRebootRequired.WithLabelValues(node).Set(1)
		s.log(ctx, node, domain.LogStatusWarning, fmt.Sprintf("Node %s requires reboot after update", node), nil)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// log writes an audit entry and mirrors it to the process log.
func (s *Service) log(ctx context.Context, host string, status domain.LogStatus, action string, details map[string]interface{}) {
	entry := domain.NewLogEntry(host, status, action, details)
	fields := []zap.Field{zap.String("host", host), zap.String("action", action)}
	switch status {
	case domain.LogStatusError:
		s.logger.Error("Audit", fields...)
	case domain.LogStatusWarning:
		s.logger.Warn("Audit", fields...)
	default:
		s.logger.Info("Audit", fields...)
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit entry", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, e *domain.UpdateScheduleEntry) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, "update.state_changed", e.ID, e); err != nil {
		s.logger.Warn("Failed to publish event", zap.Error(err))
	}
}
