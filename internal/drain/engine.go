// Package drain empties hosts of running guests before maintenance. Guests
// are migrated to the least loaded host that can take them; what cannot be
// migrated is reported for shutdown.
package drain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/proxmox"
)

// CredentialProvider returns the cluster credential current at call time.
type CredentialProvider interface {
	Credential(ctx context.Context) (*domain.Credential, error)
}

// SnapshotReader reads the latest observed guests of a host.
type SnapshotReader interface {
	RunningGuests(ctx context.Context, hostID string) (*domain.RunningGuests, error)
}

// DrainStore commits drain records together with their audit entries.
type DrainStore interface {
	Save(ctx context.Context, records []*domain.DrainRecord, entries []*domain.LogEntry) error
}

// EventPublisher announces finished drains. Optional.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, data interface{}) error
}

// Options configures an Engine.
type Options struct {
	// PollInterval is the delay between source status polls during a migration.
	PollInterval time.Duration
	// MigrationTimeout bounds the wait for one guest to leave its source.
	MigrationTimeout time.Duration
	// LocalStoragePrefixes name storages that cannot follow a VM to another host.
	LocalStoragePrefixes []string
}

// Engine is the Balancer / Drain Engine.
type Engine struct {
	creds     CredentialProvider
	dialer    proxmox.Dialer
	snapshots SnapshotReader
	store     DrainStore
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
}

// NewEngine creates a new drain engine. publisher may be nil.
func NewEngine(creds CredentialProvider, dialer proxmox.Dialer, snapshots SnapshotReader, store DrainStore, publisher EventPublisher, opts Options, logger *zap.Logger) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MigrationTimeout <= 0 {
		opts.MigrationTimeout = 30 * time.Minute
	}
	if opts.LocalStoragePrefixes == nil {
		opts.LocalStoragePrefixes = []string{"local"}
	}
	return &Engine{
		creds:     creds,
		dialer:    dialer,
		snapshots: snapshots,
		store:     store,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(zap.String("component", "drain")),
	}
}

// connect returns a cluster client, or nil with no error in degraded mode.
func (e *Engine) connect(ctx context.Context) (proxmox.API, error) {
	cred, err := e.creds.Credential(ctx)
	if errors.Is(err, domain.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster credentials: %w", err)
	}
	api, err := e.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}
	return api, nil
}

// =============================================================================
// Drain
// =============================================================================

// DrainNode migrates every running guest off hostID. Every guest considered
// ends up either in Migrated or in the failed list of its kind. The only hard
// failure is domain.ErrNoTargetHosts.
//
// Without credentials nothing is contacted: the guests last observed running
// are returned as failed and a warning is logged.
func (e *Engine) DrainNode(ctx context.Context, hostID string) (*domain.DrainResult, error) {
	logger := e.logger.With(zap.String("host", hostID))

	api, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	if api == nil {
		return e.drainDegraded(ctx, hostID)
	}

	hosts, err := api.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	var targets []string
	for _, h := range hosts {
		if h.Node != hostID && h.Online() {
			targets = append(targets, h.Node)
		}
	}
	if len(targets) == 0 {
		entry := domain.NewLogEntry(hostID, domain.LogStatusError,
			"Cannot drain node - no target hosts available", nil)
		if err := e.store.Save(ctx, nil, []*domain.LogEntry{entry}); err != nil {
			logger.Error("Failed to write audit entry", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: draining %s", domain.ErrNoTargetHosts, hostID)
	}

	vms, err := e.runningGuests(ctx, api, hostID, domain.GuestKindVM)
	if err != nil {
		return nil, err
	}
	cts, err := e.runningGuests(ctx, api, hostID, domain.GuestKindContainer)
	if err != nil {
		return nil, err
	}

	logger.Info("Draining node",
		zap.Strings("targets", targets),
		zap.Int("vms", len(vms)),
		zap.Int("containers", len(cts)),
	)

	result := &domain.DrainResult{
		HostID:             hostID,
		Migrated:           make(map[int]string),
		FailedVMIDs:        []int{},
		FailedContainerIDs: []int{},
	}
	var records []*domain.DrainRecord
	var entries []*domain.LogEntry
	failures := make(map[string]string)

	handle := func(kind domain.GuestKind, g proxmox.Guest, rec *domain.DrainRecord) {
		id := int(g.VMID)
		records = append(records, rec)
		metrics.DrainOutcomesTotal.WithLabelValues(string(rec.Outcome)).Inc()

		if rec.Outcome == domain.DrainOutcomeMigrated {
			result.Migrated[id] = rec.TargetHost
			entries = append(entries, domain.NewLogEntry(hostID, domain.LogStatusInfo,
				fmt.Sprintf("Migrated %s %d to %s", kind.Label(), id, rec.TargetHost),
				map[string]interface{}{"vmid": id, "kind": string(kind), "target": rec.TargetHost},
			))
			logger.Info("Migrated guest", zap.String("kind", string(kind)), zap.Int("vmid", id), zap.String("target", rec.TargetHost))
			return
		}

		if kind == domain.GuestKindContainer {
			result.FailedContainerIDs = append(result.FailedContainerIDs, id)
		} else {
			result.FailedVMIDs = append(result.FailedVMIDs, id)
		}
		if rec.Outcome == domain.DrainOutcomeMigrationTimedOut {
			result.TimedOutIDs = append(result.TimedOutIDs, id)
		}
		failures[fmt.Sprintf("%s/%d", kind, id)] = rec.Error
		logger.Warn("Guest not migrated",
			zap.String("kind", string(kind)),
			zap.Int("vmid", id),
			zap.String("outcome", string(rec.Outcome)),
			zap.String("reason", rec.Error),
		)
	}

	for _, vm := range vms {
		id := int(vm.VMID)
		if ok, reason := e.canMigrate(ctx, api, hostID, id); !ok {
			handle(domain.GuestKindVM, vm, e.record(hostID, domain.GuestKindVM, vm, "", domain.DrainOutcomeMigrationFailed, reason))
			continue
		}
		handle(domain.GuestKindVM, vm, e.migrate(ctx, api, hostID, domain.GuestKindVM, vm, targets))
	}
	for _, ct := range cts {
		handle(domain.GuestKindContainer, ct, e.migrate(ctx, api, hostID, domain.GuestKindContainer, ct, targets))
	}

	if result.HasFailures() {
		entries = append(entries, domain.NewLogEntry(hostID, domain.LogStatusWarning,
			"Some VMs/containers could not be migrated",
			map[string]interface{}{
				"failed_vms":        result.FailedVMIDs,
				"failed_containers": result.FailedContainerIDs,
				"timed_out":         result.TimedOutIDs,
				"errors":            failures,
			},
		))
	}

	if err := e.store.Save(ctx, records, entries); err != nil {
		return result, fmt.Errorf("failed to record drain of %s: %w", hostID, err)
	}

	logger.Info("Drain finished",
		zap.Int("migrated", len(result.Migrated)),
		zap.Ints("failed_vms", result.FailedVMIDs),
		zap.Ints("failed_containers", result.FailedContainerIDs),
	)
	e.publish(ctx, "drain.completed", hostID, result)
	return result, nil
}

func (e *Engine) drainDegraded(ctx context.Context, hostID string) (*domain.DrainResult, error) {
	running, err := e.snapshots.RunningGuests(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to read running guests: %w", err)
	}

	result := &domain.DrainResult{
		HostID:             hostID,
		Degraded:           true,
		Migrated:           map[int]string{},
		FailedVMIDs:        append([]int{}, running.VMIDs...),
		FailedContainerIDs: append([]int{}, running.ContainerIDs...),
	}

	entry := domain.NewLogEntry(hostID, domain.LogStatusWarning,
		"Cannot drain node - cluster credentials not configured",
		map[string]interface{}{"vms": result.FailedVMIDs, "containers": result.FailedContainerIDs},
	)
	if err := e.store.Save(ctx, nil, []*domain.LogEntry{entry}); err != nil {
		return result, fmt.Errorf("failed to record drain of %s: %w", hostID, err)
	}

	e.logger.Warn("Cannot drain node - cluster credentials not configured",
		zap.String("host", hostID),
		zap.Ints("vms", result.FailedVMIDs),
		zap.Ints("containers", result.FailedContainerIDs),
	)
	return result, nil
}

func (e *Engine) runningGuests(ctx context.Context, api proxmox.API, hostID string, kind domain.GuestKind) ([]proxmox.Guest, error) {
	guests, err := api.ListGuests(ctx, hostID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s guests on %s: %w", kind, hostID, err)
	}
	var out []proxmox.Guest
	for _, g := range guests {
		if g.Running() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (e *Engine) record(hostID string, kind domain.GuestKind, g proxmox.Guest, target string, outcome domain.DrainOutcome, reason string) *domain.DrainRecord {
	return &domain.DrainRecord{
		ID:         uuid.New().String(),
		HostID:     hostID,
		GuestID:    int(g.VMID),
		Kind:       kind,
		Name:       g.Name,
		TargetHost: target,
		Outcome:    outcome,
		Error:      reason,
		CreatedAt:  time.Now().UTC(),
	}
}

// migrate moves one guest and waits, bounded by MigrationTimeout, for it to
// leave the source and show up on the target.
func (e *Engine) migrate(ctx context.Context, api proxmox.API, hostID string, kind domain.GuestKind, g proxmox.Guest, targets []string) *domain.DrainRecord {
	id := int(g.VMID)
	defaultMem := int64(defaultVMMemory)
	if kind == domain.GuestKindContainer {
		defaultMem = defaultContainerMemory
	}

	target, ok := FindBestTargetNode(e.liveCandidates(ctx, api, targets), demandOf(g, defaultMem))
	if !ok {
		return e.record(hostID, kind, g, "", domain.DrainOutcomeMigrationFailed, "no target host with enough free CPU and memory")
	}

	timer := metrics.NewTimer()
	if _, err := api.MigrateGuest(ctx, hostID, kind, id, target.Host, true); err != nil {
		return e.record(hostID, kind, g, target.Host, domain.DrainOutcomeMigrationFailed, err.Error())
	}

	if err := e.waitForSource(ctx, api, hostID, kind, id); err != nil {
		outcome := domain.DrainOutcomeMigrationFailed
		if errors.Is(err, domain.ErrMigrationTimeout) {
			outcome = domain.DrainOutcomeMigrationTimedOut
		}
		return e.record(hostID, kind, g, target.Host, outcome, err.Error())
	}

	if _, err := api.GuestStatus(ctx, target.Host, kind, id); err != nil {
		return e.record(hostID, kind, g, target.Host, domain.DrainOutcomeMigrationFailed,
			fmt.Sprintf("guest not found on %s after migration: %v", target.Host, err))
	}

	timer.ObserveDuration(metrics.MigrationDuration)
	return e.record(hostID, kind, g, target.Host, domain.DrainOutcomeMigrated, "")
}

// waitForSource polls the source until the guest is stopped or gone.
func (e *Engine) waitForSource(ctx context.Context, api proxmox.API, hostID string, kind domain.GuestKind, id int) error {
	deadline := time.NewTimer(e.opts.MigrationTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		st, err := api.GuestStatus(ctx, hostID, kind, id)
		switch {
		case proxmox.IsNotFound(err):
			return nil
		case err != nil:
			e.logger.Debug("Failed to poll migrating guest", zap.Int("vmid", id), zap.Error(err))
		case st.Status == "stopped":
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s %d still on %s after %s",
				domain.ErrMigrationTimeout, kind, id, hostID, e.opts.MigrationTimeout)
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Migratability
// =============================================================================

// CanMigrateVM reports whether a VM has no disk on local storage.
func (e *Engine) CanMigrateVM(ctx context.Context, hostID string, vmID int) (bool, error) {
	api, err := e.connect(ctx)
	if err != nil {
		return false, err
	}
	if api == nil {
		return false, domain.ErrNotConfigured
	}
	ok, _ := e.canMigrate(ctx, api, hostID, vmID)
	return ok, nil
}

// canMigrate returns false with a reason when the VM must not be migrated.
// A VM whose configuration cannot be read is treated as not migratable.
func (e *Engine) canMigrate(ctx context.Context, api proxmox.API, hostID string, vmID int) (bool, string) {
	cfg, err := api.GuestConfig(ctx, hostID, domain.GuestKindVM, vmID)
	if err != nil {
		return false, fmt.Sprintf("failed to read configuration: %v", err)
	}
	for key := range cfg {
		if !domain.IsVolumeKey(domain.GuestKindVM, key) {
			continue
		}
		disk, _ := domain.ParseDiskAttachment(key, cfg.String(key))
		if disk != nil && disk.OnLocalStorage(e.opts.LocalStoragePrefixes) {
			return false, fmt.Sprintf("%s: volume %s is on local storage %s", domain.ErrMigrationInfeasible, key, disk.Storage)
		}
	}
	return true, ""
}

// MigrationStatus reports whether hostID is fully drained, from the guests
// last observed running on it.
func (e *Engine) MigrationStatus(ctx context.Context, hostID string) (*domain.MigrationStatus, error) {
	running, err := e.snapshots.RunningGuests(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to read running guests: %w", err)
	}

	status := &domain.MigrationStatus{
		HostID:              hostID,
		FullyDrained:        running.Empty(),
		RemainingVMs:        len(running.VMIDs),
		RemainingContainers: len(running.ContainerIDs),
	}
	if status.FullyDrained {
		return status, nil
	}

	api, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	if api == nil {
		status.Degraded = true
		status.RequiresShutdown = true
		return status, nil
	}

	for _, id := range running.VMIDs {
		if ok, _ := e.canMigrate(ctx, api, hostID, id); !ok {
			status.RequiresShutdown = true
			break
		}
	}
	return status, nil
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownGuests shuts down the given guests on hostID. Without credentials
// the request is only recorded as pending. A failed shutdown call aborts the
// operation and nothing but the failure is recorded.
func (e *Engine) ShutdownGuests(ctx context.Context, hostID string, vmIDs, ctIDs []int) error {
	logger := e.logger.With(zap.String("host", hostID))

	api, err := e.connect(ctx)
	if err != nil {
		return err
	}

	if api == nil {
		records := make([]*domain.DrainRecord, 0, len(vmIDs)+len(ctIDs))
		for _, id := range vmIDs {
			records = append(records, e.shutdownRecord(hostID, domain.GuestKindVM, id, "", domain.DrainOutcomeShutdownPending, ""))
		}
		for _, id := range ctIDs {
			records = append(records, e.shutdownRecord(hostID, domain.GuestKindContainer, id, "", domain.DrainOutcomeShutdownPending, ""))
		}
		entry := domain.NewLogEntry(hostID, domain.LogStatusWarning,
			"Cannot shutdown VMs/containers - cluster credentials not configured",
			map[string]interface{}{"vms": nonNil(vmIDs), "containers": nonNil(ctIDs)},
		)
		if err := e.store.Save(ctx, records, []*domain.LogEntry{entry}); err != nil {
			return fmt.Errorf("failed to record shutdown request: %w", err)
		}
		logger.Warn("Cannot shutdown VMs/containers - cluster credentials not configured",
			zap.Ints("vms", vmIDs), zap.Ints("containers", ctIDs))
		e.countOutcomes(records)
		return nil
	}

	vmNames := make(map[int]string, len(vmIDs))
	ctNames := make(map[int]string, len(ctIDs))
	var records []*domain.DrainRecord

	shutdown := func(kind domain.GuestKind, id int, names map[int]string) error {
		name := e.guestName(ctx, api, hostID, kind, id)
		if _, err := api.ShutdownGuest(ctx, hostID, kind, id); err != nil {
			failed := e.shutdownRecord(hostID, kind, id, name, domain.DrainOutcomeShutdownFailed, err.Error())
			entry := domain.NewLogEntry(hostID, domain.LogStatusError,
				fmt.Sprintf("Failed to shutdown %s %d: %v", kind.Label(), id, err),
				map[string]interface{}{"vmid": id, "kind": string(kind)},
			)
			if serr := e.store.Save(ctx, []*domain.DrainRecord{failed}, []*domain.LogEntry{entry}); serr != nil {
				logger.Error("Failed to record shutdown failure", zap.Error(serr))
			}
			e.countOutcomes([]*domain.DrainRecord{failed})
			logger.Error("Failed to shutdown guest", zap.String("kind", string(kind)), zap.Int("vmid", id), zap.Error(err))
			return fmt.Errorf("%w: shutdown of %s %d: %v", domain.ErrOperationFailed, kind, id, err)
		}
		names[id] = name
		records = append(records, e.shutdownRecord(hostID, kind, id, name, domain.DrainOutcomeShutdownPending, ""))
		return nil
	}

	for _, id := range vmIDs {
		if err := shutdown(domain.GuestKindVM, id, vmNames); err != nil {
			return err
		}
	}
	for _, id := range ctIDs {
		if err := shutdown(domain.GuestKindContainer, id, ctNames); err != nil {
			return err
		}
	}

	entry := domain.NewLogEntry(hostID, domain.LogStatusWarning,
		fmt.Sprintf("Initiated shutdown of VMs %s and containers %s", formatIDs(vmIDs), formatIDs(ctIDs)),
		map[string]interface{}{"vms": vmNames, "containers": ctNames},
	)
	if err := e.store.Save(ctx, records, []*domain.LogEntry{entry}); err != nil {
		return fmt.Errorf("failed to record shutdown: %w", err)
	}
	e.countOutcomes(records)
	logger.Warn("Initiated guest shutdown", zap.Ints("vms", vmIDs), zap.Ints("containers", ctIDs))
	e.publish(ctx, "drain.shutdown_initiated", hostID, entry.Details)
	return nil
}

// guestName resolves a display name, falling back to the id.
func (e *Engine) guestName(ctx context.Context, api proxmox.API, hostID string, kind domain.GuestKind, id int) string {
	cfg, err := api.GuestConfig(ctx, hostID, kind, id)
	if err == nil {
		key := "name"
		if kind == domain.GuestKindContainer {
			key = "hostname"
		}
		if name := cfg.String(key); name != "" {
			return name
		}
	}
	return strconv.Itoa(id)
}

func (e *Engine) shutdownRecord(hostID string, kind domain.GuestKind, id int, name string, outcome domain.DrainOutcome, reason string) *domain.DrainRecord {
	return &domain.DrainRecord{
		ID:        uuid.New().String(),
		HostID:    hostID,
		GuestID:   id,
		Kind:      kind,
		Name:      name,
		Outcome:   outcome,
		Error:     reason,
		CreatedAt: time.Now().UTC(),
	}
}

func (e *Engine) countOutcomes(records []*domain.DrainRecord) {
	for _, r := range records {
		metrics.DrainOutcomesTotal.WithLabelValues(string(r.Outcome)).Inc()
	}
}

func (e *Engine) publish(ctx context.Context, eventType, hostID string, data interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, eventType, hostID, data); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// formatIDs renders ids as "[100, 101]".
func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
