// Package collector samples host and guest usage from the cluster and
// persists it as immutable snapshots, one collection cycle at a time.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/proxmox"
)

// CredentialProvider returns the cluster credential current at call time.
type CredentialProvider interface {
	Credential(ctx context.Context) (*domain.Credential, error)
}

// SnapshotStore persists collection cycles.
type SnapshotStore interface {
	// SaveCycle commits the cycle and its audit entry as one unit.
	SaveCycle(ctx context.Context, cycle *domain.CollectionCycle, entry *domain.LogEntry) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditLog appends durable log entries.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.LogEntry) error
}

// EventPublisher announces completed cycles. Optional.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, data interface{}) error
}

// Options configures a Collector.
type Options struct {
	// Concurrency bounds how many hosts are sampled at once.
	Concurrency int
	// ManagementInterface is the interface whose address identifies a host.
	ManagementInterface string
	// Retention is how long cycles are kept by Prune. Zero keeps everything.
	Retention time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Collector is the Metrics Collector.
type Collector struct {
	creds     CredentialProvider
	dialer    proxmox.Dialer
	store     SnapshotStore
	audit     AuditLog
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates a new Collector. publisher may be nil.
func New(creds CredentialProvider, dialer proxmox.Dialer, store SnapshotStore, audit AuditLog, publisher EventPublisher, opts Options, logger *zap.Logger) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ManagementInterface == "" {
		opts.ManagementInterface = "vmbr0"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		creds:     creds,
		dialer:    dialer,
		store:     store,
		audit:     audit,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With(zap.String("component", "collector")),
	}
}

// hostResult is what one host contributes to a cycle.
type hostResult struct {
	host         *domain.HostSnapshot
	guests       []*domain.GuestSnapshot
	failedVMs    []int
	failedCTs    []int
	failedHost   string
	listErrors   []string
	diskErrors   []string
	cpuUsedCores float64
}

// Collect runs one collection cycle. Failures never propagate: they end up
// in the durable log. The committed cycle is returned, or nil.
func (c *Collector) Collect(ctx context.Context) *domain.CollectionCycle {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CollectionDuration)

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			c.logger.Warn("Cluster credentials not configured, skipping metrics collection")
		} else {
			c.logger.Error("Failed to read cluster credentials", zap.Error(err))
		}
		metrics.CollectionCyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	api, err := c.dialer.Dial(ctx, cred)
	if err != nil {
		c.fail(ctx, err)
		return nil
	}

	hosts, err := api.ListHosts(ctx)
	if err != nil {
		c.fail(ctx, fmt.Errorf("failed to list hosts: %w", err))
		return nil
	}

	results := make([]hostResult, len(hosts))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, h := range hosts {
		i, name := i, h.Node
		g.Go(func() error {
			results[i] = c.collectHost(ctx, api, name)
			return nil
		})
	}
	_ = g.Wait()

	cycle := c.assemble(results)
	entry := c.summarize(cycle, results)

	if err := c.store.SaveCycle(ctx, cycle, entry); err != nil {
		c.fail(ctx, err)
		return nil
	}

	c.logEntry(entry)
	c.observe(cycle, results)

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, "metrics.collected", cycle.ID, cycle.Cluster); err != nil {
			c.logger.Warn("Failed to publish collection event", zap.Error(err))
		}
	}
	return cycle
}

// Prune deletes cycles older than the retention window.
func (c *Collector) Prune(ctx context.Context) (int, error) {
	if c.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := c.opts.Now().UTC().Add(-c.opts.Retention)
	n, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	c.logger.Info("Pruned snapshots", zap.Int("cycles", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// =============================================================================
// Per-host sampling
// =============================================================================

func (c *Collector) collectHost(ctx context.Context, api proxmox.API, name string) hostResult {
	logger := c.logger.With(zap.String("host", name))
	res := hostResult{}

	status, err := api.HostStatus(ctx, name)
	if err != nil {
		logger.Warn("Failed to get host status", zap.Error(err))
		res.failedHost = fmt.Sprintf("%s: %v", name, err)
		return res
	}

	address := ""
	ifaces, err := api.HostNetworkInterfaces(ctx, name)
	if err != nil {
		logger.Warn("Failed to list host network interfaces", zap.Error(err))
	}
	for _, iface := range ifaces {
		if iface.Iface == c.opts.ManagementInterface {
			address = iface.IP()
			break
		}
	}

	cores := status.CPUInfo.CPUs
	res.cpuUsedCores = status.CPU * float64(cores)
	res.host = &domain.HostSnapshot{
		HostID:          name,
		Address:         address,
		CPUCores:        cores,
		CPUUsagePercent: status.CPU * 100,
		MemoryUsed:      status.Memory.Used,
		MemoryTotal:     status.Memory.Total,
		MemoryPercent:   domain.Percent(status.Memory.Used, status.Memory.Total),
		DiskUsed:        status.RootFS.Used,
		DiskTotal:       status.RootFS.Total,
		DiskPercent:     domain.Percent(status.RootFS.Used, status.RootFS.Total),
		UptimeSeconds:   status.Uptime,
		UptimeFormatted: FormatUptime(status.Uptime),
	}

	for _, kind := range []domain.GuestKind{domain.GuestKindVM, domain.GuestKindContainer} {
		guests, err := api.ListGuests(ctx, name, kind)
		if err != nil {
			logger.Warn("Failed to list guests", zap.String("kind", string(kind)), zap.Error(err))
			res.listErrors = append(res.listErrors, fmt.Sprintf("%s/%s: %v", name, kind, err))
			continue
		}
		for _, guest := range guests {
			id := int(guest.VMID)
			snap, diskErrs, err := c.collectGuest(ctx, api, name, kind, guest)
			for _, de := range diskErrs {
				res.diskErrors = append(res.diskErrors, fmt.Sprintf("%s %d: %v", kind.Label(), id, de))
			}
			if err != nil {
				logger.Warn("Failed to collect guest",
					zap.String("kind", string(kind)),
					zap.Int("vmid", id),
					zap.Error(err),
				)
				if kind == domain.GuestKindContainer {
					res.failedCTs = append(res.failedCTs, id)
				} else {
					res.failedVMs = append(res.failedVMs, id)
				}
				continue
			}
			if snap != nil {
				res.guests = append(res.guests, snap)
			}
		}
	}
	return res
}

// collectGuest returns nil without error for a guest that reports no CPU
// reading yet.
func (c *Collector) collectGuest(ctx context.Context, api proxmox.API, host string, kind domain.GuestKind, guest proxmox.Guest) (*domain.GuestSnapshot, []error, error) {
	id := int(guest.VMID)

	status, err := api.GuestStatus(ctx, host, kind, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get status: %w", err)
	}
	if status.CPU == nil {
		return nil, nil, nil
	}

	cfg, err := api.GuestConfig(ctx, host, kind, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config: %w", err)
	}

	total, diskErrs := diskTotal(kind, cfg)
	used, err := status.DiskUsed()
	if err != nil {
		diskErrs = append(diskErrs, err)
	}

	name := status.Name
	if name == "" {
		name = guest.Name
	}
	st := status.Status
	if st == "" {
		st = guest.Status
	}

	return &domain.GuestSnapshot{
		HostID:          host,
		GuestID:         id,
		Kind:            kind,
		Name:            name,
		Status:          st,
		CPUUsagePercent: *status.CPU * 100,
		MemoryUsed:      status.Mem,
		MemoryTotal:     status.MaxMem,
		MemoryPercent:   domain.Percent(status.Mem, status.MaxMem),
		DiskUsed:        used,
		DiskTotal:       total,
		DiskPercent:     domain.Percent(used, total),
	}, diskErrs, nil
}

// =============================================================================
// Cycle assembly
// =============================================================================

// captureTime returns a cycle timestamp strictly after the previous one.
func (c *Collector) captureTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

func (c *Collector) assemble(results []hostResult) *domain.CollectionCycle {
	cycle := &domain.CollectionCycle{
		ID:         uuid.New().String(),
		CapturedAt: c.captureTime(),
	}
	cluster := &domain.ClusterSnapshot{CycleID: cycle.ID, CapturedAt: cycle.CapturedAt}

	for _, r := range results {
		if r.host == nil {
			continue
		}
		r.host.CycleID = cycle.ID
		r.host.CapturedAt = cycle.CapturedAt
		cycle.Hosts = append(cycle.Hosts, r.host)

		cluster.HostCount++
		cluster.TotalCores += r.host.CPUCores
		cluster.CPUUsedCores += r.cpuUsedCores
		cluster.MemoryUsed += r.host.MemoryUsed
		cluster.MemoryTotal += r.host.MemoryTotal
		cluster.DiskUsed += r.host.DiskUsed
		cluster.DiskTotal += r.host.DiskTotal

		for _, g := range r.guests {
			g.CycleID = cycle.ID
			g.CapturedAt = cycle.CapturedAt
			cycle.Guests = append(cycle.Guests, g)
		}
	}
	if cluster.TotalCores > 0 {
		cluster.CPUUsagePercent = cluster.CPUUsedCores / float64(cluster.TotalCores) * 100
	}
	cycle.Cluster = cluster
	return cycle
}

func (c *Collector) summarize(cycle *domain.CollectionCycle, results []hostResult) *domain.LogEntry {
	failedVMs := []int{}
	failedCTs := []int{}
	failedHosts := []string{}
	listErrors := []string{}
	diskErrors := []string{}
	for _, r := range results {
		failedVMs = append(failedVMs, r.failedVMs...)
		failedCTs = append(failedCTs, r.failedCTs...)
		if r.failedHost != "" {
			failedHosts = append(failedHosts, r.failedHost)
		}
		listErrors = append(listErrors, r.listErrors...)
		diskErrors = append(diskErrors, r.diskErrors...)
	}

	vms, cts := countGuests(cycle.Guests)
	status := domain.LogStatusInfo
	if len(failedVMs) > 0 || len(failedCTs) > 0 || len(failedHosts) > 0 || len(listErrors) > 0 {
		status = domain.LogStatusWarning
	}

	entry := domain.NewLogEntry("", status,
		fmt.Sprintf("Gathering metrics for - %d Hosts, %d VMs, %d Containers", len(cycle.Hosts), vms, cts),
		map[string]interface{}{
			"cycle_id":          cycle.ID,
			"failed_vms":        failedVMs,
			"failed_containers": failedCTs,
			"failed_hosts":      failedHosts,
			"list_errors":       listErrors,
			"disk_errors":       diskErrors,
		},
	)
	entry.CreatedAt = cycle.CapturedAt
	return entry
}

func countGuests(guests []*domain.GuestSnapshot) (vms, containers int) {
	for _, g := range guests {
		if g.Kind == domain.GuestKindContainer {
			containers++
		} else {
			vms++
		}
	}
	return vms, containers
}

// fail records a cycle that produced nothing.
func (c *Collector) fail(ctx context.Context, err error) {
	metrics.CollectionCyclesTotal.WithLabelValues("failed").Inc()
	entry := domain.NewLogEntry("", domain.LogStatusError,
		fmt.Sprintf("Failed to collect metrics: %v", err), nil)
	c.logEntry(entry)
	if aerr := c.audit.Append(ctx, entry); aerr != nil {
		c.logger.Error("Failed to write audit entry", zap.Error(aerr))
	}
}

func (c *Collector) observe(cycle *domain.CollectionCycle, results []hostResult) {
	vms, cts := countGuests(cycle.Guests)
	metrics.CollectionCyclesTotal.WithLabelValues("success").Inc()
	metrics.HostsObserved.Set(float64(len(cycle.Hosts)))
	metrics.GuestsObserved.WithLabelValues(string(domain.GuestKindVM)).Set(float64(vms))
	metrics.GuestsObserved.WithLabelValues(string(domain.GuestKindContainer)).Set(float64(cts))
	metrics.ClusterCPUUsage.Set(cycle.Cluster.CPUUsagePercent)
	for _, r := range results {
		if r.failedHost != "" {
			metrics.CollectionFailures.WithLabelValues("host").Inc()
		}
		metrics.CollectionFailures.WithLabelValues(string(domain.GuestKindVM)).Add(float64(len(r.failedVMs)))
		metrics.CollectionFailures.WithLabelValues(string(domain.GuestKindContainer)).Add(float64(len(r.failedCTs)))
	}
}

func (c *Collector) logEntry(e *domain.LogEntry) {
	fields := []zap.Field{zap.String("action", e.Action)}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	switch e.Status {
	case domain.LogStatusError:
		c.logger.Error("Collection cycle failed", fields...)
	case domain.LogStatusWarning:
		c.logger.Warn("Collection cycle completed with failures", fields...)
	default:
		c.logger.Info("Collection cycle completed", fields...)
	}
}
