package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// SnapshotRepository stores collection cycles.
type SnapshotRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSnapshotRepository creates a new PostgreSQL snapshot repository.
func NewSnapshotRepository(db *DB, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "snapshot")),
	}
}

// SaveCycle writes the cycle, all of its rows and the summary entry in one
// transaction.
func (r *SnapshotRepository) SaveCycle(ctx context.Context, cycle *domain.CollectionCycle, entry *domain.LogEntry) error {
	batch := &pgx.Batch{}

	batch.Queue(`INSERT INTO collection_cycles (id, captured_at) VALUES ($1, $2)`, cycle.ID, cycle.CapturedAt)

	for _, h := range cycle.Hosts {
		batch.Queue(`
			INSERT INTO host_snapshots (
				cycle_id, host_id, address, cpu_cores, cpu_usage_percent,
				memory_used, memory_total, memory_percent,
				disk_used, disk_total, disk_percent,
				uptime_seconds, uptime_formatted, captured_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			cycle.ID, h.HostID, h.Address, h.CPUCores, h.CPUUsagePercent,
			h.MemoryUsed, h.MemoryTotal, h.MemoryPercent,
			h.DiskUsed, h.DiskTotal, h.DiskPercent,
			h.UptimeSeconds, h.UptimeFormatted, h.CapturedAt,
		)
	}

	for _, g := range cycle.Guests {
		batch.Queue(`
			INSERT INTO guest_snapshots (
				cycle_id, host_id, guest_id, kind, name, status, cpu_usage_percent,
				memory_used, memory_total, memory_percent,
				disk_used, disk_total, disk_percent, captured_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			cycle.ID, g.HostID, g.GuestID, string(g.Kind), g.Name, g.Status, g.CPUUsagePercent,
			g.MemoryUsed, g.MemoryTotal, g.MemoryPercent,
			g.DiskUsed, g.DiskTotal, g.DiskPercent, g.CapturedAt,
		)
	}

	if c := cycle.Cluster; c != nil {
		batch.Queue(`
			INSERT INTO cluster_snapshots (
				cycle_id, host_count, total_cores, cpu_used_cores, cpu_usage_percent,
				memory_used, memory_total, disk_used, disk_total, captured_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			cycle.ID, c.HostCount, c.TotalCores, c.CPUUsedCores, c.CPUUsagePercent,
			c.MemoryUsed, c.MemoryTotal, c.DiskUsed, c.DiskTotal, c.CapturedAt,
		)
	}

	if entry != nil {
		queueLogEntry(batch, entry)
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write collection cycle: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save collection cycle",
			zap.String("cycle_id", cycle.ID),
			zap.Error(err),
		)
		return err
	}

	r.logger.Debug("Collection cycle saved",
		zap.String("cycle_id", cycle.ID),
		zap.Int("hosts", len(cycle.Hosts)),
		zap.Int("guests", len(cycle.Guests)),
	)
	return nil
}

const hostSnapshotColumns = `
	cycle_id, host_id, address, cpu_cores, cpu_usage_percent,
	memory_used, memory_total, memory_percent,
	disk_used, disk_total, disk_percent,
	uptime_seconds, uptime_formatted, captured_at
`

func scanHostSnapshot(row pgx.Row) (*domain.HostSnapshot, error) {
	var h domain.HostSnapshot
	err := row.Scan(
		&h.CycleID, &h.HostID, &h.Address, &h.CPUCores, &h.CPUUsagePercent,
		&h.MemoryUsed, &h.MemoryTotal, &h.MemoryPercent,
		&h.DiskUsed, &h.DiskTotal, &h.DiskPercent,
		&h.UptimeSeconds, &h.UptimeFormatted, &h.CapturedAt,
	)
	if err != nil {
		return nil, err
	}
	h.CapturedAt = h.CapturedAt.UTC()
	return &h, nil
}

// LatestHosts returns the newest snapshot of every host.
func (r *SnapshotRepository) LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error) {
	query := `SELECT DISTINCT ON (host_id) ` + hostSnapshotColumns + `
		FROM host_snapshots
		ORDER BY host_id, captured_at DESC`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query host snapshots: %w", err)
	}
	defer rows.Close()

	var out []*domain.HostSnapshot
	for rows.Next() {
		h, err := scanHostSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host snapshot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestHost returns the newest snapshot of one host.
func (r *SnapshotRepository) LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error) {
	query := `SELECT ` + hostSnapshotColumns + `
		FROM host_snapshots
		WHERE host_id = $1
		ORDER BY captured_at DESC
		LIMIT 1`

	h, err := scanHostSnapshot(r.db.pool.QueryRow(ctx, query, hostID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get host snapshot: %w", err)
	}
	return h, nil
}

// RunningGuests returns the guests running on hostID in the newest cycle
// that observed the host.
func (r *SnapshotRepository) RunningGuests(ctx context.Context, hostID string) (*domain.RunningGuests, error) {
	query := `
		WITH latest AS (
			SELECT c.id
			FROM collection_cycles c
			WHERE EXISTS (SELECT 1 FROM host_snapshots h WHERE h.cycle_id = c.id AND h.host_id = $1)
			   OR EXISTS (SELECT 1 FROM guest_snapshots g WHERE g.cycle_id = c.id AND g.host_id = $1)
			ORDER BY c.captured_at DESC
			LIMIT 1
		)
		SELECT g.guest_id, g.kind
		FROM guest_snapshots g
		JOIN latest ON latest.id = g.cycle_id
		WHERE g.host_id = $1 AND g.status = $2
		ORDER BY g.kind, g.guest_id
	`
	rows, err := r.db.pool.Query(ctx, query, hostID, domain.GuestStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running guests: %w", err)
	}
	defer rows.Close()

	out := &domain.RunningGuests{HostID: hostID}
	for rows.Next() {
		var (
			id   int
			kind string
		)
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan running guest: %w", err)
		}
		if domain.GuestKind(kind) == domain.GuestKindContainer {
			out.ContainerIDs = append(out.ContainerIDs, id)
		} else {
			out.VMIDs = append(out.VMIDs, id)
		}
	}
	return out, rows.Err()
}

// LatestCluster returns the newest cluster aggregate.
func (r *SnapshotRepository) LatestCluster(ctx context.Context) (*domain.ClusterSnapshot, error) {
	query := `
		SELECT cycle_id, host_count, total_cores, cpu_used_cores, cpu_usage_percent,
		       memory_used, memory_total, disk_used, disk_total, captured_at
		FROM cluster_snapshots
		ORDER BY captured_at DESC
		LIMIT 1
	`
	var c domain.ClusterSnapshot
	err := r.db.pool.QueryRow(ctx, query).Scan(
		&c.CycleID, &c.HostCount, &c.TotalCores, &c.CPUUsedCores, &c.CPUUsagePercent,
		&c.MemoryUsed, &c.MemoryTotal, &c.DiskUsed, &c.DiskTotal, &c.CapturedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cluster snapshot: %w", err)
	}
	c.CapturedAt = c.CapturedAt.UTC()
	return &c, nil
}

// DeleteBefore removes whole cycles captured before cutoff. Host, guest and
// cluster rows go with their cycle.
func (r *SnapshotRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM collection_cycles WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
