package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// DrainRepository stores drain records.
type DrainRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDrainRepository creates a new PostgreSQL drain repository.
func NewDrainRepository(db *DB, logger *zap.Logger) *DrainRepository {
	return &DrainRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "drain")),
	}
}

// Save writes records and their audit entries in one transaction.
func (r *DrainRepository) Save(ctx context.Context, records []*domain.DrainRecord, entries []*domain.LogEntry) error {
	if len(records) == 0 && len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		batch.Queue(`
			INSERT INTO drain_records (id, host_id, guest_id, kind, name, target_host, outcome, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.HostID, rec.GuestID, string(rec.Kind), rec.Name,
			nullString(rec.TargetHost), string(rec.Outcome), nullString(rec.Error), rec.CreatedAt,
		)
	}
	for _, e := range entries {
		queueLogEntry(batch, e)
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write drain records: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save drain records", zap.Int("records", len(records)), zap.Error(err))
		return err
	}
	return nil
}

// ListByHost returns the records of one host, oldest first.
func (r *DrainRepository) ListByHost(ctx context.Context, hostID string) ([]*domain.DrainRecord, error) {
	query := `
		SELECT id, host_id, guest_id, kind, name, target_host, outcome, error, created_at
		FROM drain_records
		WHERE host_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.pool.Query(ctx, query, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drain records: %w", err)
	}
	defer rows.Close()

	var out []*domain.DrainRecord
	for rows.Next() {
		var (
			rec             domain.DrainRecord
			kind, outcome   string
			target, errText *string
		)
		if err := rows.Scan(&rec.ID, &rec.HostID, &rec.GuestID, &kind, &rec.Name, &target, &outcome, &errText, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drain record: %w", err)
		}
		rec.Kind = domain.GuestKind(kind)
		rec.Outcome = domain.DrainOutcome(outcome)
		rec.TargetHost = derefString(target)
		rec.Error = derefString(errText)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
