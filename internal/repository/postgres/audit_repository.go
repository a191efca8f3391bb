package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// AuditRepository implements the durable maintenance log using PostgreSQL.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new PostgreSQL audit repository.
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "audit")),
	}
}

const insertLogEntrySQL = `
	INSERT INTO maintenance_log (id, host_id, action, status, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

// logEntryArgs fills defaults on entry and returns the insert arguments.
func logEntryArgs(entry *domain.LogEntry) []interface{} {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var details []byte
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			b = []byte("{}")
		}
		details = b
	}

	return []interface{}{
		entry.ID,
		nullString(entry.HostID),
		entry.Action,
		string(entry.Status),
		details,
		entry.CreatedAt,
	}
}

// queueLogEntry adds an entry insert to a batch.
func queueLogEntry(batch *pgx.Batch, entry *domain.LogEntry) {
	batch.Queue(insertLogEntrySQL, logEntryArgs(entry)...)
}

// Append stores a new log entry.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.LogEntry) error {
	if _, err := r.db.pool.Exec(ctx, insertLogEntrySQL, logEntryArgs(entry)...); err != nil {
		r.logger.Error("Failed to append log entry", zap.Error(err))
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries with one of statuses, newest first.
func (r *AuditRepository) Recent(ctx context.Context, statuses []domain.LogStatus, limit int) ([]*domain.LogEntry, error) {
	query := `
		SELECT id, host_id, action, status, details, created_at
		FROM maintenance_log
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
		ORDER BY created_at DESC
		LIMIT $2
	`
	want := make([]string, len(statuses))
	for i, s := range statuses {
		want[i] = string(s)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.pool.Query(ctx, query, want, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	return scanLogEntries(rows)
}

// LatestPerHost returns the newest entry of every host.
func (r *AuditRepository) LatestPerHost(ctx context.Context) ([]*domain.LogEntry, error) {
	query := `
		SELECT DISTINCT ON (host_id) id, host_id, action, status, details, created_at
		FROM maintenance_log
		WHERE host_id IS NOT NULL
		ORDER BY host_id, created_at DESC
	`
	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest log entries: %w", err)
	}
	return scanLogEntries(rows)
}

func scanLogEntries(rows pgx.Rows) ([]*domain.LogEntry, error) {
	defer rows.Close()

	var out []*domain.LogEntry
	for rows.Next() {
		var (
			e       domain.LogEntry
			hostID  *string
			status  string
			details []byte
		)
		if err := rows.Scan(&e.ID, &hostID, &e.Action, &status, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.HostID = derefString(hostID)
		e.Status = domain.LogStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log entries: %w", err)
	}
	return out, nil
}
