package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// UpdateRepository stores update schedule entries and node update status.
type UpdateRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUpdateRepository creates a new PostgreSQL update repository.
func NewUpdateRepository(db *DB, logger *zap.Logger) *UpdateRepository {
	return &UpdateRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "update")),
	}
}

const scheduleColumns = `id, host_id, scheduled_time, state, started_at, completed_at, error_message, created_at`

func scanSchedule(row pgx.Row) (*domain.UpdateScheduleEntry, error) {
	var (
		e              domain.UpdateScheduleEntry
		hostID, errMsg *string
		state          string
	)
	if err := row.Scan(&e.ID, &hostID, &e.ScheduledTime, &state, &e.StartedAt, &e.CompletedAt, &errMsg, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.HostID = derefString(hostID)
	e.ErrorMessage = derefString(errMsg)
	e.State = domain.UpdateState(state)
	e.ScheduledTime = e.ScheduledTime.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = utc(e.StartedAt)
	e.CompletedAt = utc(e.CompletedAt)
	return &e, nil
}

// Create stores a new schedule entry.
func (r *UpdateRepository) Create(ctx context.Context, e *domain.UpdateScheduleEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO update_schedule (id, host_id, scheduled_time, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, nullString(e.HostID), e.ScheduledTime, string(e.State), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert update schedule: %w", err)
	}

	r.logger.Debug("Update schedule created",
		zap.String("id", e.ID),
		zap.String("host", e.HostID),
		zap.Time("scheduled_time", e.ScheduledTime),
	)
	return nil
}

// Get returns one entry.
func (r *UpdateRepository) Get(ctx context.Context, id string) (*domain.UpdateScheduleEntry, error) {
	e, err := scanSchedule(r.db.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM update_schedule WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get update schedule: %w", err)
	}
	return e, nil
}

// ListByState returns entries in state ordered by scheduled time.
func (r *UpdateRepository) ListByState(ctx context.Context, state domain.UpdateState) ([]*domain.UpdateScheduleEntry, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM update_schedule WHERE state = $1 ORDER BY scheduled_time`,
		string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list update schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.UpdateScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update schedule: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Transition advances an entry with a single conditional UPDATE so readers
// never see the new state without its timestamp.
func (r *UpdateRepository) Transition(ctx context.Context, id string, to domain.UpdateState, at time.Time, errMsg string) (*domain.UpdateScheduleEntry, error) {
	from, ok := to.Predecessor()
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter %s", domain.ErrInvalidTransition, to)
	}

	query := `
		UPDATE update_schedule SET
			state = $2::text,
			started_at = CASE WHEN $2::text = 'in_progress' THEN $3::timestamptz ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $3::timestamptz ELSE completed_at END,
			error_message = CASE WHEN $2::text = 'failed' THEN $4::text ELSE error_message END
		WHERE id = $1 AND state = $5
		RETURNING ` + scheduleColumns

	e, err := scanSchedule(r.db.pool.QueryRow(ctx, query, id, string(to), at, nullString(errMsg), string(from)))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition update schedule: %w", err)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %v: %s -> %s", domain.ErrConflict, domain.ErrInvalidTransition, current.State, to)
}

// DeleteScheduled removes an entry that has not started yet.
func (r *UpdateRepository) DeleteScheduled(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx,
		`DELETE FROM update_schedule WHERE id = $1 AND state = $2`,
		id, string(domain.UpdateStateScheduled),
	)
	if err != nil {
		return fmt.Errorf("failed to delete update schedule: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: entry is %s", domain.ErrConflict, current.State)
}

// UpsertNodeStatus replaces the update status of one host.
func (r *UpdateRepository) UpsertNodeStatus(ctx context.Context, s *domain.NodeUpdateStatus) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO node_update_status (host_id, updates_available, reboot_required, last_checked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (host_id) DO UPDATE SET
			updates_available = EXCLUDED.updates_available,
			reboot_required = EXCLUDED.reboot_required,
			last_checked = EXCLUDED.last_checked`,
		s.HostID, s.UpdatesAvailable, s.RebootRequired, s.LastChecked,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node update status: %w", err)
	}
	return nil
}

// MarkRebootRequired sets the reboot flag of one host, creating its row if needed.
func (r *UpdateRepository) MarkRebootRequired(ctx context.Context, hostID string, at time.Time) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO node_update_status (host_id, reboot_required, last_checked)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (host_id) DO UPDATE SET
			reboot_required = TRUE,
			last_checked = EXCLUDED.last_checked`,
		hostID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reboot required: %w", err)
	}
	return nil
}

// GetNodeStatus returns the update status of one host.
func (r *UpdateRepository) GetNodeStatus(ctx context.Context, hostID string) (*domain.NodeUpdateStatus, error) {
	var s domain.NodeUpdateStatus
	err := r.db.pool.QueryRow(ctx, `
		SELECT host_id, updates_available, reboot_required, last_checked
		FROM node_update_status WHERE host_id = $1`, hostID,
	).Scan(&s.HostID, &s.UpdatesAvailable, &s.RebootRequired, &s.LastChecked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get node update status: %w", err)
	}
	s.LastChecked = s.LastChecked.UTC()
	return &s, nil
}

// ListNodeStatuses returns every host's update status.
func (r *UpdateRepository) ListNodeStatuses(ctx context.Context) ([]*domain.NodeUpdateStatus, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT host_id, updates_available, reboot_required, last_checked
		FROM node_update_status ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list node update status: %w", err)
	}
	defer rows.Close()

	var out []*domain.NodeUpdateStatus
	for rows.Next() {
		var s domain.NodeUpdateStatus
		if err := rows.Scan(&s.HostID, &s.UpdatesAvailable, &s.RebootRequired, &s.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan node update status: %w", err)
		}
		s.LastChecked = s.LastChecked.UTC()
		out = append(out, &s)
	}
	return out, rows.Err()
}
