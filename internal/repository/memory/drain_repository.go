package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// DrainRepository is an in-memory store of drain records.
type DrainRepository struct {
	mu      sync.RWMutex
	records []*domain.DrainRecord
	audit   *AuditRepository

	// SaveErr, when set, makes Save fail without storing anything.
	SaveErr error
}

// NewDrainRepository creates a drain repository writing entries to audit.
func NewDrainRepository(audit *AuditRepository) *DrainRepository {
	return &DrainRepository{audit: audit}
}

// Save stores records and their audit entries as one unit.
func (r *DrainRepository) Save(ctx context.Context, records []*domain.DrainRecord, entries []*domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		cp := *rec
		r.records = append(r.records, &cp)
	}

	if r.audit != nil && len(entries) > 0 {
		r.audit.mu.Lock()
		for _, e := range entries {
			r.audit.appendLocked(e)
		}
		r.audit.mu.Unlock()
	}
	return nil
}

// ListByHost returns the records of one host, oldest first.
func (r *DrainRepository) ListByHost(ctx context.Context, hostID string) ([]*domain.DrainRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.DrainRecord
	for _, rec := range r.records {
		if rec.HostID == hostID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
