// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// AuditRepository is an in-memory durable log.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*domain.LogEntry
}

// NewAuditRepository creates a new in-memory audit repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Append stores a log entry.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(entry)
	return nil
}

func (r *AuditRepository) appendLocked(entry *domain.LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, cloneEntry(entry))
}

// Recent returns up to limit entries with one of statuses, newest first.
// No statuses means any status.
func (r *AuditRepository) Recent(ctx context.Context, statuses []domain.LogStatus, limit int) ([]*domain.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[domain.LogStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*domain.LogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if len(want) > 0 && !want[e.Status] {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestPerHost returns the newest entry of every host that has one.
func (r *AuditRepository) LatestPerHost(ctx context.Context) ([]*domain.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[string]*domain.LogEntry)
	for _, e := range r.entries {
		if e.HostID == "" {
			continue
		}
		if cur, ok := latest[e.HostID]; !ok || !e.CreatedAt.Before(cur.CreatedAt) {
			latest[e.HostID] = e
		}
	}

	out := make([]*domain.LogEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

// Entries returns every entry in insertion order.
func (r *AuditRepository) Entries() []*domain.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.LogEntry, len(r.entries))
	for i, e := range r.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func cloneEntry(e *domain.LogEntry) *domain.LogEntry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
