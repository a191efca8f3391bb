package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// SnapshotRepository keeps collection cycles in memory. A cycle and its
// audit entry become visible together.
type SnapshotRepository struct {
	mu     sync.RWMutex
	cycles []*domain.CollectionCycle
	audit  *AuditRepository

	// SaveErr, when set, makes SaveCycle fail without storing anything.
	SaveErr error
}

// NewSnapshotRepository creates a snapshot repository writing cycle audit
// entries to audit.
func NewSnapshotRepository(audit *AuditRepository) *SnapshotRepository {
	return &SnapshotRepository{audit: audit}
}

// SaveCycle stores a cycle and its summary entry as one unit.
func (r *SnapshotRepository) SaveCycle(ctx context.Context, cycle *domain.CollectionCycle, entry *domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}

	r.cycles = append(r.cycles, cloneCycle(cycle))
	if entry != nil && r.audit != nil {
		r.audit.mu.Lock()
		r.audit.appendLocked(entry)
		r.audit.mu.Unlock()
	}
	return nil
}

// Cycles returns every stored cycle, oldest first.
func (r *SnapshotRepository) Cycles() []*domain.CollectionCycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.CollectionCycle, len(r.cycles))
	for i, c := range r.cycles {
		out[i] = cloneCycle(c)
	}
	return out
}

// LatestHosts returns the newest snapshot of every host.
func (r *SnapshotRepository) LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[string]*domain.HostSnapshot)
	for _, c := range r.cycles {
		for _, h := range c.Hosts {
			if cur, ok := latest[h.HostID]; !ok || !h.CapturedAt.Before(cur.CapturedAt) {
				latest[h.HostID] = h
			}
		}
	}

	out := make([]*domain.HostSnapshot, 0, len(latest))
	for _, h := range latest {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

// LatestHost returns the newest snapshot of one host.
func (r *SnapshotRepository) LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error) {
	hosts, err := r.LatestHosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.HostID == hostID {
			return h, nil
		}
	}
	return nil, domain.ErrNotFound
}

// RunningGuests returns the guests running on hostID in the newest cycle
// that observed the host.
func (r *SnapshotRepository) RunningGuests(ctx context.Context, hostID string) (*domain.RunningGuests, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &domain.RunningGuests{HostID: hostID}
	for i := len(r.cycles) - 1; i >= 0; i-- {
		c := r.cycles[i]
		if !cycleObserved(c, hostID) {
			continue
		}
		for _, g := range c.Guests {
			if g.HostID != hostID || !g.Running() {
				continue
			}
			if g.Kind == domain.GuestKindContainer {
				out.ContainerIDs = append(out.ContainerIDs, g.GuestID)
			} else {
				out.VMIDs = append(out.VMIDs, g.GuestID)
			}
		}
		break
	}
	sort.Ints(out.VMIDs)
	sort.Ints(out.ContainerIDs)
	return out, nil
}

func cycleObserved(c *domain.CollectionCycle, hostID string) bool {
	for _, h := range c.Hosts {
		if h.HostID == hostID {
			return true
		}
	}
	for _, g := range c.Guests {
		if g.HostID == hostID {
			return true
		}
	}
	return false
}

// LatestCluster returns the newest cluster aggregate.
func (r *SnapshotRepository) LatestCluster(ctx context.Context) (*domain.ClusterSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.cycles) - 1; i >= 0; i-- {
		if c := r.cycles[i].Cluster; c != nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

// DeleteBefore removes whole cycles captured before cutoff.
func (r *SnapshotRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.cycles[:0]
	removed := 0
	for _, c := range r.cycles {
		if c.CapturedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	r.cycles = kept
	return removed, nil
}

func cloneCycle(c *domain.CollectionCycle) *domain.CollectionCycle {
	out := &domain.CollectionCycle{ID: c.ID, CapturedAt: c.CapturedAt}
	for _, h := range c.Hosts {
		cp := *h
		out.Hosts = append(out.Hosts, &cp)
	}
	for _, g := range c.Guests {
		cp := *g
		out.Guests = append(out.Guests, &cp)
	}
	if c.Cluster != nil {
		cp := *c.Cluster
		out.Cluster = &cp
	}
	return out
}
