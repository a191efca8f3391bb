package redis

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
)

const latestHostsKey = "clustermaint:hosts:latest"

// SnapshotStore is the snapshot storage wrapped by SnapshotCache.
type SnapshotStore interface {
	SaveCycle(ctx context.Context, cycle *domain.CollectionCycle, entry *domain.LogEntry) error
	LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error)
	LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error)
	RunningGuests(ctx context.Context, hostID string) (*domain.RunningGuests, error)
	LatestCluster(ctx context.Context) (*domain.ClusterSnapshot, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SnapshotCache serves the latest host snapshots from Redis. Every saved or
// pruned cycle invalidates the cached set. Running guests are always read
// from the store.
type SnapshotCache struct {
	SnapshotStore
	cache *Cache
	ttl   time.Duration
}

// NewSnapshotCache wraps store.
func NewSnapshotCache(store SnapshotStore, cache *Cache, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{SnapshotStore: store, cache: cache, ttl: ttl}
}

// SaveCycle saves through to the store and drops the cached host set.
func (s *SnapshotCache) SaveCycle(ctx context.Context, cycle *domain.CollectionCycle, entry *domain.LogEntry) error {
	if err := s.SnapshotStore.SaveCycle(ctx, cycle, entry); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// DeleteBefore prunes through to the store and drops the cached host set.
func (s *SnapshotCache) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.SnapshotStore.DeleteBefore(ctx, cutoff)
	if n > 0 {
		s.invalidate(ctx)
	}
	return n, err
}

// LatestHosts reads the cached host set, falling back to the store.
func (s *SnapshotCache) LatestHosts(ctx context.Context) ([]*domain.HostSnapshot, error) {
	var hosts []*domain.HostSnapshot
	err := s.cache.Get(ctx, latestHostsKey, &hosts)
	if err == nil {
		return hosts, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.cache.logger.Warn("Failed to read cached host snapshots", zap.Error(err))
	}

	hosts, err = s.SnapshotStore.LatestHosts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, latestHostsKey, hosts, s.ttl); err != nil {
		s.cache.logger.Warn("Failed to cache host snapshots", zap.Error(err))
	}
	return hosts, nil
}

// LatestHost resolves one host from the cached set.
func (s *SnapshotCache) LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error) {
	hosts, err := s.LatestHosts(ctx)
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

func (s *SnapshotCache) invalidate(ctx context.Context) {
	if err := s.cache.Delete(ctx, latestHostsKey); err != nil {
		s.cache.logger.Warn("Failed to invalidate cached host snapshots", zap.Error(err))
	}
}
