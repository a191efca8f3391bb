// Package etcd provides etcd client functionality for distributed coordination.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/config"
	"github.com/limiquantix/clustermaint/internal/domain"
)

// Client wraps an etcd client with leader election and distributed locking.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	logger  *zap.Logger
}

// NewClient creates a new etcd client. lockTTL bounds how long a lock
// outlives a crashed holder.
func NewClient(cfg config.EtcdConfig, lockTTL time.Duration, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := int(lockTTL.Seconds())
	if ttl <= 0 {
		ttl = 30
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		prefix:  "/clustermaint",
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Distributed Locking
// =============================================================================

// TryLock takes the named lock without waiting. It returns
// domain.ErrJobRunning when another holder has it.
func (c *Client) TryLock(ctx context.Context, key string) (func(context.Context) error, error) {
	mutex := concurrency.NewMutex(c.session, fmt.Sprintf("%s/locks/%s", c.prefix, key))

	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, fmt.Errorf("%w: lock %s held elsewhere", domain.ErrJobRunning, key)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", key))

	return func(ctx context.Context) error {
		if err := mutex.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign in the background.
func (c *Client) CampaignForLeader(ctx context.Context, name, value string, callback LeaderCallback) *Leader {
	election := concurrency.NewElection(c.session, fmt.Sprintf("%s/leaders/%s", c.prefix, name))

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
	}

	go func() {
		for {
			if err := election.Campaign(ctx, value); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}

			leader.isLeader.Store(true)
			c.logger.Info("Became leader", zap.String("name", name))
			if callback != nil {
				callback(true)
			}

			select {
			case <-ctx.Done():
				return
			case <-c.session.Done():
				leader.isLeader.Store(false)
				c.logger.Info("Lost leadership", zap.String("name", name))
				if callback != nil {
					callback(false)
				}
				return
			}
		}
	}()

	return leader
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}
