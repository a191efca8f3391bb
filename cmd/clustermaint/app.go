package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/collector"
	"github.com/limiquantix/clustermaint/internal/config"
	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/drain"
	"github.com/limiquantix/clustermaint/internal/metrics"
	"github.com/limiquantix/clustermaint/internal/proxmox"
	"github.com/limiquantix/clustermaint/internal/remote"
	"github.com/limiquantix/clustermaint/internal/repository/etcd"
	"github.com/limiquantix/clustermaint/internal/repository/memory"
	"github.com/limiquantix/clustermaint/internal/repository/postgres"
	"github.com/limiquantix/clustermaint/internal/repository/redis"
	"github.com/limiquantix/clustermaint/internal/scheduler"
	"github.com/limiquantix/clustermaint/internal/services/maintenance"
	"github.com/limiquantix/clustermaint/internal/updater"
)

type auditLog interface {
	Append(ctx context.Context, entry *domain.LogEntry) error
	Recent(ctx context.Context, statuses []domain.LogStatus, limit int) ([]*domain.LogEntry, error)
	LatestPerHost(ctx context.Context) ([]*domain.LogEntry, error)
}

type drainStore interface {
	Save(ctx context.Context, records []*domain.DrainRecord, entries []*domain.LogEntry) error
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, data interface{}) error
}

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	creds     collector.CredentialProvider
	audit     auditLog
	snapshots redis.SnapshotStore
	drains    drainStore
	updates   updater.Repository
	publisher eventPublisher

	scheduler *scheduler.Scheduler
	leader    *etcd.Leader

	collector   *collector.Collector
	drainer     *drain.Engine
	updater     *updater.Service
	maintenance *maintenance.Service
}

// appOptions controls what newApp starts.
type appOptions struct {
	// Coordination connects etcd (locks and leader election).
	Coordination bool
	// Scheduler creates the trigger engine; it is not started.
	Scheduler bool
	// LeaderElection campaigns for leadership and gates periodic triggers on it.
	LeaderElection bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.initRepositories(ctx); err != nil {
		a.close()
		return nil, err
	}
	if opts.Coordination && cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, cfg.Scheduler.LockTTL, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.etcd = client
	}
	if opts.LeaderElection && a.etcd != nil {
		a.leader = a.etcd.CampaignForLeader(ctx, "clustermaint", instanceID(), func(isLeader bool) {
			metrics.IsLeader.Set(metrics.BoolGauge(isLeader))
			if isLeader {
				logger.Info("This instance is now the leader")
			} else {
				logger.Info("This instance is now a follower")
			}
		})
	}
	if opts.Scheduler {
		sopts := scheduler.Options{Location: time.UTC}
		if a.etcd != nil {
			sopts.Locker = a.etcd
		}
		if a.leader != nil {
			sopts.Leader = a.leader
		}
		a.scheduler = scheduler.New(sopts, logger)
	}
	a.initServices()
	return a, nil
}

// initRepositories selects the storage backend and optional Redis layer.
func (a *app) initRepositories(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, a.logger)
		if err != nil {
			return err
		}
		a.db = db
		a.logger.Info("Initializing PostgreSQL repositories")

		audit := postgres.NewAuditRepository(db, a.logger)
		a.audit = audit
		a.snapshots = postgres.NewSnapshotRepository(db, a.logger)
		a.drains = postgres.NewDrainRepository(db, a.logger)
		a.updates = postgres.NewUpdateRepository(db, a.logger)
		if cfg.Cluster.CredentialSource == "database" {
			a.creds = postgres.NewCredentialRepository(db)
		}

	default:
		a.logger.Warn("Using in-memory repositories, state is lost on exit")
		audit := memory.NewAuditRepository()
		a.audit = audit
		a.snapshots = memory.NewSnapshotRepository(audit)
		a.drains = memory.NewDrainRepository(audit)
		a.updates = memory.NewUpdateRepository()
		if cfg.Cluster.CredentialSource == "database" {
			a.creds = memory.NewCredentialRepository(nil)
		}
	}

	if a.creds == nil {
		a.creds = cfg.CredentialSource()
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.cache = cache
		a.publisher = cache
		a.snapshots = redis.NewSnapshotCache(a.snapshots, cache, cfg.Redis.CacheTTL)
	}
	return nil
}

func (a *app) initServices() {
	cfg := a.cfg

	cluster := proxmox.NewDialer(proxmox.Options{RequestTimeout: cfg.Cluster.RequestTimeout}, a.logger)
	shell := remote.NewSSHDialer(remote.Options{
		Port:           cfg.Updates.SSHPort,
		ConnectTimeout: cfg.Updates.ConnectTimeout,
		CommandTimeout: cfg.Updates.CommandTimeout,
		KnownHostsFile: cfg.Updates.KnownHostsFile,
	}, a.logger)

	a.collector = collector.New(a.creds, cluster, a.snapshots, a.audit, a.publisher, collector.Options{
		Concurrency:         cfg.Collector.Concurrency,
		ManagementInterface: cfg.Cluster.ManagementInterface,
		Retention:           cfg.Collector.Retention,
	}, a.logger)

	a.drainer = drain.NewEngine(a.creds, cluster, a.snapshots, a.drains, a.publisher, drain.Options{
		PollInterval:         cfg.Drain.PollInterval,
		MigrationTimeout:     cfg.Drain.MigrationTimeout,
		LocalStoragePrefixes: cfg.Drain.LocalStoragePrefixes,
	}, a.logger)

	var triggers updater.Triggers
	var runner maintenance.TriggerRunner
	if a.scheduler != nil {
		triggers = a.scheduler
		runner = a.scheduler
	}

	uopts := updater.Options{RebootMarker: cfg.Updates.RebootMarker}
	if a.etcd != nil {
		uopts.Locker = a.etcd
	}
	a.updater = updater.NewService(a.creds, cluster, shell, a.snapshots, a.updates, a.audit, triggers, a.publisher,
		uopts, a.logger)

	a.maintenance = maintenance.NewService(a.drainer, a.updater, a.collector, runner, a.audit, a.snapshots, a.logger)
}

// registerTriggers adds the periodic triggers and every pending scheduled update.
func (a *app) registerTriggers(ctx context.Context) error {
	cfg := a.cfg
	s := a.scheduler

	if err := s.Every(maintenance.CollectJob, cfg.Collector.Interval, func(ctx context.Context) error {
		a.collector.Collect(ctx)
		return nil
	}); err != nil {
		return err
	}

	if err := s.Cron("update_check", cfg.Updates.CheckSchedule, func(ctx context.Context) error {
		_, err := a.updater.CheckAllNodes(ctx)
		if errors.Is(err, domain.ErrNotConfigured) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	if cfg.Collector.Retention > 0 {
		if err := s.Cron("snapshot_cleanup", cfg.Collector.CleanupSchedule, func(ctx context.Context) error {
			_, err := a.collector.Prune(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	// Entries created by other processes are picked up here. With etcd the
	// trigger locks tell abandoned runs from live ones on other instances,
	// so those are swept here too.
	if err := s.Every("update_sync", time.Minute, func(ctx context.Context) error {
		if a.etcd != nil {
			if _, err := a.updater.RecoverInterrupted(ctx); err != nil {
				a.logger.Warn("Failed to recover interrupted updates", zap.Error(err))
			}
		}
		_, err := a.updater.SyncScheduled(ctx)
		return err
	}); err != nil {
		return err
	}

	if _, err := a.updater.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted updates: %w", err)
	}

	n, err := a.updater.SyncScheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore scheduled updates: %w", err)
	}
	a.logger.Info("Triggers registered", zap.Int("scheduled_updates", n))
	return nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// close releases infrastructure connections.
func (a *app) close() {
	if a.leader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.leader.Resign(ctx); err != nil {
			a.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
		cancel()
	}
	if a.etcd != nil {
		if err := a.etcd.Close(); err != nil {
			a.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
