package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/metrics"
)

// Scheduler owns the trigger engine and its lifecycle.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	leader LeaderChecker
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	name     string
	fn       Job
	entryID  cron.EntryID
	oneShot  bool
	periodic bool
	// guard is held for the whole run; TryLock failing means a run is active.
	guard sync.Mutex
}

// New creates a new Scheduler. It does not fire anything until Start.
func New(opts Options, logger *zap.Logger) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger: logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		locker: opts.Locker,
		leader: opts.Leader,
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// =============================================================================
// Registration
// =============================================================================

// Every registers a job run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval for %s must be positive", domain.ErrInvalidArgument, name)
	}
	return s.add(name, cron.Every(interval), fn, false)
}

// Cron registers a job on a cron expression ("0 2 * * *", "@every 24h", "@daily").
func (s *Scheduler) Cron(name, spec string, fn Job) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q for %s: %v", domain.ErrInvalidArgument, spec, name, err)
	}
	return s.add(name, schedule, fn, false)
}

// At registers a job run once at the given time. A time in the past fires
// on the next second. The trigger is removed after it has run.
func (s *Scheduler) At(name string, at time.Time, fn Job) error {
	if min := time.Now().Add(time.Second); at.Before(min) {
		at = min
	}
	return s.add(name, onceSchedule{at: at}, fn, true)
}

func (s *Scheduler) add(name string, schedule cron.Schedule, fn Job, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrAlreadyExists, name)
	}

	j := &job{name: name, fn: fn, oneShot: oneShot, periodic: !oneShot}
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[name] = j

	s.logger.Debug("Registered trigger",
		zap.String("job", name),
		zap.Bool("one_shot", oneShot),
	)
	return nil
}

// Has reports whether a trigger is registered under name.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Cancel removes a trigger. It returns false if none was registered.
// A run already in progress is not interrupted.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	s.logger.Info("Cancelled trigger", zap.String("job", name))
	return true
}

// Entries lists registered triggers ordered by name.
func (s *Scheduler) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.entryID)
		out = append(out, Info{Name: j.name, OneShot: j.oneShot, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins firing triggers. Jobs receive a context that is cancelled by Stop.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("triggers", len(s.Entries())))
	s.cron.Start()
}

// Stop stops firing triggers and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("Stopping scheduler")
	done := s.cron.Stop()
	defer s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// =============================================================================
// Execution
// =============================================================================

// RunNow runs a registered job synchronously, bypassing its schedule and the
// leader gate. It returns domain.ErrJobRunning if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrNotFound, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) fire(j *job) {
	if j.periodic && s.leader != nil && !s.leader.IsLeader() {
		s.logger.Debug("Not leader, skipping trigger", zap.String("job", j.name))
		return
	}

	err := s.execute(s.ctx, j)
	if errors.Is(err, domain.ErrJobRunning) {
		metrics.JobSkipsTotal.WithLabelValues(j.name).Inc()
		s.logger.Warn("Previous run still active, skipping trigger", zap.String("job", j.name))
	}

	if j.oneShot {
		s.mu.Lock()
		if cur, ok := s.jobs[j.name]; ok && cur == j {
			s.cron.Remove(j.entryID)
			delete(s.jobs, j.name)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if !j.guard.TryLock() {
		return fmt.Errorf("%w: %s", domain.ErrJobRunning, j.name)
	}
	defer j.guard.Unlock()

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, j.name)
		if err != nil {
			return err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				s.logger.Warn("Failed to release trigger lock", zap.String("job", j.name), zap.Error(err))
			}
		}()
	}

	logger := s.logger.With(zap.String("job", j.name))
	logger.Debug("Running job")
	start := time.Now()

	if err := j.fn(ctx); err != nil {
		metrics.JobRunsTotal.WithLabelValues(j.name, "error").Inc()
		logger.Error("Job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return err
	}

	metrics.JobRunsTotal.WithLabelValues(j.name, "success").Inc()
	logger.Debug("Job finished", zap.Duration("duration", time.Since(start)))
	return nil
}

// onceSchedule fires at one instant and never again.
type onceSchedule struct {
	at time.Time
}

// Next implements cron.Schedule. The zero time tells cron the entry is done.
func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
