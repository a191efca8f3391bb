package updater

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/proxmox/proxmoxtest"
	"github.com/limiquantix/clustermaint/internal/remote"
	"github.com/limiquantix/clustermaint/internal/remote/remotetest"
	"github.com/limiquantix/clustermaint/internal/repository/memory"
	"github.com/limiquantix/clustermaint/internal/scheduler"
)

const upgradable = "pve-manager/stable 8.1.4 amd64 [upgradable from: 8.1.3]\n" +
	"proxmox-kernel-6.5/stable 6.5.13-1[amd64] all\n"

// MockTriggers records one-shot registrations without running them.
type MockTriggers struct {
	mu   sync.Mutex
	jobs map[string]time.Time
}

func NewMockTriggers() *MockTriggers {
	return &MockTriggers{jobs: make(map[string]time.Time)}
}

func (m *MockTriggers) At(name string, at time.Time, fn scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[name]; ok {
		return domain.ErrAlreadyExists
	}
	m.jobs[name] = at
	return nil
}

func (m *MockTriggers) Cancel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	delete(m.jobs, name)
	return ok
}

func (m *MockTriggers) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	return ok
}

// MockLocker is a cross-instance lock table; held keys belong to another instance.
type MockLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *MockLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrJobRunning
	}
	m.held[key] = true
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
		return nil
	}, nil
}

// ctxRepository fails writes on a cancelled context, as a database driver does.
type ctxRepository struct {
	*memory.UpdateRepository
}

func (r ctxRepository) Transition(ctx context.Context, id string, to domain.UpdateState, at time.Time, errMsg string) (*domain.UpdateScheduleEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.UpdateRepository.Transition(ctx, id, to, at, errMsg)
}

// holdShell blocks commands containing match until release is closed or the
// caller's context ends.
type holdShell struct {
	inner   remote.Dialer
	match   string
	started chan struct{}
	release chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newHoldShell(inner remote.Dialer, match string) *holdShell {
	return &holdShell{inner: inner, match: match, started: make(chan struct{}), release: make(chan struct{})}
}

func (h *holdShell) Dial(ctx context.Context, address string, cred *domain.Credential) (remote.Session, error) {
	sess, err := h.inner.Dial(ctx, address, cred)
	if err != nil {
		return nil, err
	}
	return &holdSession{Session: sess, shell: h}, nil
}

func (h *holdShell) cancelled() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

type holdSession struct {
	remote.Session
	shell *holdShell
}

func (s *holdSession) Run(ctx context.Context, cmd string) (*remote.Result, error) {
	h := s.shell
	if strings.Contains(cmd, h.match) {
		h.once.Do(func() { close(h.started) })
		select {
		case <-h.release:
		case <-ctx.Done():
			h.mu.Lock()
			h.err = ctx.Err()
			h.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	return s.Session.Run(ctx, cmd)
}

// failingSnapshots fails address lookups with err.
type failingSnapshots struct {
	SnapshotReader
	err error
}

func (f failingSnapshots) LatestHost(ctx context.Context, hostID string) (*domain.HostSnapshot, error) {
	return nil, f.err
}

type fixture struct {
	cluster   *proxmoxtest.Cluster
	shell     *remotetest.Shell
	creds     *memory.CredentialRepository
	audit     *memory.AuditRepository
	repo      *memory.UpdateRepository
	snapshots *memory.SnapshotRepository
	svc       *Service
}

// newFixture builds a three host cluster: pve1 is reachable with two pending
// packages and a pending reboot, pve2 refuses connections and pve3 has no
// known address.
func newFixture(t *testing.T, triggers Triggers) *fixture {
	t.Helper()
	f := &fixture{
		cluster: proxmoxtest.New(),
		shell:   remotetest.New(),
		creds: memory.NewCredentialRepository(&domain.Credential{
			Hostname: "pve.example", Username: "root@pam", Password: "secret",
		}),
		audit: memory.NewAuditRepository(),
		repo:  memory.NewUpdateRepository(),
	}
	snapshots := memory.NewSnapshotRepository(f.audit)
	f.snapshots = snapshots
	f.svc = NewService(f.creds, f.cluster, f.shell, snapshots, f.repo, f.audit, triggers, nil, Options{}, zap.NewNop())

	for _, h := range []string{"pve1", "pve2", "pve3"} {
		f.cluster.AddHost(h, 0.1, 8, 8<<30, 64<<30)
	}
	cycle := &domain.CollectionCycle{
		ID:         "cycle-1",
		CapturedAt: time.Now().UTC(),
		Hosts: []*domain.HostSnapshot{
			{HostID: "pve1", Address: "10.0.0.1"},
			{HostID: "pve2", Address: "10.0.0.2"},
			{HostID: "pve3"},
		},
		Cluster: &domain.ClusterSnapshot{HostCount: 3},
	}
	require.NoError(t, snapshots.SaveCycle(context.Background(), cycle, nil))

	f.shell.Respond("10.0.0.1", "apt list --upgradable", 0, upgradable)
	f.shell.Respond("10.0.0.1", "reboot-required", 0, "yes\n")
	f.shell.DialErr["10.0.0.2"] = errors.New("connection refused")
	return f
}

func (f *fixture) actions() []string {
	var out []string
	for _, e := range f.audit.Entries() {
		out = append(out, e.Action)
	}
	return out
}

func (f *fixture) entryWithAction(action string) *domain.LogEntry {
	for _, e := range f.audit.Entries() {
		if e.Action == action {
			return e
		}
	}
	return nil
}

// =============================================================================
// CheckAllNodes
// =============================================================================

func TestCheckAllNodes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	statuses, err := f.svc.CheckAllNodes(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "pve1", statuses[0].HostID)
	assert.Equal(t, 2, statuses[0].UpdatesAvailable)
	assert.True(t, statuses[0].RebootRequired)
	assert.False(t, statuses[0].LastChecked.IsZero())

	stored, err := f.repo.GetNodeStatus(ctx, "pve1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UpdatesAvailable)

	actions := f.actions()
	assert.Contains(t, actions, "pve1 - checking for updates")
	assert.Contains(t, actions, "pve1 - apt update completed")
	assert.Contains(t, actions, "pve1 - Package: pve-manager -> 8.1.4")
	assert.Contains(t, actions, "pve1 - Package: proxmox-kernel-6.5 -> 6.5.13-1")
	assert.Contains(t, actions, "pve1 - requires reboot")

	found := f.entryWithAction("pve1 - 2 updates found")
	require.NotNil(t, found)
	assert.Equal(t, domain.LogStatusWarning, found.Status)

	failed := f.entryWithAction("Failed to check updates: connection refused")
	require.NotNil(t, failed)
	assert.Equal(t, "pve2", failed.HostID)
	assert.Equal(t, domain.LogStatusError, failed.Status)

	for _, a := range actions {
		assert.NotContains(t, a, "pve3")
	}
}

func TestCheckAllNodes_NoUpdates(t *testing.T) {
	f := newFixture(t, nil)
	f.shell.Respond("10.0.0.1", "apt list --upgradable", 0, "")
	f.shell.Respond("10.0.0.1", "reboot-required", 0, "no\n")

	statuses, err := f.svc.CheckAllNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, 0, statuses[0].UpdatesAvailable)
	assert.False(t, statuses[0].RebootRequired)

	entry := f.entryWithAction("pve1 - no updates found")
	require.NotNil(t, entry)
	assert.Equal(t, domain.LogStatusInfo, entry.Status)
}

func TestCheckAllNodes_RefreshErrorFailsHost(t *testing.T) {
	f := newFixture(t, nil)
	f.shell.Respond("10.0.0.1", "apt update", 0, "Err:1 http://download.proxmox.com\nError: Could not resolve host\n")

	statuses, err := f.svc.CheckAllNodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statuses)
	assert.NotContains(t, f.actions(), "pve1 - apt update completed")
	assert.NotContains(t, f.shell.Commands("10.0.0.1"), cmdListUpgradable)
}

func TestCheckAllNodes_NoCredential(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.creds.Set(context.Background(), nil))

	_, err := f.svc.CheckAllNodes(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConfigured)

	entry := f.entryWithAction("Cannot check for updates - cluster credentials not configured")
	require.NotNil(t, entry)
	assert.Equal(t, domain.LogStatusWarning, entry.Status)
	assert.Empty(t, f.shell.Users())
}

func TestNodeStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CheckAllNodes(ctx)
	require.NoError(t, err)

	status, err := f.svc.NodeStatus(ctx, "pve1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.UpdatesAvailable)

	_, err = f.svc.NodeStatus(ctx, "pve2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.NodeStatus(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// =============================================================================
// Scheduled updates
// =============================================================================

func TestScheduleUpdate_RequiresTime(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ScheduleUpdate(context.Background(), "pve1", time.Time{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestExecuteUpdate_Completes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStateScheduled, entry.State)

	require.NoError(t, f.svc.ExecuteUpdate(ctx, entry.ID))

	got, err := f.svc.UpdateStatus(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStateCompleted, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	cmds := f.shell.Commands("10.0.0.1")
	assert.Contains(t, cmds, cmdRefresh)
	assert.Contains(t, cmds, cmdUpgrade)

	status, err := f.repo.GetNodeStatus(ctx, "pve1")
	require.NoError(t, err)
	assert.True(t, status.RebootRequired)

	actions := f.actions()
	assert.Contains(t, actions, "Starting update process for node pve1")
	assert.Contains(t, actions, "Node pve1 requires reboot after update")
}

func TestExecuteUpdate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		setup   func(f *fixture)
		message string
	}{
		{
			name:    "unknown node",
			host:    "pve9",
			message: "Node pve9 not found",
		},
		{
			name:    "node without address",
			host:    "pve3",
			message: "IP address not found for node pve3",
		},
		{
			name: "remote command error",
			host: "pve1",
			setup: func(f *fixture) {
				f.shell.RunErr["10.0.0.1"] = errors.New("broken pipe")
			},
			message: "SSH operation failed for node pve1",
		},
		{
			name: "upgrade exits non-zero",
			host: "pve1",
			setup: func(f *fixture) {
				f.shell.Respond("10.0.0.1", "apt-get -y upgrade", 100, "")
			},
			message: "SSH operation failed for node pve1: failed to upgrade packages",
		},
		{
			name:    "all hosts stops at first failure",
			host:    "",
			message: "SSH operation failed for node pve2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			ctx := context.Background()

			entry, err := f.svc.ScheduleUpdate(ctx, tt.host, time.Now().Add(time.Hour))
			require.NoError(t, err)

			err = f.svc.ExecuteUpdate(ctx, entry.ID)
			require.Error(t, err)

			got, err := f.svc.UpdateStatus(ctx, entry.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.UpdateStateFailed, got.State)
			assert.Contains(t, got.ErrorMessage, tt.message)
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestExecuteUpdate_AddressLookupOutage(t *testing.T) {
	f := newFixture(t, nil)
	outage := errors.New("database unavailable")
	f.svc = NewService(f.creds, f.cluster, f.shell, failingSnapshots{SnapshotReader: f.snapshots, err: outage},
		f.repo, f.audit, nil, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = f.svc.ExecuteUpdate(ctx, entry.ID)
	assert.ErrorIs(t, err, outage)
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	got, err := f.svc.UpdateStatus(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStateFailed, got.State)
	assert.Contains(t, got.ErrorMessage, "database unavailable")
	assert.NotContains(t, got.ErrorMessage, "IP address not found")
	assert.Empty(t, f.shell.Commands("10.0.0.1"))
}

func TestExecuteUpdate_AllHostsRunsInClusterOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Error(t, f.svc.ExecuteUpdate(ctx, entry.ID))

	// pve1 was upgraded before pve2 failed.
	assert.Contains(t, f.shell.Commands("10.0.0.1"), cmdUpgrade)
	assert.Contains(t, f.actions(), "Starting update process for node pve2")
	assert.NotContains(t, f.actions(), "Starting update process for node pve3")
}

func TestExecuteUpdate_TerminalEntryConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteUpdate(ctx, entry.ID))

	err = f.svc.ExecuteUpdate(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := f.svc.UpdateStatus(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStateCompleted, got.State)
}

func TestExecuteUpdate_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.ExecuteUpdate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelUpdate(t *testing.T) {
	triggers := NewMockTriggers()
	f := newFixture(t, triggers)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, triggers.Has(jobName(entry.ID)))

	require.NoError(t, f.svc.CancelUpdate(ctx, entry.ID))
	assert.False(t, triggers.Has(jobName(entry.ID)))

	_, err = f.svc.UpdateStatus(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.svc.CancelUpdate(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelUpdate_AfterStartConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteUpdate(ctx, entry.ID))

	err = f.svc.CancelUpdate(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSyncScheduled(t *testing.T) {
	triggers := NewMockTriggers()
	f := newFixture(t, triggers)
	ctx := context.Background()

	// Created by another process.
	require.NoError(t, f.repo.Create(ctx, &domain.UpdateScheduleEntry{
		ID:            "external",
		HostID:        "pve1",
		ScheduledTime: time.Now().Add(time.Hour),
		State:         domain.UpdateStateScheduled,
	}))
	_, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now().Add(2*time.Hour))
	require.NoError(t, err)

	added, err := f.svc.SyncScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, triggers.Has("update_external"))

	added, err = f.svc.SyncScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestScheduledUpdate_FiresFromScheduler(t *testing.T) {
	s := scheduler.New(scheduler.Options{}, zap.NewNop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	f := newFixture(t, s)
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.svc.UpdateStatus(ctx, entry.ID)
		return err == nil && got.State == domain.UpdateStateCompleted
	}, 5*time.Second, 50*time.Millisecond)
	assert.False(t, s.Has(jobName(entry.ID)))
}

func TestScheduledUpdate_SurvivesSchedulerShutdown(t *testing.T) {
	s := scheduler.New(scheduler.Options{}, zap.NewNop())
	f := newFixture(t, s)
	shell := newHoldShell(f.shell, cmdUpgrade)
	f.svc = NewService(f.creds, f.cluster, shell, f.snapshots, ctxRepository{f.repo}, f.audit, s, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	entry, err := f.svc.ScheduleUpdate(ctx, "pve1", time.Now())
	require.NoError(t, err)
	s.Start()

	select {
	case <-shell.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade did not start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(stopCtx), context.DeadlineExceeded)

	// The scheduler gave up waiting; the upgrade keeps running.
	got, err := f.svc.UpdateStatus(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateStateInProgress, got.State)

	close(shell.release)
	require.Eventually(t, func() bool {
		got, err := f.svc.UpdateStatus(ctx, entry.ID)
		return err == nil && got.State == domain.UpdateStateCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, shell.cancelled())

	got, err = f.svc.UpdateStatus(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, f *fixture, id string) {
		t.Helper()
		require.NoError(t, f.repo.Create(ctx, &domain.UpdateScheduleEntry{
			ID:            id,
			HostID:        "pve1",
			ScheduledTime: time.Now().Add(-time.Hour),
			State:         domain.UpdateStateScheduled,
		}))
		_, err := f.repo.Transition(ctx, id, domain.UpdateStateInProgress, time.Now(), "")
		require.NoError(t, err)
	}

	t.Run("with locker", func(t *testing.T) {
		f := newFixture(t, nil)
		locker := &MockLocker{held: map[string]bool{jobName("elsewhere"): true}}
		f.svc = NewService(f.creds, f.cluster, f.shell, f.snapshots, f.repo, f.audit, nil, nil,
			Options{Locker: locker}, zap.NewNop())

		start(t, f, "abandoned")
		start(t, f, "elsewhere")
		start(t, f, "local")
		f.svc.running["local"] = struct{}{}

		n, err := f.svc.RecoverInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := f.svc.UpdateStatus(ctx, "abandoned")
		require.NoError(t, err)
		assert.Equal(t, domain.UpdateStateFailed, got.State)
		assert.Equal(t, interruptedMessage, got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)

		for _, id := range []string{"elsewhere", "local"} {
			got, err := f.svc.UpdateStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.UpdateStateInProgress, got.State, id)
		}

		entry := f.entryWithAction("Scheduled update failed: " + interruptedMessage)
		require.NotNil(t, entry)
		assert.Equal(t, domain.LogStatusError, entry.Status)
		assert.Empty(t, locker.held[jobName("abandoned")])
	})

	t.Run("without locker", func(t *testing.T) {
		f := newFixture(t, nil)
		start(t, f, "abandoned")

		n, err := f.svc.RecoverInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.svc.RecoverInterrupted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
