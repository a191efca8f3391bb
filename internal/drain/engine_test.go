package drain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/proxmox"
	"github.com/limiquantix/clustermaint/internal/proxmox/proxmoxtest"
	"github.com/limiquantix/clustermaint/internal/repository/memory"
)

type fixture struct {
	cluster   *proxmoxtest.Cluster
	creds     *memory.CredentialRepository
	audit     *memory.AuditRepository
	snapshots *memory.SnapshotRepository
	drains    *memory.DrainRepository
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cluster: proxmoxtest.New(),
		creds: memory.NewCredentialRepository(&domain.Credential{
			Hostname: "pve.example", Username: "root@pam", Password: "secret",
		}),
		audit: memory.NewAuditRepository(),
	}
	f.snapshots = memory.NewSnapshotRepository(f.audit)
	f.drains = memory.NewDrainRepository(f.audit)
	f.engine = NewEngine(f.creds, f.cluster, f.snapshots, f.drains, nil, Options{
		PollInterval:         5 * time.Millisecond,
		MigrationTimeout:     100 * time.Millisecond,
		LocalStoragePrefixes: []string{"local"},
	}, zap.NewNop())

	// pveA scores 0.8, pveB scores 0.3.
	f.cluster.AddHost("pve1", 0.4, 8, 40<<30, 64<<30)
	f.cluster.AddHost("pveA", 0.5, 8, 30<<30, 100<<30)
	f.cluster.AddHost("pveB", 0.1, 8, 20<<30, 100<<30)
	return f
}

func (f *fixture) addVM(id int, disk string) {
	f.cluster.AddGuest(&proxmoxtest.Guest{
		Host: "pve1", Kind: domain.GuestKindVM, ID: id, Name: "vm", Status: "running",
		CPU: proxmoxtest.Float(0.25), CPUs: 2, MaxMem: 2 << 30,
		Config: proxmox.GuestConfig{"name": "vm-name", "scsi0": disk},
	})
}

func (f *fixture) addContainer(id int) {
	f.cluster.AddGuest(&proxmoxtest.Guest{
		Host: "pve1", Kind: domain.GuestKindContainer, ID: id, Name: "ct", Status: "running",
		CPU: proxmoxtest.Float(0.1), CPUs: 1, MaxMem: 512 << 20,
		Config: proxmox.GuestConfig{"hostname": "ct-name", "rootfs": "local-lvm:subvol-disk-0,size=8G"},
	})
}

func (f *fixture) withoutCredentials(t *testing.T) {
	t.Helper()
	require.NoError(t, f.creds.Set(context.Background(), nil))
}

// observe stores a collection cycle for pve1 with the given guests.
func (f *fixture) observe(t *testing.T, guests ...*domain.GuestSnapshot) {
	t.Helper()
	cycle := &domain.CollectionCycle{
		ID:         "cycle-1",
		CapturedAt: time.Now().UTC(),
		Hosts:      []*domain.HostSnapshot{{HostID: "pve1"}},
		Guests:     guests,
		Cluster:    &domain.ClusterSnapshot{HostCount: 1},
	}
	require.NoError(t, f.snapshots.SaveCycle(context.Background(), cycle, nil))
}

func TestDrainNode_MigratesToLeastLoadedHost(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=32G")
	f.addContainer(200)
	f.cluster.AddGuest(&proxmoxtest.Guest{Host: "pve1", Kind: domain.GuestKindVM, ID: 300, Status: "stopped"})

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)

	assert.False(t, result.Degraded)
	assert.Equal(t, map[int]string{100: "pveB", 200: "pveB"}, result.Migrated)
	assert.Empty(t, result.FailedVMIDs)
	assert.Empty(t, result.FailedContainerIDs)
	assert.Equal(t, []string{"qemu/100->pveB", "lxc/200->pveB"}, f.cluster.MigrateCalls())

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Migrated VM 100 to pveB", entries[0].Action)
	assert.Equal(t, "Migrated container 200 to pveB", entries[1].Action)

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.DrainOutcomeMigrated, r.Outcome)
		assert.Equal(t, "pveB", r.TargetHost)
	}
}

func TestDrainNode_LocalStorageVMNotMigrated(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=32G")
	f.addVM(101, "local-lvm:vm-101-disk-0,size=10G")

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)

	assert.Equal(t, []int{101}, result.FailedVMIDs)
	assert.Equal(t, map[int]string{100: "pveB"}, result.Migrated)
	assert.Equal(t, []string{"qemu/100->pveB"}, f.cluster.MigrateCalls())

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	warning := entries[1]
	assert.Equal(t, domain.LogStatusWarning, warning.Status)
	assert.Equal(t, "Some VMs/containers could not be migrated", warning.Action)
	assert.Equal(t, []int{101}, warning.Details["failed_vms"])

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		if r.GuestID == 101 {
			assert.Equal(t, domain.DrainOutcomeMigrationFailed, r.Outcome)
			assert.Contains(t, r.Error, "local storage")
		}
	}
}

func TestDrainNode_ContainersSkipStorageCheck(t *testing.T) {
	f := newFixture(t)
	f.addContainer(200)

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{200: "pveB"}, result.Migrated)
}

func TestDrainNode_NoEligibleTarget(t *testing.T) {
	f := newFixture(t)
	f.cluster.AddGuest(&proxmoxtest.Guest{
		Host: "pve1", Kind: domain.GuestKindVM, ID: 100, Status: "running",
		CPU: proxmoxtest.Float(0.5), CPUs: 2, MaxMem: 512 << 30,
		Config: proxmox.GuestConfig{"scsi0": "ceph:vm-100-disk-0,size=32G"},
	})

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, []int{100}, result.FailedVMIDs)
	assert.Empty(t, f.cluster.MigrateCalls())
}

func TestDrainNode_MigrationTimesOut(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=32G")
	f.cluster.StuckMigrations[100] = true

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)

	assert.Equal(t, []int{100}, result.FailedVMIDs)
	assert.Equal(t, []int{100}, result.TimedOutIDs)
	assert.Empty(t, result.Migrated)

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.DrainOutcomeMigrationTimedOut, records[0].Outcome)
}

func TestDrainNode_GuestMissingOnTarget(t *testing.T) {
	f := newFixture(t)
	f.addContainer(200)
	f.cluster.LostMigrations[200] = true

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, []int{200}, result.FailedContainerIDs)
	assert.Empty(t, result.TimedOutIDs)
}

func TestDrainNode_MigrateCallFails(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=32G")
	f.cluster.MigrateErr[100] = errors.New("target busy")

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, []int{100}, result.FailedVMIDs)
}

func TestDrainNode_NoTargetHosts(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=32G")
	f.cluster.SetOffline("pveA")
	f.cluster.SetOffline("pveB")

	_, err := f.engine.DrainNode(context.Background(), "pve1")
	assert.True(t, errors.Is(err, domain.ErrNoTargetHosts))
	assert.Empty(t, f.cluster.MigrateCalls())
}

func TestDrainNode_Degraded(t *testing.T) {
	f := newFixture(t)
	f.withoutCredentials(t)
	f.observe(t,
		&domain.GuestSnapshot{HostID: "pve1", GuestID: 100, Kind: domain.GuestKindVM, Status: "running"},
		&domain.GuestSnapshot{HostID: "pve1", GuestID: 101, Kind: domain.GuestKindVM, Status: "stopped"},
		&domain.GuestSnapshot{HostID: "pve1", GuestID: 200, Kind: domain.GuestKindContainer, Status: "running"},
	)

	result, err := f.engine.DrainNode(context.Background(), "pve1")
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []int{100}, result.FailedVMIDs)
	assert.Equal(t, []int{200}, result.FailedContainerIDs)
	assert.Equal(t, 0, f.cluster.Calls())

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogStatusWarning, entries[0].Status)
	assert.Equal(t, "Cannot drain node - cluster credentials not configured", entries[0].Action)
}

func TestShutdownGuests_Degraded(t *testing.T) {
	f := newFixture(t)
	f.withoutCredentials(t)

	require.NoError(t, f.engine.ShutdownGuests(context.Background(), "pve1", []int{100}, []int{200}))
	assert.Equal(t, 0, f.cluster.Calls())

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.DrainOutcomeShutdownPending, r.Outcome)
	}

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Cannot shutdown VMs/containers - cluster credentials not configured", entries[0].Action)
	assert.Equal(t, domain.LogStatusWarning, entries[0].Status)
}

func TestShutdownGuests_Live(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "local-lvm:vm-100-disk-0,size=10G")
	f.addContainer(200)
	f.cluster.GuestConfigErr[101] = errors.New("gone")
	f.cluster.AddGuest(&proxmoxtest.Guest{Host: "pve1", Kind: domain.GuestKindVM, ID: 101, Status: "running"})

	require.NoError(t, f.engine.ShutdownGuests(context.Background(), "pve1", []int{100, 101}, []int{200}))
	assert.Equal(t, []string{"qemu/100", "qemu/101", "lxc/200"}, f.cluster.ShutdownCalls())

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Initiated shutdown of VMs [100, 101] and containers [200]", entries[0].Action)
	assert.Equal(t, map[int]string{100: "vm-name", 101: "101"}, entries[0].Details["vms"])
	assert.Equal(t, map[int]string{200: "ct-name"}, entries[0].Details["containers"])

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestShutdownGuests_NoGuests(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.ShutdownGuests(context.Background(), "pve1", nil, nil))
	assert.Empty(t, f.cluster.ShutdownCalls())

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Initiated shutdown of VMs [] and containers []", entries[0].Action)
}

func TestShutdownGuests_FailureAborts(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "local-lvm:vm-100-disk-0,size=10G")
	f.addContainer(200)
	f.cluster.ShutdownErr[200] = errors.New("permission denied")

	err := f.engine.ShutdownGuests(context.Background(), "pve1", []int{100}, []int{200})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOperationFailed))

	records, err := f.drains.ListByHost(context.Background(), "pve1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 200, records[0].GuestID)
	assert.Equal(t, domain.DrainOutcomeShutdownFailed, records[0].Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogStatusError, entries[0].Status)
}

func TestMigrationStatus(t *testing.T) {
	t.Run("empty host is drained", func(t *testing.T) {
		f := newFixture(t)
		f.observe(t, &domain.GuestSnapshot{HostID: "pve1", GuestID: 100, Kind: domain.GuestKindVM, Status: "stopped"})

		st, err := f.engine.MigrationStatus(context.Background(), "pve1")
		require.NoError(t, err)
		assert.True(t, st.FullyDrained)
		assert.False(t, st.RequiresShutdown)
	})

	t.Run("empty host is drained without credentials", func(t *testing.T) {
		f := newFixture(t)
		f.withoutCredentials(t)
		f.observe(t)

		st, err := f.engine.MigrationStatus(context.Background(), "pve1")
		require.NoError(t, err)
		assert.True(t, st.FullyDrained)
		assert.False(t, st.RequiresShutdown)
	})

	t.Run("local storage requires shutdown", func(t *testing.T) {
		f := newFixture(t)
		f.addVM(100, "local-lvm:vm-100-disk-0,size=10G")
		f.observe(t, &domain.GuestSnapshot{HostID: "pve1", GuestID: 100, Kind: domain.GuestKindVM, Status: "running"})

		st, err := f.engine.MigrationStatus(context.Background(), "pve1")
		require.NoError(t, err)
		assert.False(t, st.FullyDrained)
		assert.True(t, st.RequiresShutdown)
		assert.Equal(t, 1, st.RemainingVMs)
	})

	t.Run("migratable guests do not require shutdown", func(t *testing.T) {
		f := newFixture(t)
		f.addVM(100, "ceph:vm-100-disk-0,size=10G")
		f.addContainer(200)
		f.observe(t,
			&domain.GuestSnapshot{HostID: "pve1", GuestID: 100, Kind: domain.GuestKindVM, Status: "running"},
			&domain.GuestSnapshot{HostID: "pve1", GuestID: 200, Kind: domain.GuestKindContainer, Status: "running"},
		)

		st, err := f.engine.MigrationStatus(context.Background(), "pve1")
		require.NoError(t, err)
		assert.False(t, st.RequiresShutdown)
		assert.Equal(t, 1, st.RemainingContainers)
	})

	t.Run("degraded", func(t *testing.T) {
		f := newFixture(t)
		f.withoutCredentials(t)
		f.observe(t, &domain.GuestSnapshot{HostID: "pve1", GuestID: 200, Kind: domain.GuestKindContainer, Status: "running"})

		st, err := f.engine.MigrationStatus(context.Background(), "pve1")
		require.NoError(t, err)
		assert.True(t, st.Degraded)
		assert.True(t, st.RequiresShutdown)
	})
}

func TestCanMigrateVM(t *testing.T) {
	f := newFixture(t)
	f.addVM(100, "ceph:vm-100-disk-0,size=10G")
	f.addVM(101, "local:101/vm-101-disk-0.qcow2,size=10G")

	ok, err := f.engine.CanMigrateVM(context.Background(), "pve1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.CanMigrateVM(context.Background(), "pve1", 101)
	require.NoError(t, err)
	assert.False(t, ok)

	for id, key := range map[int]string{102: "efidisk0", 103: "tpmstate0"} {
		f.cluster.AddGuest(&proxmoxtest.Guest{
			Host: "pve1", Kind: domain.GuestKindVM, ID: id, Name: "vm", Status: "running",
			Config: proxmox.GuestConfig{
				"scsi0": "ceph:vm-disk-0,size=10G",
				key:     "local-lvm:vm-disk-1,size=4M",
			},
		})
		ok, err = f.engine.CanMigrateVM(context.Background(), "pve1", id)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	f.withoutCredentials(t)
	_, err = f.engine.CanMigrateVM(context.Background(), "pve1", 100)
	assert.True(t, errors.Is(err, domain.ErrNotConfigured))
}
