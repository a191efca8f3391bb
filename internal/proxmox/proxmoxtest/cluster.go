// Package proxmoxtest provides an in-memory cluster implementing proxmox.API.
package proxmoxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/limiquantix/clustermaint/internal/domain"
	"github.com/limiquantix/clustermaint/internal/proxmox"
)

// Guest is a fake VM or container.
type Guest struct {
	Host   string
	Kind   domain.GuestKind
	ID     int
	Name   string
	Status string
	// CPU nil means the guest reports no CPU reading.
	CPU      *float64
	CPUs     float64
	Mem      int64
	MaxMem   int64
	DiskUsed int64
	Config   proxmox.GuestConfig
}

// Cluster is a scriptable fake cluster. Zero values are usable after New.
type Cluster struct {
	mu sync.Mutex

	Hosts    []proxmox.Host
	Statuses map[string]*proxmox.HostStatus
	Networks map[string][]proxmox.NetworkInterface
	Guests   []*Guest

	DialErr         error
	ListHostsErr    error
	HostStatusErr   map[string]error
	ListGuestsErr   map[string]error
	GuestStatusErr  map[int]error
	GuestConfigErr  map[int]error
	MigrateErr      map[int]error
	ShutdownErr     map[int]error
	StuckMigrations map[int]bool
	LostMigrations  map[int]bool
	migrateCalls    []string
	shutdownCalls   []string
	dials           int
	calls           int
}

// New returns an empty cluster.
func New() *Cluster {
	return &Cluster{
		Statuses:        make(map[string]*proxmox.HostStatus),
		Networks:        make(map[string][]proxmox.NetworkInterface),
		HostStatusErr:   make(map[string]error),
		ListGuestsErr:   make(map[string]error),
		GuestStatusErr:  make(map[int]error),
		GuestConfigErr:  make(map[int]error),
		MigrateErr:      make(map[int]error),
		ShutdownErr:     make(map[int]error),
		StuckMigrations: make(map[int]bool),
		LostMigrations:  make(map[int]bool),
	}
}

// AddHost registers an online host with its listing load and detailed status.
func (c *Cluster) AddHost(name string, cpuFraction float64, cores int, memUsed, memTotal int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Hosts = append(c.Hosts, proxmox.Host{
		Node: name, Status: "online", CPU: cpuFraction, MaxCPU: cores, Mem: memUsed, MaxMem: memTotal,
	})
	st := &proxmox.HostStatus{CPU: cpuFraction, Uptime: 3600}
	st.CPUInfo.CPUs = cores
	st.Memory.Used = memUsed
	st.Memory.Total = memTotal
	st.RootFS.Used = 10 << 30
	st.RootFS.Total = 100 << 30
	c.Statuses[name] = st
	c.Networks[name] = []proxmox.NetworkInterface{
		{Iface: "vmbr0", Type: "bridge", Address: "10.0.0." + fmt.Sprint(len(c.Hosts)), CIDR: "10.0.0." + fmt.Sprint(len(c.Hosts)) + "/24"},
	}
}

// SetOffline marks a host offline in the listing.
func (c *Cluster) SetOffline(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Hosts {
		if c.Hosts[i].Node == name {
			c.Hosts[i].Status = "offline"
		}
	}
}

// AddGuest registers a guest.
func (c *Cluster) AddGuest(g *Guest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.Config == nil {
		g.Config = proxmox.GuestConfig{}
	}
	c.Guests = append(c.Guests, g)
}

// Float returns a pointer for Guest.CPU.
func Float(f float64) *float64 { return &f }

// MigrateCalls returns the recorded migrations as "kind/id->target".
func (c *Cluster) MigrateCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.migrateCalls...)
}

// ShutdownCalls returns the recorded shutdowns as "kind/id".
func (c *Cluster) ShutdownCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.shutdownCalls...)
}

// Calls returns the number of API calls made, including dials.
func (c *Cluster) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls + c.dials
}

// Dial implements proxmox.Dialer.
func (c *Cluster) Dial(ctx context.Context, cred *domain.Credential) (proxmox.API, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.DialErr != nil {
		return nil, c.DialErr
	}
	if !cred.Usable() {
		return nil, domain.ErrNotConfigured
	}
	return c, nil
}

func notFound(kind domain.GuestKind, id int) error {
	return &proxmox.APIError{
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf("Configuration file '%s/%d.conf' does not exist", kind, id),
	}
}

func (c *Cluster) find(host string, kind domain.GuestKind, id int) *Guest {
	for _, g := range c.Guests {
		if g.Host == host && g.Kind == kind && g.ID == id {
			return g
		}
	}
	return nil
}

// ListHosts implements proxmox.API.
func (c *Cluster) ListHosts(ctx context.Context) ([]proxmox.Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.ListHostsErr != nil {
		return nil, c.ListHostsErr
	}
	return append([]proxmox.Host(nil), c.Hosts...), nil
}

// HostStatus implements proxmox.API.
func (c *Cluster) HostStatus(ctx context.Context, host string) (*proxmox.HostStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.HostStatusErr[host]; err != nil {
		return nil, err
	}
	st, ok := c.Statuses[host]
	if !ok {
		return nil, &proxmox.APIError{StatusCode: http.StatusNotFound, Message: "no such host"}
	}
	cp := *st
	return &cp, nil
}

// HostNetworkInterfaces implements proxmox.API.
func (c *Cluster) HostNetworkInterfaces(ctx context.Context, host string) ([]proxmox.NetworkInterface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return append([]proxmox.NetworkInterface(nil), c.Networks[host]...), nil
}

// ListGuests implements proxmox.API.
func (c *Cluster) ListGuests(ctx context.Context, host string, kind domain.GuestKind) ([]proxmox.Guest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.ListGuestsErr[host]; err != nil {
		return nil, err
	}
	var out []proxmox.Guest
	for _, g := range c.Guests {
		if g.Host != host || g.Kind != kind {
			continue
		}
		cpu := 0.0
		if g.CPU != nil {
			cpu = *g.CPU
		}
		out = append(out, proxmox.Guest{
			VMID: proxmox.VMID(g.ID), Name: g.Name, Status: g.Status,
			CPU: cpu, CPUs: g.CPUs, Mem: g.Mem, MaxMem: g.MaxMem,
		})
	}
	return out, nil
}

// GuestStatus implements proxmox.API.
func (c *Cluster) GuestStatus(ctx context.Context, host string, kind domain.GuestKind, id int) (*proxmox.GuestStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.GuestStatusErr[id]; err != nil {
		return nil, err
	}
	g := c.find(host, kind, id)
	if g == nil {
		return nil, notFound(kind, id)
	}
	disk, _ := json.Marshal(g.DiskUsed)
	return &proxmox.GuestStatus{
		Name: g.Name, Status: g.Status, CPU: g.CPU, CPUs: g.CPUs,
		Mem: g.Mem, MaxMem: g.MaxMem, Disk: disk,
	}, nil
}

// GuestConfig implements proxmox.API.
func (c *Cluster) GuestConfig(ctx context.Context, host string, kind domain.GuestKind, id int) (proxmox.GuestConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.GuestConfigErr[id]; err != nil {
		return nil, err
	}
	g := c.find(host, kind, id)
	if g == nil {
		return nil, notFound(kind, id)
	}
	out := proxmox.GuestConfig{}
	for k, v := range g.Config {
		out[k] = v
	}
	return out, nil
}

// MigrateGuest implements proxmox.API. By default the guest moves at once;
// StuckMigrations keep it running on the source and LostMigrations make it
// vanish from both hosts.
func (c *Cluster) MigrateGuest(ctx context.Context, host string, kind domain.GuestKind, id int, target string, online bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.migrateCalls = append(c.migrateCalls, fmt.Sprintf("%s/%d->%s", kind, id, target))
	if err := c.MigrateErr[id]; err != nil {
		return "", err
	}
	g := c.find(host, kind, id)
	if g == nil {
		return "", notFound(kind, id)
	}
	switch {
	case c.StuckMigrations[id]:
	case c.LostMigrations[id]:
		g.Host = ""
	default:
		g.Host = target
	}
	return fmt.Sprintf("UPID:%s:migrate:%d", host, id), nil
}

// ShutdownGuest implements proxmox.API.
func (c *Cluster) ShutdownGuest(ctx context.Context, host string, kind domain.GuestKind, id int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.shutdownCalls = append(c.shutdownCalls, fmt.Sprintf("%s/%d", kind, id))
	if err := c.ShutdownErr[id]; err != nil {
		return "", err
	}
	g := c.find(host, kind, id)
	if g == nil {
		return "", notFound(kind, id)
	}
	g.Status = "stopped"
	return fmt.Sprintf("UPID:%s:shutdown:%d", host, id), nil
}

var _ proxmox.API = (*Cluster)(nil)
var _ proxmox.Dialer = (*Cluster)(nil)
