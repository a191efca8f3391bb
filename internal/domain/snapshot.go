package domain

import "time"

// GuestKind discriminates VMs from containers.
type GuestKind string

const (
	GuestKindVM        GuestKind = "qemu"
	GuestKindContainer GuestKind = "lxc"
)

// Label returns the human label used in audit messages.
func (k GuestKind) Label() string {
	if k == GuestKindContainer {
		return "container"
	}
	return "VM"
}

// GuestStatusRunning is the lifecycle status of a running guest.
const GuestStatusRunning = "running"

// CollectionCycle groups everything written by one Metrics Collector run.
// The cycle is persisted as one unit.
type CollectionCycle struct {
	ID         string           `json:"id"`
	CapturedAt time.Time        `json:"captured_at"`
	Hosts      []*HostSnapshot  `json:"hosts"`
	Guests     []*GuestSnapshot `json:"guests"`
	Cluster    *ClusterSnapshot `json:"cluster"`
}

// HostSnapshot is the observed state of one host at one collection cycle.
type HostSnapshot struct {
	CycleID         string    `json:"cycle_id"`
	HostID          string    `json:"host_id"`
	Address         string    `json:"address"`
	CPUCores        int       `json:"cpu_cores"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	MemoryUsed      int64     `json:"memory_used"`
	MemoryTotal     int64     `json:"memory_total"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskUsed        int64     `json:"disk_used"`
	DiskTotal       int64     `json:"disk_total"`
	DiskPercent     float64   `json:"disk_percent"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	UptimeFormatted string    `json:"uptime_formatted"`
	CapturedAt      time.Time `json:"captured_at"`
}

// GuestSnapshot is the observed state of one VM or container.
type GuestSnapshot struct {
	CycleID         string    `json:"cycle_id"`
	HostID          string    `json:"host_id"`
	GuestID         int       `json:"guest_id"`
	Kind            GuestKind `json:"kind"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	MemoryUsed      int64     `json:"memory_used"`
	MemoryTotal     int64     `json:"memory_total"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskUsed        int64     `json:"disk_used"`
	DiskTotal       int64     `json:"disk_total"`
	DiskPercent     float64   `json:"disk_percent"`
	CapturedAt      time.Time `json:"captured_at"`
}

// Running reports whether the guest was running when observed.
func (g *GuestSnapshot) Running() bool {
	return g.Status == GuestStatusRunning
}

// ClusterSnapshot aggregates the host snapshots of one cycle.
type ClusterSnapshot struct {
	CycleID         string    `json:"cycle_id"`
	HostCount       int       `json:"host_count"`
	TotalCores      int       `json:"total_cores"`
	CPUUsedCores    float64   `json:"cpu_used_cores"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	MemoryUsed      int64     `json:"memory_used"`
	MemoryTotal     int64     `json:"memory_total"`
	DiskUsed        int64     `json:"disk_used"`
	DiskTotal       int64     `json:"disk_total"`
	CapturedAt      time.Time `json:"captured_at"`
}

// RunningGuests lists the guest ids a host was last observed running.
type RunningGuests struct {
	HostID       string `json:"host_id"`
	VMIDs        []int  `json:"vm_ids"`
	ContainerIDs []int  `json:"container_ids"`
}

// Empty reports whether nothing is running.
func (r *RunningGuests) Empty() bool {
	return len(r.VMIDs) == 0 && len(r.ContainerIDs) == 0
}

// Percent returns used/total as a percentage, 0 when total is 0.
func Percent(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
