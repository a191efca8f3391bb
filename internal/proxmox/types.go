package proxmox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Host is one entry of the cluster host listing.
type Host struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU int     `json:"maxcpu"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
}

// Online reports whether the host is reachable by the cluster.
func (h Host) Online() bool {
	return h.Status == "online"
}

// HostStatus is the detailed status of one host.
type HostStatus struct {
	CPU     float64 `json:"cpu"`
	CPUInfo struct {
		CPUs int `json:"cpus"`
	} `json:"cpuinfo"`
	Memory struct {
		Used  int64 `json:"used"`
		Total int64 `json:"total"`
	} `json:"memory"`
	RootFS struct {
		Used  int64 `json:"used"`
		Total int64 `json:"total"`
	} `json:"rootfs"`
	Uptime int64 `json:"uptime"`
}

// NetworkInterface is one host network interface.
type NetworkInterface struct {
	Iface   string `json:"iface"`
	Type    string `json:"type"`
	Address string `json:"address"`
	CIDR    string `json:"cidr"`
}

// IP returns the interface address without a CIDR suffix.
func (n NetworkInterface) IP() string {
	addr := n.Address
	if addr == "" {
		addr = n.CIDR
	}
	ip, _, _ := strings.Cut(addr, "/")
	return ip
}

// VMID is a guest id. Some listings encode it as a string.
type VMID int

// UnmarshalJSON accepts both 101 and "101".
func (v *VMID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid vmid %q: %w", string(b), err)
	}
	*v = VMID(n)
	return nil
}

// Guest is one entry of a host's VM or container listing.
type Guest struct {
	VMID   VMID    `json:"vmid"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	CPUs   float64 `json:"cpus"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
}

// Running reports whether the guest is running.
func (g Guest) Running() bool {
	return g.Status == "running"
}

// GuestStatus is the current status of one guest.
type GuestStatus struct {
	Name   string   `json:"name"`
	Status string   `json:"status"`
	CPU    *float64 `json:"cpu"`
	CPUs   float64  `json:"cpus"`
	Mem    int64    `json:"mem"`
	MaxMem int64    `json:"maxmem"`
	// Disk is a number for containers and for VMs without a guest agent,
	// or a per-device object carrying "used" fields.
	Disk json.RawMessage `json:"disk"`
}

// DiskUsed returns the used disk bytes reported in the status payload.
func (s *GuestStatus) DiskUsed() (int64, error) {
	raw := bytes.TrimSpace(s.Disk)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '{' {
		var devices map[string]struct {
			Used int64 `json:"used"`
		}
		if err := json.Unmarshal(raw, &devices); err != nil {
			return 0, fmt.Errorf("failed to decode disk usage: %w", err)
		}
		var total int64
		for _, d := range devices {
			total += d.Used
		}
		return total, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("failed to decode disk usage: %w", err)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("failed to decode disk usage: %w", err)
	}
	return int64(f), nil
}

// GuestConfig is the raw key/value configuration of a guest.
type GuestConfig map[string]interface{}

// String returns the value of key rendered as a string, "" when absent.
func (c GuestConfig) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
