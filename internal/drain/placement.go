package drain

import (
	"context"

	"go.uber.org/zap"

	"github.com/limiquantix/clustermaint/internal/proxmox"
)

// Default demands used when a guest listing omits its usage.
const (
	defaultVMMemory        = 1 << 30
	defaultContainerMemory = 512 << 20
	defaultCores           = 1.0
)

// Candidate is a destination host with its live load.
type Candidate struct {
	Host        string
	CPUFraction float64
	Cores       int
	MemUsed     int64
	MemTotal    int64
}

// Score is the combined CPU and memory utilization. Lower is better.
func (c Candidate) Score() float64 {
	score := c.CPUFraction
	if c.MemTotal > 0 {
		score += float64(c.MemUsed) / float64(c.MemTotal)
	}
	return score
}

// SpareCores is the unused CPU capacity in cores.
func (c Candidate) SpareCores() float64 {
	return float64(c.Cores) - c.CPUFraction*float64(c.Cores)
}

// SpareMemory is the unused memory in bytes.
func (c Candidate) SpareMemory() int64 {
	return c.MemTotal - c.MemUsed
}

// Demand is what a guest needs from its destination.
type Demand struct {
	Cores  float64
	Memory int64
}

// Fits reports whether c has headroom for d.
func (c Candidate) Fits(d Demand) bool {
	return c.SpareCores() >= d.Cores && c.SpareMemory() >= d.Memory
}

// FindBestTargetNode returns the eligible candidate with the lowest score.
// Ties go to the candidate listed first.
func FindBestTargetNode(candidates []Candidate, d Demand) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !c.Fits(d) {
			continue
		}
		if !found || c.Score() < best.Score() {
			best = c
			found = true
		}
	}
	return best, found
}

// demandOf derives the placement demand of a listed guest: current CPU use
// in cores and configured maximum memory.
func demandOf(g proxmox.Guest, defaultMemory int64) Demand {
	d := Demand{Cores: g.CPU * g.CPUs, Memory: g.MaxMem}
	if g.CPU == 0 && g.CPUs == 0 {
		d.Cores = defaultCores
	}
	if d.Memory == 0 {
		d.Memory = defaultMemory
	}
	return d
}

// liveCandidates reads the current status of every candidate host. Hosts
// whose status cannot be read are left out.
func (e *Engine) liveCandidates(ctx context.Context, api proxmox.API, hosts []string) []Candidate {
	out := make([]Candidate, 0, len(hosts))
	for _, h := range hosts {
		st, err := api.HostStatus(ctx, h)
		if err != nil {
			e.logger.Warn("Failed to get candidate host status", zap.String("host", h), zap.Error(err))
			continue
		}
		out = append(out, Candidate{
			Host:        h,
			CPUFraction: st.CPU,
			Cores:       st.CPUInfo.CPUs,
			MemUsed:     st.Memory.Used,
			MemTotal:    st.Memory.Total,
		})
	}
	return out
}
