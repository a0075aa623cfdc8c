package api

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"cleannet/pkg/blocklist"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// cpuSampleWindow is how long CPU usage is measured.
const cpuSampleWindow = 200 * time.Millisecond

// hostSample is a best-effort reading of this process and its host. A reading
// that fails leaves its field zero.
type hostSample struct {
	CPUPercent   float64
	RSS          uint64
	MemTotal     uint64
	TemperatureC float64
	HasTemp      bool
}

// MemPercent is the process RSS as a share of host memory.
func (h hostSample) MemPercent() float64 {
	if h.MemTotal == 0 {
		return 0
	}
	return float64(h.RSS) / float64(h.MemTotal) * 100
}

func sampleHost(ctx context.Context) hostSample {
	var sample hostSample

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		sample.CPUPercent = processCPU(ctx, proc)
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			sample.RSS = info.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemTotal = vm.Total
	}

	// Sensors are usually missing in containers and VMs.
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		sample.TemperatureC, sample.HasTemp = pickTemperature(temps)
	}

	return sample
}

// processCPU returns this process's CPU use normalized to 0..100 across all
// cores, or the host-wide figure when the process reading fails.
func processCPU(ctx context.Context, proc *process.Process) float64 {
	if pct, err := proc.PercentWithContext(ctx, cpuSampleWindow); err == nil {
		return pct / float64(max(runtime.NumCPU(), 1))
	}
	if pcts, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(pcts) > 0 {
		return pcts[0]
	}
	return 0
}

// pickTemperature prefers a CPU or package sensor and otherwise averages the
// sensors that report a reading.
func pickTemperature(temps []host.TemperatureStat) (float64, bool) {
	var sum float64
	var n int
	for _, t := range temps {
		if t.Temperature == 0 {
			continue
		}
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "package") || strings.Contains(key, "cpu") {
			return t.Temperature, true
		}
		sum += t.Temperature
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// engineSample reports the sizes of the in-memory state the resolver serves
// from.
func (s *Server) engineSample() EngineStats {
	var stats EngineStats
	if s.blocklistManager != nil {
		store := s.blocklistManager.Store()
		stats.AdDomains = store.Get(blocklist.ListAds).Len()
		stats.PhishingDomains = store.Get(blocklist.ListPhishing).Len()
	}
	if s.overrides != nil {
		stats.Overrides = s.overrides.Len()
	}
	if s.ledger != nil {
		for _, snap := range s.ledger.Snapshot() {
			stats.Clients++
			stats.Queries += snap.Queries
			stats.RetainedEntries += len(snap.Entries)
		}
	}
	return stats
}
