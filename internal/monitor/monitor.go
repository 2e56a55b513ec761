// Package monitor produces cached system snapshots for the stats endpoint.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// cacheTTL keeps repeated stats requests from hammering the host.
const cacheTTL = 2 * time.Second

type Snapshot struct {
	CPUUsage      float64   `json:"cpu_usage"`
	CPUCores      int       `json:"cpu_cores"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryPercent float64   `json:"memory_percent"`
	ProcessCount  int       `json:"process_count"`
	Platform      string    `json:"platform"`
	TimestampMs   int64     `json:"timestamp_ms"`
}

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	takenAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// Snapshot returns the current system view, at most cacheTTL stale.
// Collection failures degrade to partial snapshots rather than errors; the
// stats surface is informational.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{Platform: runtime.GOOS, TimestampMs: time.Now().UnixMilli()}
	}

	now := time.Now()
	s.mu.Lock()
	if s.hasSnap && now.Sub(s.takenAt) < cacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.takenAt = now
	s.mu.Unlock()
	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Platform:    runtime.GOOS,
		TimestampMs: time.Now().UnixMilli(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUUsage = percents[0]
	} else if err != nil {
		s.log.Warn("stats: cpu percent failed", "err", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("stats: cpu cores failed", "err", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("stats: load average failed", "err", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("stats: virtual memory failed", "err", err)
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		snap.ProcessCount = len(pids)
	} else {
		s.log.Warn("stats: pids failed", "err", err)
	}

	return snap
}
