// Package sysinfo collects point-in-time host state with gopsutil.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Options selects what a snapshot includes.
type Options struct {
	// DiskPath is the mount point reported under Disk. Defaults to "/".
	DiskPath string

	// TopProcesses is how many processes, ordered by memory, to include.
	// Zero skips the process scan.
	TopProcesses int

	// CPUSample is the CPU measurement interval. Zero compares against the
	// previous call.
	CPUSample time.Duration
}

// Snapshot is the host state at CapturedAt.
type Snapshot struct {
	Hostname        string        `json:"hostname"`
	OS              string        `json:"os"`
	Platform        string        `json:"platform"`
	PlatformVersion string        `json:"platform_version"`
	KernelVersion   string        `json:"kernel_version"`
	Uptime          uint64        `json:"uptime_seconds"`
	CPUCount        int           `json:"cpu_count"`
	CPUPercent      float64       `json:"cpu_percent"`
	Load            *LoadAverage  `json:"load,omitempty"`
	Memory          MemoryUsage   `json:"memory"`
	Disk            *DiskUsage    `json:"disk,omitempty"`
	Processes       []ProcessInfo `json:"processes,omitempty"`
	ProcessCount    int           `json:"process_count,omitempty"`
	CapturedAt      time.Time     `json:"captured_at"`
}

// LoadAverage is the 1, 5 and 15 minute load.
type LoadAverage struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// MemoryUsage describes virtual memory.
type MemoryUsage struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage describes one filesystem.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessInfo is one entry of the process table.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	MemoryPercent float32 `json:"memory_percent"`
}

// Collect captures a snapshot. Host and memory failures are errors; load,
// disk and process failures leave their fields empty.
func Collect(ctx context.Context, opts Options) (*Snapshot, error) {
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	snap := &Snapshot{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Uptime:          info.Uptime,
		Memory: MemoryUsage{
			Total:       vm.Total,
			Available:   vm.Available,
			UsedPercent: vm.UsedPercent,
		},
		CapturedAt: time.Now().UTC(),
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, opts.CPUSample, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load = &LoadAverage{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}
	if usage, err := disk.UsageWithContext(ctx, opts.DiskPath); err == nil {
		snap.Disk = &DiskUsage{
			Path:        usage.Path,
			Total:       usage.Total,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}
	if opts.TopProcesses > 0 {
		snap.Processes, snap.ProcessCount = topProcesses(ctx, opts.TopProcesses)
	}

	return snap, nil
}

func topProcesses(ctx context.Context, n int) ([]ProcessInfo, int) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		infos = append(infos, ProcessInfo{PID: p.Pid, Name: name, MemoryPercent: memPct})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].MemoryPercent != infos[j].MemoryPercent {
			return infos[i].MemoryPercent > infos[j].MemoryPercent
		}
		return infos[i].PID < infos[j].PID
	})
	if len(infos) > n {
		infos = infos[:n]
	}
	return infos, len(procs)
}

// Map returns the snapshot as a generic map keyed by the JSON field names.
func (s *Snapshot) Map() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
