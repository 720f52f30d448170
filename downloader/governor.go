package downloader

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"mediafetch/internal"
)

const (
	// DefaultPerDownloadMemory approximates the worst-case footprint of one task
	DefaultPerDownloadMemory = 256 * 1024 * 1024

	highPressurePercent     = 80.0
	criticalPressurePercent = 95.0
)

// chunkTier maps an available-memory ceiling to a transfer chunk size
type chunkTier struct {
	below uint64
	chunk int
}

var chunkTiers = []chunkTier{
	{below: 512 * 1024 * 1024, chunk: 64 * 1024},
	{below: 2 * 1024 * 1024 * 1024, chunk: 256 * 1024},
	{below: 8 * 1024 * 1024 * 1024, chunk: 1024 * 1024},
}

const largestChunk = 4 * 1024 * 1024

// SmallestChunkSize is used whenever memory cannot be sampled
var SmallestChunkSize = chunkTiers[0].chunk

// Sampler reads current system load
type Sampler interface {
	Sample(ctx context.Context) (internal.ResourceSnapshot, error)
}

// SystemSampler samples the host with gopsutil
type SystemSampler struct{}

// Sample implements Sampler
func (SystemSampler) Sample(ctx context.Context) (internal.ResourceSnapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return internal.ResourceSnapshot{}, fmt.Errorf("read memory stats: %w", err)
	}

	snap := internal.ResourceSnapshot{
		MemoryPercent:   vm.UsedPercent,
		AvailableMemory: vm.Available,
		TotalMemory:     vm.Total,
		Timestamp:       time.Now(),
		Known:           true,
	}

	// Interval 0 compares against the previous call and never blocks
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	return snap, nil
}

// ResourceGovernor recommends concurrency and chunk sizes from live system
// load. It only advises; the coordinator enforces.
type ResourceGovernor struct {
	sampler           Sampler
	perDownloadMemory int64
	cpuCount          int
	logger            *internal.Logger
}

// GovernorOption configures a ResourceGovernor
type GovernorOption func(*ResourceGovernor)

// WithSampler replaces the system sampler
func WithSampler(s Sampler) GovernorOption {
	return func(g *ResourceGovernor) { g.sampler = s }
}

// WithPerDownloadMemory sets the assumed footprint of one task
func WithPerDownloadMemory(bytes int64) GovernorOption {
	return func(g *ResourceGovernor) {
		if bytes > 0 {
			g.perDownloadMemory = bytes
		}
	}
}

// WithCPUCount overrides the logical CPU count
func WithCPUCount(n int) GovernorOption {
	return func(g *ResourceGovernor) {
		if n > 0 {
			g.cpuCount = n
		}
	}
}

// WithGovernorLogger sets the logger
func WithGovernorLogger(logger *internal.Logger) GovernorOption {
	return func(g *ResourceGovernor) { g.logger = logger }
}

// NewResourceGovernor creates a governor sampling the host by default
func NewResourceGovernor(opts ...GovernorOption) *ResourceGovernor {
	g := &ResourceGovernor{
		sampler:           SystemSampler{},
		perDownloadMemory: DefaultPerDownloadMemory,
		cpuCount:          runtime.NumCPU(),
		logger:            internal.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithField("component", "governor")
	return g
}

// Snapshot samples the system; Known is false when sampling failed
func (g *ResourceGovernor) Snapshot(ctx context.Context) internal.ResourceSnapshot {
	snap, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Debug("resource sampling failed: %v", err)
		return internal.ResourceSnapshot{Timestamp: time.Now()}
	}
	snap.Known = true
	return snap
}

// RecommendedConcurrency returns
// min(configuredMax, available/perDownloadMemory, cpuCount, requested), at least 1.
// The memory term is skipped when sampling fails.
func (g *ResourceGovernor) RecommendedConcurrency(ctx context.Context, requested, configuredMax int) int {
	limit := configuredMax
	if requested < limit {
		limit = requested
	}
	if g.cpuCount < limit {
		limit = g.cpuCount
	}

	snap := g.Snapshot(ctx)
	if snap.Known {
		byMemory := int(snap.AvailableMemory / uint64(g.perDownloadMemory))
		if byMemory < limit {
			limit = byMemory
		}
	}

	if limit < 1 {
		limit = 1
	}
	g.logger.Debug("concurrency %d (requested=%d max=%d cpus=%d available=%d)",
		limit, requested, configuredMax, g.cpuCount, snap.AvailableMemory)
	return limit
}

// RecommendedChunkSize picks a chunk size tier from available memory
func (g *ResourceGovernor) RecommendedChunkSize(ctx context.Context) int {
	snap := g.Snapshot(ctx)
	if !snap.Known {
		return SmallestChunkSize
	}
	return chunkSizeFor(snap.AvailableMemory)
}

func chunkSizeFor(available uint64) int {
	for _, tier := range chunkTiers {
		if available < tier.below {
			return tier.chunk
		}
	}
	return largestChunk
}

// PressureLevel classifies memory usage
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureHigh
	PressureCritical
)

// String returns the pressure name
func (p PressureLevel) String() string {
	switch p {
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "none"
	}
}

// Pressure samples once and classifies memory usage
func (g *ResourceGovernor) Pressure(ctx context.Context) PressureLevel {
	snap := g.Snapshot(ctx)
	switch {
	case !snap.Known:
		return PressureNone
	case snap.MemoryPercent >= criticalPressurePercent:
		return PressureCritical
	case snap.MemoryPercent >= highPressurePercent:
		return PressureHigh
	default:
		return PressureNone
	}
}

// IsUnderPressure reports memory usage at or above the high-water mark
func (g *ResourceGovernor) IsUnderPressure(ctx context.Context) bool {
	return g.Pressure(ctx) >= PressureHigh
}

// IsCritical reports memory usage at or above the critical mark
func (g *ResourceGovernor) IsCritical(ctx context.Context) bool {
	return g.Pressure(ctx) == PressureCritical
}
