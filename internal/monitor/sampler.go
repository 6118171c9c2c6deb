// Package monitor reads host load averages and maintains the adaptive
// normalized-load baseline used for relative thresholding.
// Uses gopsutil for cross-platform load and CPU metrics.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"go.uber.org/zap"
)

// ErrPlatformUnsupported indicates the host does not expose load averages.
// Returned from NewSampler only; the sampler never degrades to a no-op mode.
var ErrPlatformUnsupported = errors.New("load averages not supported on this platform")

// ErrSampleUnavailable indicates a transient failure reading load averages.
var ErrSampleUnavailable = errors.New("load sample unavailable")

// cpuCountTTL bounds how long a CPU count is served from cache.
const cpuCountTTL = 300 * time.Second

// LoadSample is a single reading of the host load averages.
// Process counts are informational metadata and may be zero when the
// platform does not expose them.
type LoadSample struct {
	OneMinute     float64
	FiveMinute    float64
	FifteenMinute float64
	ProcsRunning  int
	ProcsTotal    int
	Timestamp     time.Time
}

// Average returns the primary load figure (the 5-minute average).
func (s LoadSample) Average() float64 { return s.FiveMinute }

// Sampler reads load averages and CPU counts from the host.
// Every NormalizedLoad call also feeds the baseline estimator, so each
// decision point's load value enters the historical window.
type Sampler struct {
	logger   *zap.Logger
	clock    Clock
	baseline *Baseline

	cpuCount     int
	cpuCountedAt time.Time
}

// NewSampler creates a Sampler and verifies the platform exposes load
// averages, failing fast with ErrPlatformUnsupported otherwise.
func NewSampler(logger *zap.Logger, clock Clock, baseline *Baseline) (*Sampler, error) {
	if _, err := load.Avg(); err != nil {
		if _, ferr := sysinfoLoadAvg(); ferr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlatformUnsupported, err)
		}
	}
	logger.Info("Load sampler initialized")
	return &Sampler{
		logger:   logger,
		clock:    clock,
		baseline: baseline,
	}, nil
}

// Sample reads the current load averages. Process counts are best-effort
// and never cause the sample to fail.
func (s *Sampler) Sample(ctx context.Context) (LoadSample, error) {
	sample := LoadSample{Timestamp: s.clock.Now()}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		// Secondary source on Linux: the sysinfo syscall.
		fallback, ferr := sysinfoLoadAvg()
		if ferr != nil {
			return LoadSample{}, fmt.Errorf("%w: %v", ErrSampleUnavailable, err)
		}
		s.logger.Debug("Using sysinfo fallback for load averages", zap.Error(err))
		avg = fallback
	}
	sample.OneMinute = avg.Load1
	sample.FiveMinute = avg.Load5
	sample.FifteenMinute = avg.Load15

	if misc, err := load.MiscWithContext(ctx); err == nil {
		sample.ProcsRunning = misc.ProcsRunning
		sample.ProcsTotal = misc.ProcsTotal
	}

	s.logger.Debug("Load average retrieved",
		zap.Float64("one_minute", sample.OneMinute),
		zap.Float64("five_minute", sample.FiveMinute),
		zap.Float64("fifteen_minute", sample.FifteenMinute),
		zap.Int("procs_running", sample.ProcsRunning),
		zap.Int("procs_total", sample.ProcsTotal))

	return sample, nil
}

// CPUCount returns the number of logical CPUs, cached for cpuCountTTL.
// It falls back to procfs when gopsutil reports nothing, and ultimately to 1
// so normalization never divides by zero.
func (s *Sampler) CPUCount(ctx context.Context) int {
	now := s.clock.Now()
	if s.cpuCount > 0 && now.Sub(s.cpuCountedAt) < cpuCountTTL {
		return s.cpuCount
	}

	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil || count == 0 {
		count = procCPUCount()
	}
	if count == 0 {
		s.logger.Warn("Failed to determine CPU count, assuming 1")
		count = 1
	}

	s.cpuCount = count
	s.cpuCountedAt = now
	s.logger.Debug("CPU count determined", zap.Int("cpu_count", count))
	return count
}

// NormalizedLoad returns the 5-minute load average divided by the CPU count
// and records the value in the baseline window.
func (s *Sampler) NormalizedLoad(ctx context.Context) (float64, error) {
	sample, err := s.Sample(ctx)
	if err != nil {
		return 0, err
	}
	cpus := s.CPUCount(ctx)

	normalized := sample.Average() / float64(cpus)
	s.baseline.Observe(normalized, sample.Timestamp)

	s.logger.Debug("Normalized load calculated",
		zap.Float64("raw_load", sample.Average()),
		zap.Int("cpu_count", cpus),
		zap.Float64("normalized_load", normalized))

	return normalized, nil
}
