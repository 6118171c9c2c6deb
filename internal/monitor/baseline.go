package monitor

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultWindowCapacity holds 24 hours of samples at a 1-minute cadence.
const DefaultWindowCapacity = 1440

type observation struct {
	value float64
	ts    time.Time
}

// Baseline maintains a bounded FIFO window of normalized-load observations
// and computes an adaptive baseline (a high percentile) on demand.
//
// The baseline is sticky: a recalculation that cannot produce a value leaves
// the previous one in place.
type Baseline struct {
	logger *zap.Logger
	clock  Clock

	capacity int
	samples  []observation

	value      float64
	hasValue   bool
	computedAt time.Time
}

// NewBaseline creates a baseline estimator with the default window capacity.
func NewBaseline(logger *zap.Logger, clock Clock) *Baseline {
	return NewBaselineWithCapacity(logger, clock, DefaultWindowCapacity)
}

// NewBaselineWithCapacity creates a baseline estimator holding at most
// capacity observations; the oldest is evicted on overflow.
func NewBaselineWithCapacity(logger *zap.Logger, clock Clock, capacity int) *Baseline {
	return &Baseline{
		logger:   logger,
		clock:    clock,
		capacity: capacity,
		samples:  make([]observation, 0, capacity),
	}
}

// Observe appends a normalized-load observation to the window.
func (b *Baseline) Observe(value float64, ts time.Time) {
	if len(b.samples) >= b.capacity {
		b.samples = b.samples[1:]
	}
	b.samples = append(b.samples, observation{value: value, ts: ts})
	b.logger.Debug("Added load sample",
		zap.Float64("load", value),
		zap.Time("timestamp", ts))
}

// Recalculate recomputes the baseline from observations within the trailing
// window. It returns the new value, or false when fewer than two
// observations qualify; in that case the previous baseline stays untouched.
//
// The baseline is the 95th percentile of the qualifying values, computed
// from min(20, count) quantile groups. When the window is too small for
// that cut to exist the arithmetic mean is used instead.
func (b *Baseline) Recalculate(window time.Duration) (float64, bool) {
	cutoff := b.clock.Now().Add(-window)
	values := make([]float64, 0, len(b.samples))
	for _, obs := range b.samples {
		if !obs.ts.Before(cutoff) {
			values = append(values, obs.value)
		}
	}

	if len(values) < 2 {
		b.logger.Warn("Not enough samples for baseline calculation",
			zap.Int("samples", len(values)),
			zap.Duration("window", window))
		return 0, false
	}

	n := len(values)
	if n > 20 {
		n = 20
	}
	idx := n - 1
	if idx > 18 {
		idx = 18
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var baseline float64
	cuts := quantiles(sorted, n)
	if idx < len(cuts) {
		baseline = cuts[idx]
	} else {
		// Too few samples for the percentile cut; fall back to the mean.
		baseline = mean(sorted)
	}

	b.value = baseline
	b.hasValue = true
	b.computedAt = b.clock.Now()

	b.logger.Info("Baseline calculated",
		zap.Float64("baseline", baseline),
		zap.Int("samples_count", len(values)),
		zap.Duration("window", window),
		zap.Float64("min_load", sorted[0]),
		zap.Float64("max_load", sorted[len(sorted)-1]),
		zap.Float64("avg_load", mean(sorted)))

	return baseline, true
}

// Value returns the current baseline, or false if none has been computed.
func (b *Baseline) Value() (float64, bool) {
	return b.value, b.hasValue
}

// ShouldRecalculate reports whether at least interval has elapsed since the
// last successful recalculation.
func (b *Baseline) ShouldRecalculate(interval time.Duration) bool {
	return b.clock.Now().Sub(b.computedAt) >= interval
}

// Len returns the number of observations currently in the window.
func (b *Baseline) Len() int { return len(b.samples) }

// quantiles returns the n-1 cut points dividing sorted into n groups, using
// linear interpolation of the exclusive empirical distribution.
func quantiles(sorted []float64, n int) []float64 {
	ld := len(sorted)
	if ld < 2 || n < 1 {
		return nil
	}
	m := ld + 1
	cuts := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		j := i * m / n
		delta := i*m - j*n
		if j < 1 {
			j, delta = 1, 0
		} else if j > ld-1 {
			j, delta = ld-1, n
		}
		interpolated := (sorted[j-1]*float64(n-delta) + sorted[j]*float64(delta)) / float64(n)
		cuts = append(cuts, interpolated)
	}
	return cuts
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
