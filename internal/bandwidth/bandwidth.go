// Package bandwidth provides throughput estimators used to schedule
// segment downloads between HTTP and the peer swarm.
package bandwidth

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMeasureInterval is how long samples are kept by Smoothed.
	DefaultMeasureInterval = 60 * time.Second

	// DefaultSmoothingInterval is the width of the window Smoothed averages
	// over before picking the best rate.
	DefaultSmoothingInterval = time.Second

	// DefaultSpeedWindow is the window of the simple Speed estimator.
	DefaultSpeedWindow = 10 * time.Second
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Estimator turns observed byte counts into a transfer rate.
type Estimator interface {
	// Add records bytes received now.
	Add(bytes uint64)
	// BytesPerSecond returns the estimated rate, or 0 without samples.
	BytesPerSecond() float64
	// TotalBytes returns the cumulative bytes recorded.
	TotalBytes() uint64
}

// sample represents bytes received at a point in time.
type sample struct {
	bytes     uint64
	timestamp time.Time
}

// window keeps time-ordered samples no older than its span.
type window struct {
	totalBytes atomic.Uint64

	mu      sync.RWMutex
	samples []sample
	span    time.Duration
	now     Clock
}

func newWindow(span time.Duration, now Clock) window {
	if now == nil {
		now = time.Now
	}
	return window{span: span, now: now}
}

func (w *window) add(bytes uint64) {
	w.totalBytes.Add(bytes)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.samples = append(w.samples, sample{bytes: bytes, timestamp: now})
	w.trimLocked(now)
}

// trimLocked drops samples that fell out of the window.
func (w *window) trimLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.samples) && !w.samples[drop].timestamp.After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

// live returns a copy of the samples still inside the window.
func (w *window) live() []sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked(w.now())
	out := make([]sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// TotalBytes returns the cumulative bytes recorded.
func (w *window) TotalBytes() uint64 {
	return w.totalBytes.Load()
}

// SampleCount returns the number of samples still inside the window.
func (w *window) SampleCount() int {
	return len(w.live())
}

// Reset clears all tracking data.
func (w *window) Reset() {
	w.totalBytes.Store(0)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
}

// Smoothed estimates achievable bandwidth as the best rate seen over any
// smoothing interval within the measure interval. Idle gaps between
// segment downloads therefore do not drag the estimate down.
type Smoothed struct {
	window
	smoothing time.Duration
}

// NewSmoothed creates a smoothed estimator with default intervals.
func NewSmoothed(now Clock) *Smoothed {
	return NewSmoothedWithConfig(DefaultMeasureInterval, DefaultSmoothingInterval, now)
}

// NewSmoothedWithConfig creates a smoothed estimator with custom intervals.
// Non-positive values fall back to the defaults.
func NewSmoothedWithConfig(measure, smoothing time.Duration, now Clock) *Smoothed {
	if measure <= 0 {
		measure = DefaultMeasureInterval
	}
	if smoothing <= 0 {
		smoothing = DefaultSmoothingInterval
	}
	if smoothing > measure {
		smoothing = measure
	}
	return &Smoothed{window: newWindow(measure, now), smoothing: smoothing}
}

// Add records bytes received now.
func (s *Smoothed) Add(bytes uint64) {
	s.add(bytes)
}

// BytesPerSecond returns the highest smoothing-interval rate inside the
// measure interval.
func (s *Smoothed) BytesPerSecond() float64 {
	samples := s.live()
	if len(samples) == 0 {
		return 0
	}

	var best, sum uint64
	start := 0
	for end := range samples {
		sum += samples[end].bytes
		for samples[end].timestamp.Sub(samples[start].timestamp) >= s.smoothing {
			sum -= samples[start].bytes
			start++
		}
		if sum > best {
			best = sum
		}
	}
	return float64(best) / s.smoothing.Seconds()
}

// SmoothingInterval returns the configured smoothing interval.
func (s *Smoothed) SmoothingInterval() time.Duration {
	return s.smoothing
}

// MeasureInterval returns the configured measure interval.
func (s *Smoothed) MeasureInterval() time.Duration {
	return s.span
}

// Speed is a plain rolling average of the bytes received in its window.
type Speed struct {
	window
}

// NewSpeed creates a speed estimator averaging over span.
func NewSpeed(span time.Duration, now Clock) *Speed {
	if span <= 0 {
		span = DefaultSpeedWindow
	}
	return &Speed{window: newWindow(span, now)}
}

// Add records bytes received now.
func (s *Speed) Add(bytes uint64) {
	s.add(bytes)
}

// BytesPerSecond returns the bytes inside the window divided by its span.
func (s *Speed) BytesPerSecond() float64 {
	var sum uint64
	for _, smp := range s.live() {
		sum += smp.bytes
	}
	return float64(sum) / s.span.Seconds()
}

// Window returns the configured averaging window.
func (s *Speed) Window() time.Duration {
	return s.span
}

var (
	_ Estimator = (*Smoothed)(nil)
	_ Estimator = (*Speed)(nil)
)
