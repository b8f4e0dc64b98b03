package bandwidth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSmoothed_NewWithInvalidConfig(t *testing.T) {
	s := NewSmoothedWithConfig(0, 0, nil)

	assert.Equal(t, DefaultMeasureInterval, s.MeasureInterval())
	assert.Equal(t, DefaultSmoothingInterval, s.SmoothingInterval())
	assert.Equal(t, float64(0), s.BytesPerSecond())
}

func TestSmoothed_BestIntervalWins(t *testing.T) {
	clock := newFakeClock()
	s := NewSmoothed(clock.Now)

	// 1000 bytes/s for two seconds.
	s.Add(500)
	clock.Advance(500 * time.Millisecond)
	s.Add(500)
	clock.Advance(500 * time.Millisecond)
	s.Add(1000)

	// Idle for a while, then a burst of 4000 bytes within one second.
	clock.Advance(10 * time.Second)
	s.Add(2000)
	clock.Advance(200 * time.Millisecond)
	s.Add(2000)

	assert.Equal(t, float64(4000), s.BytesPerSecond())
	assert.Equal(t, uint64(6000), s.TotalBytes())
}

func TestSmoothed_IdleDoesNotLowerEstimate(t *testing.T) {
	clock := newFakeClock()
	s := NewSmoothed(clock.Now)

	s.Add(3000)
	before := s.BytesPerSecond()
	clock.Advance(30 * time.Second)

	assert.Equal(t, before, s.BytesPerSecond())
}

func TestSmoothed_SamplesExpire(t *testing.T) {
	clock := newFakeClock()
	s := NewSmoothedWithConfig(5*time.Second, time.Second, clock.Now)

	s.Add(1000)
	assert.Equal(t, 1, s.SampleCount())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, s.SampleCount())
	assert.Equal(t, float64(0), s.BytesPerSecond())
	assert.Equal(t, uint64(1000), s.TotalBytes())
}

func TestSpeed_RollingAverage(t *testing.T) {
	clock := newFakeClock()
	s := NewSpeed(4*time.Second, clock.Now)

	for range 4 {
		s.Add(1000)
		clock.Advance(time.Second)
	}
	// First sample is exactly window-old and dropped.
	assert.Equal(t, float64(750), s.BytesPerSecond())

	clock.Advance(10 * time.Second)
	assert.Equal(t, float64(0), s.BytesPerSecond())
}

func TestSpeed_Reset(t *testing.T) {
	s := NewSpeed(0, nil)
	assert.Equal(t, DefaultSpeedWindow, s.Window())

	s.Add(100)
	s.Add(200)
	assert.Equal(t, uint64(300), s.TotalBytes())
	assert.Equal(t, 2, s.SampleCount())

	s.Reset()
	assert.Equal(t, uint64(0), s.TotalBytes())
	assert.Equal(t, 0, s.SampleCount())
}

func TestEstimators_ConcurrentAccess(t *testing.T) {
	for name, est := range map[string]Estimator{
		"smoothed": NewSmoothed(nil),
		"speed":    NewSpeed(time.Second, nil),
	} {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 100 {
						est.Add(100)
					}
				}()
			}
			for range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 100 {
						_ = est.BytesPerSecond()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, uint64(100000), est.TotalBytes())
		})
	}
}
