package downloader

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// rateWindowSize is how many admitted samples feed the median
	rateWindowSize = 10
	// spikeFactor rejects samples faster than this multiple of the running average
	spikeFactor = 5.0
	// smoothedETAThreshold switches ETA to the median for large transfers
	smoothedETAThreshold = 100 * 1024 * 1024
)

type throughputSample struct {
	bytesDelta int64
	timeDelta  time.Duration
}

func (s throughputSample) rate() float64 {
	return float64(s.bytesDelta) / s.timeDelta.Seconds()
}

// RateEstimator turns a cumulative byte counter into current, smoothed and
// peak throughput. One instance serves one transfer across its attempts;
// the peak survives Reset.
type RateEstimator struct {
	mutex sync.Mutex
	now   func() time.Time

	start     time.Time
	baseline  int64
	lastBytes int64
	lastTime  time.Time
	started   bool

	window []throughputSample
	peak   float64
}

// NewRateEstimator creates an estimator using the wall clock
func NewRateEstimator() *RateEstimator {
	return NewRateEstimatorWithClock(time.Now)
}

// NewRateEstimatorWithClock creates an estimator with an injected clock
func NewRateEstimatorWithClock(now func() time.Time) *RateEstimator {
	r := &RateEstimator{now: now}
	r.Reset(0)
	return r
}

// Reset restarts timing with baseline bytes already on disk; the peak is kept
func (r *RateEstimator) Reset(baseline int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resetLocked(baseline)
}

func (r *RateEstimator) resetLocked(baseline int64) {
	t := r.now()
	r.start = t
	r.lastTime = t
	r.baseline = baseline
	r.lastBytes = baseline
	r.started = true
	r.window = r.window[:0]
}

// Record feeds the cumulative byte count reported by the transfer
func (r *RateEstimator) Record(totalBytes int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	t := r.now()
	if totalBytes < r.lastBytes {
		// executor restarted from zero
		r.resetLocked(totalBytes)
		return
	}

	dt := t.Sub(r.lastTime)
	if dt <= 0 {
		return
	}

	sample := throughputSample{bytesDelta: totalBytes - r.lastBytes, timeDelta: dt}
	average := r.currentLocked(r.lastTime)

	r.lastBytes = totalBytes
	r.lastTime = t

	if average > 0 && sample.rate() > spikeFactor*average {
		return
	}

	if len(r.window) == rateWindowSize {
		copy(r.window, r.window[1:])
		r.window = r.window[:rateWindowSize-1]
	}
	r.window = append(r.window, sample)
	if rate := sample.rate(); rate > r.peak {
		r.peak = rate
	}
}

func (r *RateEstimator) currentLocked(at time.Time) float64 {
	elapsed := at.Sub(r.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.lastBytes-r.baseline) / elapsed
}

// CurrentSpeed is bytes since the baseline divided by elapsed time
func (r *RateEstimator) CurrentSpeed() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.currentLocked(r.lastTime)
}

// SmoothedSpeed is the median of the sample window, falling back to the
// current speed until a sample is admitted
func (r *RateEstimator) SmoothedSpeed() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.smoothedLocked()
}

func (r *RateEstimator) smoothedLocked() float64 {
	if len(r.window) == 0 {
		return r.currentLocked(r.lastTime)
	}

	rates := make([]float64, len(r.window))
	for i, s := range r.window {
		rates[i] = s.rate()
	}
	sort.Float64s(rates)

	mid := len(rates) / 2
	if len(rates)%2 == 1 {
		return rates[mid]
	}
	return (rates[mid-1] + rates[mid]) / 2
}

// PeakSpeed is the fastest admitted sample since construction or the current
// speed, whichever is higher. Samples rejected as spikes do not count.
func (r *RateEstimator) PeakSpeed() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return math.Max(r.peak, r.currentLocked(r.lastTime))
}

// ETA estimates time left for remaining bytes. ok is false when speed is zero.
func (r *RateEstimator) ETA(remaining, total int64) (eta time.Duration, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if remaining <= 0 {
		return 0, true
	}

	speed := r.currentLocked(r.lastTime)
	if total > smoothedETAThreshold {
		speed = r.smoothedLocked()
	}
	if speed <= 0 {
		return 0, false
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second)), true
}

// Snapshot returns all three speeds under one lock
func (r *RateEstimator) Snapshot() RateSnapshot {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	current := r.currentLocked(r.lastTime)
	return RateSnapshot{
		Current:  current,
		Smoothed: r.smoothedLocked(),
		Peak:     math.Max(r.peak, current),
		Samples:  len(r.window),
	}
}

// RateSnapshot is a consistent read of the estimator
type RateSnapshot struct {
	Current  float64
	Smoothed float64
	Peak     float64
	Samples  int
}

// Percentage returns floor(downloaded/total*100) capped at 100; ok is false
// when the total is unknown
func Percentage(downloaded, total int64) (percent int, ok bool) {
	if total <= 0 {
		return 0, false
	}
	if downloaded <= 0 {
		return 0, true
	}
	if downloaded >= total {
		return 100, true
	}
	return int(downloaded * 100 / total), true
}
