// Package rssi provides signal strength smoothing filters and the
// log-distance path loss model used for distance estimation.
package rssi

import (
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Filter smooths a stream of raw RSSI measurements. Implementations are not
// required to be safe for concurrent use; callers serialize access.
type Filter interface {
	// Next consumes a raw measurement and returns the smoothed estimate.
	Next(measurement int16) int16
	// Current returns the latest smoothed estimate without consuming input.
	Current() int16
}

// Kind selects one of the built-in filter implementations.
type Kind int

const (
	// None disables smoothing: measurements pass through unchanged.
	None Kind = iota
	// Kalman is a one-dimensional Kalman filter, the default.
	Kalman
	// MovingAverage averages measurements over a fixed window.
	MovingAverage
)

// Factory constructs a fresh filter instance. A new instance carries no state
// from its predecessor.
type Factory func() Filter

// NewFilter returns a fresh filter of the given kind.
func NewFilter(kind Kind) Filter {
	switch kind {
	case Kalman:
		return NewKalmanFilter()
	case MovingAverage:
		return NewMovingAverageFilter(DefaultWindowSize)
	default:
		return &passthrough{}
	}
}

type passthrough struct{ last int16 }

func (p *passthrough) Next(measurement int16) int16 {
	p.last = measurement
	return measurement
}

func (p *passthrough) Current() int16 { return p.last }

// Default noise constants for the Kalman filter, tuned for indoor RSSI
// streams.
const (
	DefaultProcessNoise     = 0.125
	DefaultMeasurementNoise = 0.8
)

// KalmanFilter smooths RSSI with a one-dimensional Kalman filter.
type KalmanFilter struct {
	processNoise     float64
	measurementNoise float64
	estimate         float64
	errorCovariance  float64
	primed           bool
}

// NewKalmanFilter returns a Kalman filter with the default noise constants.
func NewKalmanFilter() *KalmanFilter {
	return NewKalmanFilterWithNoise(DefaultProcessNoise, DefaultMeasurementNoise)
}

// NewKalmanFilterWithNoise returns a Kalman filter with custom process and
// measurement noise.
func NewKalmanFilterWithNoise(processNoise, measurementNoise float64) *KalmanFilter {
	return &KalmanFilter{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
	}
}

// Next consumes a raw measurement and returns the smoothed estimate.
func (f *KalmanFilter) Next(measurement int16) int16 {
	if !f.primed {
		f.estimate = float64(measurement)
		f.errorCovariance = 1
		f.primed = true
		return measurement
	}

	// predict
	errorCovariance := f.errorCovariance + f.processNoise
	// correct
	gain := errorCovariance / (errorCovariance + f.measurementNoise)
	f.estimate += gain * (float64(measurement) - f.estimate)
	f.errorCovariance = (1 - gain) * errorCovariance

	return f.Current()
}

// Current returns the latest smoothed estimate.
func (f *KalmanFilter) Current() int16 {
	return int16(f.estimate)
}

// DefaultWindowSize is the moving average window used by NewFilter.
const DefaultWindowSize = 8

// MovingAverageFilter averages measurements over a bounded window backed by a
// ring buffer.
type MovingAverageFilter struct {
	window uint32
	ring   mpmc.RichOverlappedRingBuffer[int16]
	sum    int64
	count  uint32
	last   int16
}

// NewMovingAverageFilter returns a moving average filter with the given
// window size.
func NewMovingAverageFilter(window uint32) *MovingAverageFilter {
	if window == 0 {
		window = DefaultWindowSize
	}
	// The ring gets a spare slot so it never overwrites a sample that the
	// running sum still counts; Next evicts once window samples are held.
	return &MovingAverageFilter{
		window: window,
		ring:   mpmc.NewOverlappedRingBuffer[int16](window + 1),
	}
}

// Next consumes a raw measurement and returns the window average.
func (f *MovingAverageFilter) Next(measurement int16) int16 {
	if f.count == f.window {
		if oldest, err := f.ring.Dequeue(); err == nil {
			f.sum -= int64(oldest)
			f.count--
		}
	}
	if _, err := f.ring.EnqueueM(measurement); err == nil {
		f.sum += int64(measurement)
		f.count++
	}
	if f.count == 0 {
		f.last = measurement
		return measurement
	}
	f.last = int16(f.sum / int64(f.count))
	return f.last
}

// Current returns the latest window average.
func (f *MovingAverageFilter) Current() int16 {
	return f.last
}
