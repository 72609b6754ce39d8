// Package movement derives speed, heading and accuracy metrics from a stream of
// position fixes, preferring sensor readings and falling back to the recent history.
package movement

import (
	"math"

	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/location"
)

// DefaultHistorySize is the number of recent fixes kept for derivation
const DefaultHistorySize = 10

// Quality is a display band for fix accuracy
type Quality string

// Accuracy bands
const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityVeryGood  Quality = "very_good"
	QualityGood      Quality = "good"
	QualityMedium    Quality = "medium"
	QualityPoor      Quality = "poor"
)

// Metrics is the movement estimate for one fix. Nil fields are unavailable.
type Metrics struct {
	SpeedMps        *float64
	SpeedKmh        *int
	Heading         *float64
	HeadingLabel    string
	Altitude        *int
	Accuracy        *float64
	AccuracyQuality Quality
	IsAccurate      bool
	SpeedDerived    bool
	HeadingDerived  bool
}

// Estimator keeps a bounded FIFO of recent fixes. It is not safe for concurrent use;
// the owning tracking session serializes calls.
type Estimator struct {
	size    int
	history []location.Fix
}

// NewEstimator creates an estimator keeping up to size fixes (DefaultHistorySize when size <= 0)
func NewEstimator(size int) *Estimator {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Estimator{
		size:    size,
		history: make([]location.Fix, 0, size),
	}
}

// Update records fix and returns its metrics
func (e *Estimator) Update(fix location.Fix) Metrics {
	e.push(fix)

	m := Metrics{
		Accuracy:        fix.Accuracy,
		AccuracyQuality: ClassifyAccuracy(fix.Accuracy),
		IsAccurate:      fix.Accuracy != nil && *fix.Accuracy < 100,
	}

	switch {
	case fix.Speed != nil && *fix.Speed >= 0:
		m.setSpeed(*fix.Speed)
	case len(e.history) >= 2:
		if speed, ok := e.derivedSpeed(); ok {
			m.setSpeed(speed)
			m.SpeedDerived = true
		}
	}

	switch {
	case fix.HasHeading():
		heading := *fix.Heading
		m.Heading = &heading
	case len(e.history) >= 2:
		prev, curr := e.lastTwo()
		heading := calculator.BearingDegrees(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		m.Heading = &heading
		m.HeadingDerived = true
	}
	if m.Heading != nil {
		m.HeadingLabel = calculator.Cardinal8(*m.Heading)
	}

	if fix.Altitude != nil && !math.IsNaN(*fix.Altitude) {
		alt := int(math.Round(*fix.Altitude))
		m.Altitude = &alt
	}

	return m
}

// History returns a copy of the retained fixes, oldest first
func (e *Estimator) History() []location.Fix {
	out := make([]location.Fix, len(e.history))
	copy(out, e.history)
	return out
}

// Len returns the number of retained fixes
func (e *Estimator) Len() int {
	return len(e.history)
}

// Reset clears the history
func (e *Estimator) Reset() {
	e.history = e.history[:0]
}

func (e *Estimator) push(fix location.Fix) {
	if len(e.history) == e.size {
		copy(e.history, e.history[1:])
		e.history = e.history[:e.size-1]
	}
	e.history = append(e.history, fix)
}

func (e *Estimator) lastTwo() (location.Fix, location.Fix) {
	n := len(e.history)
	return e.history[n-2], e.history[n-1]
}

// derivedSpeed returns m/s between the last two fixes. A non-positive time delta
// has no meaningful speed.
func (e *Estimator) derivedSpeed() (float64, bool) {
	prev, curr := e.lastTwo()
	seconds := curr.Timestamp.Sub(prev.Timestamp).Seconds()
	if seconds <= 0 {
		return 0, false
	}
	meters := calculator.DistanceMeters(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
	return float64(meters) / seconds, true
}

func (m *Metrics) setSpeed(mps float64) {
	kmh := int(math.Round(mps * 3.6))
	m.SpeedMps = &mps
	m.SpeedKmh = &kmh
}

// ClassifyAccuracy bands an accuracy radius in meters
func ClassifyAccuracy(accuracy *float64) Quality {
	if accuracy == nil || math.IsNaN(*accuracy) {
		return QualityUnknown
	}
	switch a := math.Round(*accuracy); {
	case a < 20:
		return QualityExcellent
	case a < 50:
		return QualityVeryGood
	case a < 100:
		return QualityGood
	case a < 500:
		return QualityMedium
	default:
		return QualityPoor
	}
}
