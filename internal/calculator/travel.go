package calculator

import (
	"math"
	"time"
)

// WalkingSpeedKmh is the pace assumed when no usable speed is known
const WalkingSpeedKmh = 5.0

// ETAMethod describes how an ETA was derived
type ETAMethod string

// ETA methods
const (
	ETAMethodCurrentSpeed ETAMethod = "current_speed"
	ETAMethodWalking      ETAMethod = "walking"
)

// ETA is an estimated time of arrival
type ETA struct {
	Minutes   int
	Estimated bool
	Method    ETAMethod
}

// EstimateArrival estimates the minutes needed to cover distanceM at the given speed.
// A nil speed or one below 1 km/h falls back to walking pace and marks the ETA as estimated.
func EstimateArrival(distanceM int, speedKmh *int) ETA {
	if speedKmh == nil || *speedKmh < 1 {
		hours := float64(distanceM) / 1000 / WalkingSpeedKmh
		return ETA{
			Minutes:   int(math.Round(hours * 60)),
			Estimated: true,
			Method:    ETAMethodWalking,
		}
	}

	hours := float64(distanceM) / 1000 / float64(*speedKmh)
	return ETA{
		Minutes: int(math.Round(hours * 60)),
		Method:  ETAMethodCurrentSpeed,
	}
}

// TransportMode is a coarse travel mode guessed from average speed
type TransportMode string

// Transport modes
const (
	ModeWalking TransportMode = "walking"
	ModeBike    TransportMode = "bike"
	ModeCar     TransportMode = "car"
	ModeTrain   TransportMode = "train"
	ModeUnknown TransportMode = "unknown"
)

// DetectTransportMode maps an average speed in km/h to a transport mode
func DetectTransportMode(avgKmh float64) TransportMode {
	switch {
	case avgKmh < 5:
		return ModeWalking
	case avgKmh < 15:
		return ModeBike
	case avgKmh < 50:
		return ModeCar
	case avgKmh < 100:
		return ModeTrain
	default:
		return ModeUnknown
	}
}

// TrackPoint is one recorded position of a trip
type TrackPoint struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	SpeedKmh  *int
}

// TripMetrics holds distance and speed statistics for a recorded path
type TripMetrics struct {
	TotalDistanceM int
	MaxSpeedKmh    int
	AvgSpeedKmh    int
	TotalPoints    int
	Duration       time.Duration
	Mode           TransportMode
}

// CalculateTripMetrics computes travelled distance and speed statistics for a path.
// Distance is the sum of consecutive point distances. Average speed is the mean of
// the positive reported speeds, or distance over duration when none were reported.
func CalculateTripMetrics(points []TrackPoint) TripMetrics {
	if len(points) == 0 {
		return TripMetrics{Mode: ModeWalking}
	}

	metrics := TripMetrics{
		TotalPoints: len(points),
		Duration:    points[len(points)-1].Timestamp.Sub(points[0].Timestamp),
	}

	var speedSum, speedCount int
	for i, p := range points {
		if i > 0 {
			prev := points[i-1]
			metrics.TotalDistanceM += DistanceMeters(prev.Latitude, prev.Longitude, p.Latitude, p.Longitude)
		}

		if p.SpeedKmh != nil && *p.SpeedKmh > 0 {
			speedSum += *p.SpeedKmh
			speedCount++
			if *p.SpeedKmh > metrics.MaxSpeedKmh {
				metrics.MaxSpeedKmh = *p.SpeedKmh
			}
		}
	}

	switch {
	case speedCount > 0:
		metrics.AvgSpeedKmh = int(math.Round(float64(speedSum) / float64(speedCount)))
	case metrics.Duration > 0:
		metrics.AvgSpeedKmh = int(math.Round(float64(metrics.TotalDistanceM) / metrics.Duration.Seconds() * 3.6))
	}

	metrics.Mode = DetectTransportMode(float64(metrics.AvgSpeedKmh))
	return metrics
}
