package tracking

import (
	"time"

	"github.com/stuartshay/arrival-worker/internal/arrival"
	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/movement"
)

// Snapshot is a read-only copy of a session's state
type Snapshot struct {
	ID           string
	Destination  location.Destination
	Radius       int
	Policy       arrival.Policy
	State        arrival.State
	Triggered    bool
	LastFix      *location.Fix
	LastDistance *int
	LastMetrics  *movement.Metrics
	ETA          *calculator.ETA
	FixCount     int
	Arrivals     int
	StartedAt    time.Time
	Active       bool
}

// Snapshot copies the current session state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:          s.id,
		Destination: s.dest,
		Policy:      s.policy,
		FixCount:    s.fixCount,
		Arrivals:    s.arrivals,
		StartedAt:   s.startedAt,
		Active:      s.started && !s.stopped.Load(),
	}
	if s.detector != nil {
		snap.Radius = s.detector.Radius()
		snap.State = s.detector.State()
		snap.Triggered = s.detector.Triggered()
	}
	if s.lastFix != nil {
		fix := *s.lastFix
		dist := s.lastDist
		m := s.lastMetrics
		eta := calculator.EstimateArrival(dist, m.SpeedKmh)
		snap.LastFix = &fix
		snap.LastDistance = &dist
		snap.LastMetrics = &m
		snap.ETA = &eta
	}
	return snap
}

// TripSummary describes a finished (or ongoing) session's travel
type TripSummary struct {
	SessionID   string
	Destination location.Destination
	StartedAt   time.Time
	EndedAt     time.Time
	Start       *location.Fix
	End         *location.Fix
	DistanceM   int
	AvgSpeedKmh int
	MaxSpeedKmh int
	Mode        calculator.TransportMode
	Points      int
	Arrived     bool
}

// Trip summarizes the fixes processed so far. EndedAt is the stop time, or now
// while the session is running.
func (s *Session) Trip() TripSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm := calculator.CalculateTripMetrics(s.track)
	ended := s.stoppedAt
	if ended.IsZero() {
		ended = s.clock.Now()
	}

	trip := TripSummary{
		SessionID:   s.id,
		Destination: s.dest,
		StartedAt:   s.startedAt,
		EndedAt:     ended,
		DistanceM:   tm.TotalDistanceM,
		AvgSpeedKmh: tm.AvgSpeedKmh,
		MaxSpeedKmh: tm.MaxSpeedKmh,
		Mode:        tm.Mode,
		Points:      tm.TotalPoints,
		Arrived:     s.arrivals > 0,
	}
	if s.startFix != nil {
		start := *s.startFix
		trip.Start = &start
	}
	if s.lastFix != nil {
		end := *s.lastFix
		trip.End = &end
	}
	return trip
}
