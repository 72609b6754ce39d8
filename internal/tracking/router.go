package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stuartshay/arrival-worker/internal/location"
)

var (
	// ErrNoStops is returned when an itinerary is empty
	ErrNoStops = location.NewError(location.KindInvalidDestination, errors.New("itinerary has no stops"))
	// ErrNoNextStop is returned when advancing past the final stop
	ErrNoNextStop = errors.New("already at the final stop")
	// ErrItineraryComplete is returned once the final stop has been reached
	ErrItineraryComplete = errors.New("itinerary complete")
)

// RouterCallbacks extends Callbacks with itinerary events. Callbacks.OnArrival is
// replaced by OnStopArrival.
type RouterCallbacks struct {
	Callbacks
	OnStopArrival func(index, total int, stop location.Destination, distanceM int, fix location.Fix)
	OnAdvance     func(index, total int, stop location.Destination)
	OnComplete    func(trip TripSummary)
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithResubscribeDelay restarts the location subscription after d on every advance,
// forcing a fresh fix for the new stop. Zero keeps the subscription.
func WithResubscribeDelay(d time.Duration) RouterOption {
	return func(r *Router) { r.resubscribeDelay = d }
}

// WithAutoAdvance advances to the next stop d after arriving. Zero waits for
// AdvanceToNextStop.
func WithAutoAdvance(d time.Duration) RouterOption {
	return func(r *Router) { r.autoAdvance = d }
}

// Router walks a session through an ordered list of stops
type Router struct {
	session          *Session
	clock            clockwork.Clock
	resubscribeDelay time.Duration
	autoAdvance      time.Duration

	mu           sync.Mutex
	stops        []location.Destination
	index        int
	completed    bool
	cb           RouterCallbacks
	advanceTimer clockwork.Timer
}

// NewRouter creates a router driving session
func NewRouter(session *Session, opts ...RouterOption) *Router {
	r := &Router{
		session: session,
		clock:   session.clock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the underlying session
func (r *Router) Session() *Session {
	return r.session
}

// Start validates every stop and starts tracking the first one
func (r *Router) Start(ctx context.Context, stops []location.Destination, cb RouterCallbacks, opts StartOptions) (StartResult, error) {
	if len(stops) == 0 {
		return StartResult{}, ErrNoStops
	}
	for i, stop := range stops {
		if err := stop.Validate(); err != nil {
			return StartResult{}, fmt.Errorf("stop %d: %w", i+1, err)
		}
	}

	r.mu.Lock()
	r.stops = append([]location.Destination(nil), stops...)
	r.index = 0
	r.completed = false
	r.cb = cb
	r.mu.Unlock()

	sessionCb := cb.Callbacks
	sessionCb.OnArrival = r.handleArrival
	return r.session.Start(ctx, stops[0], sessionCb, opts)
}

func (r *Router) handleArrival(distanceM int, fix location.Fix) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	index, total := r.index, len(r.stops)
	stop := r.stops[index]
	final := index == total-1
	if final {
		r.completed = true
	}
	cb := r.cb
	r.mu.Unlock()

	r.session.logger.Info().
		Int("stop", index+1).
		Int("total", total).
		Str("destination", stop.Label()).
		Msg("Arrived at stop")

	if cb.OnStopArrival != nil {
		cb.OnStopArrival(index, total, stop, distanceM, fix)
	}

	if final {
		r.session.Stop()
		if cb.OnComplete != nil {
			cb.OnComplete(r.session.Trip())
		}
		return
	}

	if r.autoAdvance > 0 {
		r.mu.Lock()
		if r.advanceTimer != nil {
			r.advanceTimer.Stop()
		}
		r.advanceTimer = r.clock.AfterFunc(r.autoAdvance, func() {
			if _, err := r.advanceFrom(index); err != nil && !errors.Is(err, errStaleAdvance) {
				r.session.logger.Warn().Err(err).Msg("Automatic advance failed")
			}
		})
		r.mu.Unlock()
	}
}

var errStaleAdvance = errors.New("stop already advanced")

// AdvanceToNextStop clears the arrival latch and makes the next stop active. It
// returns the new stop index.
func (r *Router) AdvanceToNextStop() (int, error) {
	r.mu.Lock()
	index := r.index
	r.mu.Unlock()
	return r.advanceFrom(index)
}

func (r *Router) advanceFrom(from int) (int, error) {
	if r.session.Stopped() {
		return 0, ErrSessionStopped
	}

	r.mu.Lock()
	switch {
	case r.completed:
		r.mu.Unlock()
		return 0, ErrItineraryComplete
	case len(r.stops) == 0:
		r.mu.Unlock()
		return 0, ErrNotStarted
	case r.index != from:
		r.mu.Unlock()
		return r.index, errStaleAdvance
	case r.index >= len(r.stops)-1:
		r.mu.Unlock()
		return r.index, ErrNoNextStop
	}
	if r.advanceTimer != nil {
		r.advanceTimer.Stop()
		r.advanceTimer = nil
	}
	r.index++
	index, total := r.index, len(r.stops)
	next := r.stops[index]
	cb := r.cb
	r.mu.Unlock()

	if err := r.session.Retarget(next); err != nil {
		return index, err
	}
	if r.resubscribeDelay > 0 {
		if err := r.session.Resubscribe(r.resubscribeDelay); err != nil {
			return index, err
		}
	}

	if cb.OnAdvance != nil {
		cb.OnAdvance(index, total, next)
	}
	return index, nil
}

// Current returns the active stop index, the stop count and the active stop
func (r *Router) Current() (int, int, location.Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stops) == 0 {
		return 0, 0, location.Destination{}
	}
	return r.index, len(r.stops), r.stops[r.index]
}

// Completed reports whether the final stop has been reached
func (r *Router) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Stop cancels a pending advance and stops the session
func (r *Router) Stop() {
	r.mu.Lock()
	if r.advanceTimer != nil {
		r.advanceTimer.Stop()
		r.advanceTimer = nil
	}
	r.mu.Unlock()
	r.session.Stop()
}
