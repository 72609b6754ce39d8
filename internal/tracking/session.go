// Package tracking runs tracking sessions: one destination (or an ordered list of
// stops) watched against a location source, with movement estimation and debounced
// arrival detection.
//
// A Session processes fixes on a single goroutine in delivery order. Callbacks run on
// that goroutine and may call any Session method, including Stop.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stuartshay/arrival-worker/internal/arrival"
	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/metrics"
	"github.com/stuartshay/arrival-worker/internal/movement"
)

// DefaultInitialFixTimeout bounds the initial fix acquisition
const DefaultInitialFixTimeout = 30 * time.Second

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("tracking session already started")
	// ErrSessionStopped is returned by operations on a stopped session
	ErrSessionStopped = errors.New("tracking session stopped")
	// ErrNotStarted is returned by operations that need a running session
	ErrNotStarted = errors.New("tracking session not started")

	errSourceEnded = errors.New("location source ended the subscription")
)

var tracer = otel.Tracer("github.com/stuartshay/arrival-worker/internal/tracking")

// Callbacks receive session events. Nil callbacks are skipped. OnStart runs once,
// before any other callback.
type Callbacks struct {
	OnStart          func(res StartResult)
	OnPositionUpdate func(fix location.Fix, distanceM int, m movement.Metrics)
	OnDistanceChange func(distanceM int)
	OnArrival        func(distanceM int, fix location.Fix)
	OnError          func(err *location.Error)
}

// StartOptions for a session. Zero values use the session defaults.
type StartOptions struct {
	AlertRadius       int
	InitialFixTimeout time.Duration
}

// StartResult is the outcome of the initial fix
type StartResult struct {
	InitialPosition location.Fix
	InitialDistance int
}

// Option configures a Session
type Option func(*Session)

// WithClock sets the clock used for cooldowns and timers
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithPolicy sets the arrival re-arm policy
func WithPolicy(p arrival.Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithCooldown sets the arrival suppression window
func WithCooldown(d time.Duration) Option {
	return func(s *Session) { s.cooldown = d }
}

// WithDefaultRadius sets the radius used when StartOptions.AlertRadius is zero
func WithDefaultRadius(m int) Option {
	return func(s *Session) { s.defaultRadius = m }
}

// WithInitialFixTimeout sets the timeout used when StartOptions.InitialFixTimeout is zero
func WithInitialFixTimeout(d time.Duration) Option {
	return func(s *Session) { s.initialFixTimeout = d }
}

// WithHistorySize sets the movement history size
func WithHistorySize(n int) Option {
	return func(s *Session) { s.historySize = n }
}

// WithID sets the session id instead of a generated one
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session tracks one destination at a time
type Session struct {
	id                string
	source            location.Source
	clock             clockwork.Clock
	policy            arrival.Policy
	cooldown          time.Duration
	defaultRadius     int
	initialFixTimeout time.Duration
	historySize       int
	logger            zerolog.Logger

	stopped     atomic.Bool
	dispatching atomic.Bool
	done        chan struct{}
	doneOnce    sync.Once
	wake        chan struct{}

	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	callbacks   Callbacks
	dest        location.Destination
	detector    *arrival.Detector
	estimator   *movement.Estimator
	sub         location.Subscription
	pendingSub  *pendingSubscription
	injected    []location.Update
	resubTimer  clockwork.Timer
	startedAt   time.Time
	stoppedAt   time.Time
	lastFix     *location.Fix
	lastDist    int
	lastMetrics movement.Metrics
	fixCount    int
	arrivals    int
	track       []calculator.TrackPoint
	startFix    *location.Fix
}

// pendingSubscription is a subscription swap for the event loop. A nil sub pauses
// the session until the next swap.
type pendingSubscription struct {
	sub location.Subscription
}

// NewSession creates an idle session reading from source
func NewSession(source location.Source, opts ...Option) *Session {
	s := &Session{
		id:                uuid.New().String(),
		source:            source,
		clock:             clockwork.NewRealClock(),
		policy:            arrival.ReArmAfterCooldown,
		cooldown:          arrival.DefaultCooldown,
		defaultRadius:     arrival.DefaultRadius,
		initialFixTimeout: DefaultInitialFixTimeout,
		historySize:       movement.DefaultHistorySize,
		done:              make(chan struct{}),
		wake:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With().Str("session_id", s.id).Logger()
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has stopped and its event loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start validates dest, acquires an initial fix and begins the continuous subscription.
// An invalid destination fails before the source is touched. Initial fix failures are
// returned as *location.Error of kind PermissionDenied, PositionUnavailable or Timeout.
func (s *Session) Start(ctx context.Context, dest location.Destination, cb Callbacks, opts StartOptions) (StartResult, error) {
	ctx, span := tracer.Start(ctx, "tracking.Start")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.id))

	if err := dest.Validate(); err != nil {
		span.RecordError(err)
		return StartResult{}, err
	}

	radius := opts.AlertRadius
	if radius == 0 {
		radius = s.defaultRadius
	}
	detector, err := arrival.NewDetector(radius, arrival.WithPolicy(s.policy), arrival.WithCooldown(s.cooldown))
	if err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	switch {
	case s.stopped.Load():
		s.mu.Unlock()
		return StartResult{}, ErrSessionStopped
	case s.started:
		s.mu.Unlock()
		return StartResult{}, ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	timeout := opts.InitialFixTimeout
	if timeout == 0 {
		timeout = s.initialFixTimeout
	}
	fixCtx, cancelFix := context.WithTimeout(ctx, timeout)
	fix, err := s.source.CurrentPosition(fixCtx)
	cancelFix()
	if err != nil {
		lerr := classifyInitialError(err)
		s.logger.Warn().Err(lerr).Str("kind", lerr.Kind.String()).Msg("Initial fix failed")
		span.RecordError(lerr)
		s.abandon()
		return StartResult{}, fmt.Errorf("failed to acquire initial fix: %w", lerr)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := s.source.Watch(loopCtx)
	if err != nil {
		cancel()
		s.abandon()
		return StartResult{}, fmt.Errorf("failed to subscribe to location source: %w", location.AsError(err, location.KindPositionUnavailable))
	}

	distance := calculator.DistanceMeters(fix.Latitude, fix.Longitude, dest.Lat, dest.Lng)

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		sub.Unsubscribe()
		cancel()
		return StartResult{}, ErrSessionStopped
	}
	s.ctx = loopCtx
	s.cancel = cancel
	s.callbacks = cb
	s.dest = dest
	s.detector = detector
	s.estimator = movement.NewEstimator(s.historySize)
	s.sub = sub
	s.startedAt = s.clock.Now()
	// the initial fix goes through the same pipeline as watched fixes
	s.injected = append(s.injected, location.Update{Fix: fix})
	s.mu.Unlock()

	s.logger.Info().
		Str("destination", dest.Label()).
		Int("radius_m", radius).
		Int("initial_distance_m", distance).
		Str("policy", s.policy.String()).
		Msg("Tracking session started")

	res := StartResult{InitialPosition: fix, InitialDistance: distance}
	if cb.OnStart != nil {
		s.dispatch(func() { cb.OnStart(res) })
	}

	go s.run(loopCtx, sub)
	s.notify()

	return res, nil
}

// classifyInitialError maps a failed initial fix to one of the three location kinds
func classifyInitialError(err error) *location.Error {
	var lerr *location.Error
	if errors.As(err, &lerr) {
		return lerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return location.NewError(location.KindTimeout, err)
	}
	return location.NewError(location.KindPositionUnavailable, err)
}

// abandon marks a session whose Start failed as finished
func (s *Session) abandon() {
	s.stopped.Store(true)
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop ends the session. It unsubscribes from the source before returning, cancels
// pending timers and is safe to call repeatedly, before any fix, or from a callback.
// No callback starts after Stop returns. Stop waits for the event loop to exit,
// except while a callback is running: then it returns at once, since it cannot tell
// a call from that callback apart from one on another goroutine. The running
// callback may still be executing in that case; Done closes only after it returns.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		s.waitLoop()
		return
	}

	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	var pending location.Subscription
	if s.pendingSub != nil {
		pending = s.pendingSub.sub
		s.pendingSub = nil
	}
	if s.resubTimer != nil {
		s.resubTimer.Stop()
		s.resubTimer = nil
	}
	s.injected = nil
	s.stoppedAt = s.clock.Now()
	detector := s.detector
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if pending != nil {
		pending.Unsubscribe()
	}
	if detector != nil {
		detector.Stop()
	}
	if cancel != nil {
		cancel()
	}

	if !started || cancel == nil {
		s.closeDone()
		return
	}

	s.logger.Info().Msg("Tracking session stopped")
	s.waitLoop()
}

// waitLoop waits for the event loop unless a callback is running
func (s *Session) waitLoop() {
	if s.dispatching.Load() {
		return
	}
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if running {
		<-s.done
	}
}

// Stopped reports whether Stop has been called
func (s *Session) Stopped() bool {
	return s.stopped.Load()
}

// SetAlertRadius changes the arrival radius. It applies from the next fix.
func (s *Session) SetAlertRadius(meters int) error {
	if err := arrival.ValidateRadius(meters); err != nil {
		return err
	}
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	s.mu.Lock()
	detector := s.detector
	s.mu.Unlock()
	if detector == nil {
		return ErrNotStarted
	}
	if err := detector.SetRadius(meters); err != nil {
		return err
	}
	s.logger.Info().Int("radius_m", meters).Msg("Alert radius updated")
	return nil
}

// ResetTrigger clears the arrival latch
func (s *Session) ResetTrigger() error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	s.mu.Lock()
	detector := s.detector
	s.mu.Unlock()
	if detector == nil {
		return ErrNotStarted
	}
	detector.Reset()
	return nil
}

// Retarget swaps the active destination and clears the arrival latch. The movement
// history is kept.
func (s *Session) Retarget(dest location.Destination) error {
	if err := dest.Validate(); err != nil {
		return err
	}
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector == nil {
		return ErrNotStarted
	}
	s.dest = dest
	s.detector.Reset()
	s.logger.Info().Str("destination", dest.Label()).Msg("Destination changed")
	return nil
}

// Resubscribe drops the current subscription and subscribes again after delay, so
// the next processed fix is a fresh one.
func (s *Session) Resubscribe(delay time.Duration) error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotStarted
	}

	s.setPendingLocked(nil)
	if s.resubTimer != nil {
		s.resubTimer.Stop()
	}
	ctx := s.ctx
	s.resubTimer = s.clock.AfterFunc(delay, func() {
		sub, err := s.source.Watch(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to resubscribe to location source")
			s.inject(location.Update{Err: location.AsError(err, location.KindPositionUnavailable)})
			return
		}
		s.mu.Lock()
		if s.stopped.Load() {
			s.mu.Unlock()
			sub.Unsubscribe()
			return
		}
		s.setPendingLocked(sub)
		s.mu.Unlock()
		s.notify()
	})
	s.notify()
	return nil
}

func (s *Session) setPendingLocked(sub location.Subscription) {
	if s.pendingSub != nil && s.pendingSub.sub != nil {
		s.pendingSub.sub.Unsubscribe()
	}
	s.pendingSub = &pendingSubscription{sub: sub}
}

// Refresh requests a one-shot fix and processes it like a watched fix
func (s *Session) Refresh(ctx context.Context) (location.Fix, error) {
	if s.stopped.Load() {
		return location.Fix{}, ErrSessionStopped
	}
	fix, err := s.source.CurrentPosition(ctx)
	if err != nil {
		return location.Fix{}, classifyInitialError(err)
	}
	s.inject(location.Update{Fix: fix})
	return fix, nil
}

func (s *Session) inject(u location.Update) {
	s.mu.Lock()
	if s.stopped.Load() || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.injected = append(s.injected, u)
	s.mu.Unlock()
	s.notify()
}

// run is the event loop. It owns the subscription reads; all fix processing happens here.
func (s *Session) run(ctx context.Context, sub location.Subscription) {
	defer s.closeDone()

	// the initial fix is handled before anything the subscription delivers
	updates := s.drainWake(sub.Updates())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			updates = s.drainWake(updates)
		case u, ok := <-updates:
			if !ok {
				if s.stopped.Load() {
					return
				}
				updates = nil
				s.dispatchError(location.NewError(location.KindPositionUnavailable, errSourceEnded))
				continue
			}
			if u.Err != nil {
				s.dispatchError(u.Err)
				continue
			}
			s.process(u.Fix, false)
		}
		if s.stopped.Load() {
			return
		}
	}
}

// drainWake applies a pending subscription swap and processes injected fixes
func (s *Session) drainWake(updates <-chan location.Update) <-chan location.Update {
	s.mu.Lock()
	pending := s.pendingSub
	s.pendingSub = nil
	var old location.Subscription
	if pending != nil {
		old = s.sub
		s.sub = pending.sub
	}
	injected := s.injected
	s.injected = nil
	s.mu.Unlock()

	if pending != nil {
		if old != nil {
			old.Unsubscribe()
		}
		if pending.sub != nil {
			updates = pending.sub.Updates()
			s.logger.Debug().Msg("Subscription restarted")
		} else {
			updates = nil
		}
	}

	for _, u := range injected {
		if s.stopped.Load() {
			break
		}
		if u.Err != nil {
			s.dispatchError(u.Err)
			continue
		}
		s.process(u.Fix, true)
	}
	return updates
}

// process runs one fix through distance, movement and arrival evaluation, then
// dispatches the callbacks in order.
func (s *Session) process(fix location.Fix, injected bool) {
	s.mu.Lock()
	if s.stopped.Load() || s.detector == nil {
		s.mu.Unlock()
		return
	}
	if injected && s.lastFix != nil && fix.Timestamp.Before(s.lastFix.Timestamp) {
		s.mu.Unlock()
		s.logger.Debug().Time("timestamp", fix.Timestamp).Msg("Skipping stale one-shot fix")
		return
	}

	dest := s.dest
	distance := calculator.DistanceMeters(fix.Latitude, fix.Longitude, dest.Lat, dest.Lng)
	m := s.estimator.Update(fix)
	dec, err := s.detector.Evaluate(s.clock.Now(), distance)

	f := fix
	s.lastFix = &f
	s.lastDist = distance
	s.lastMetrics = m
	s.fixCount++
	if s.startFix == nil {
		s.startFix = &f
	}
	s.track = append(s.track, calculator.TrackPoint{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Timestamp: fix.Timestamp,
		SpeedKmh:  m.SpeedKmh,
	})
	if err == nil && dec.Fired {
		s.arrivals++
	}
	cb := s.callbacks
	s.mu.Unlock()

	metrics.FixesProcessed.Inc()
	if err != nil {
		if !errors.Is(err, arrival.ErrStopped) {
			s.logger.Error().Err(err).Msg("Arrival evaluation failed")
		}
		return
	}

	s.dispatch(func() {
		if cb.OnPositionUpdate != nil {
			cb.OnPositionUpdate(fix, distance, m)
		}
	})
	s.dispatch(func() {
		if cb.OnDistanceChange != nil {
			cb.OnDistanceChange(distance)
		}
	})

	if dec.Fired {
		metrics.Arrivals.Inc()
		_, span := tracer.Start(s.ctx, "tracking.Arrival")
		span.SetAttributes(
			attribute.String("session.id", s.id),
			attribute.Int("distance_m", distance),
			attribute.Int("radius_m", dec.Radius),
		)
		span.End()
		s.logger.Info().
			Int("distance_m", distance).
			Int("radius_m", dec.Radius).
			Str("destination", dest.Label()).
			Msg("Arrival detected")
		s.dispatch(func() {
			if cb.OnArrival != nil {
				cb.OnArrival(distance, fix)
			}
		})
	}
}

func (s *Session) dispatchError(err error) {
	lerr := location.AsError(err, location.KindPositionUnavailable)
	metrics.SourceErrors.WithLabelValues(lerr.Kind.String()).Inc()
	s.logger.Warn().Err(lerr).Str("kind", lerr.Kind.String()).Msg("Location source error")

	s.mu.Lock()
	cb := s.callbacks
	s.mu.Unlock()
	s.dispatch(func() {
		if cb.OnError != nil {
			cb.OnError(lerr)
		}
	})
}

// dispatch runs one callback unless the session has been stopped. The flag is
// raised before the stopped check, so a Stop that sees it lowered waits for the loop
// and a callback that passes the check is one Stop saw raised.
func (s *Session) dispatch(fn func()) {
	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	if s.stopped.Load() {
		return
	}
	fn()
}
