package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/metrics"
	"github.com/stuartshay/arrival-worker/internal/movement"
	"github.com/stuartshay/arrival-worker/internal/settings"
)

var (
	// ErrUnknownSession is returned for a session id the manager does not own
	ErrUnknownSession = errors.New("unknown tracking session")
	// ErrNoSettingsStore is returned when saving settings without a store
	ErrNoSettingsStore = errors.New("no settings store configured")
)

// EventType names a session event
type EventType string

// Event types
const (
	EventStarted     EventType = "started"
	EventPosition    EventType = "position"
	EventDistance    EventType = "distance"
	EventArrival     EventType = "arrival"
	EventStopArrival EventType = "stop_arrival"
	EventAdvance     EventType = "advance"
	EventComplete    EventType = "complete"
	EventAlert       EventType = "alert"
	EventError       EventType = "error"
	EventStopped     EventType = "stopped"
)

// Event is one session event as seen by sinks
type Event struct {
	SessionID   string
	DeviceID    string
	Type        EventType
	Time        time.Time
	Fix         *location.Fix
	DistanceM   int
	Metrics     *movement.Metrics
	Err         *location.Error
	StopIndex   int
	StopTotal   int
	Destination location.Destination
	Trip        *TripSummary
	Alert       *alert.Result
}

// EventSink receives session events. Position events arrive on the session goroutine;
// alert and stop events may arrive from others. HandleEvent must not block.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(Event)

// HandleEvent calls f
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

// SourceResolver finds the location source of a device
type SourceResolver interface {
	Source(deviceID string) (location.Source, error)
}

// Alerter is the part of alert.Controller the manager drives
type Alerter interface {
	Trigger(ctx context.Context, opts alert.TriggerOptions) (alert.Result, error)
	StopAll()
	ResetSession(sessionID string)
	Test(ctx context.Context, ch alert.Channel, opts alert.TriggerOptions) (alert.Result, error)
}

// AlerterFactory returns the alerter for a device
type AlerterFactory func(deviceID, pushToken string) Alerter

// TripRecorder persists the summary of a finished session
type TripRecorder interface {
	RecordTrip(deviceID string, trip TripSummary) error
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithSessionOptions applies opts to every session the manager creates
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// WithRouterOptions applies opts to every multi-stop router
func WithRouterOptions(opts ...RouterOption) ManagerOption {
	return func(m *Manager) { m.routerOpts = append(m.routerOpts, opts...) }
}

// WithSinks registers sinks receiving every session's events
func WithSinks(sinks ...EventSink) ManagerOption {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithTripRecorder records a trip summary whenever a session ends
func WithTripRecorder(r TripRecorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// StartRequest describes a session to start
type StartRequest struct {
	DeviceID    string
	Stops       []location.Destination
	AlertRadius int
	PushToken   string
	// Sink receives this session's events only
	Sink EventSink
}

// Manager owns the running sessions. It turns arrivals into alerts using the settings
// stored at trigger time and fans session events out to sinks.
type Manager struct {
	resolver    SourceResolver
	alerters    AlerterFactory
	store       settings.Store
	sessionOpts []Option
	routerOpts  []RouterOption
	sinks       []EventSink
	recorder    TripRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*managed
}

type managed struct {
	deviceID string
	session  *Session
	router   *Router
	alerter  Alerter
	sink     EventSink
}

// NewManager creates a manager. alerters may be nil, in which case arrivals raise no
// alert.
func NewManager(resolver SourceResolver, alerters AlerterFactory, store settings.Store, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		resolver: resolver,
		alerters: alerters,
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates and starts a session for req. One stop runs a plain session; more
// run a multi-stop router.
func (m *Manager) Start(ctx context.Context, req StartRequest) (id string, res StartResult, err error) {
	ctx, span := tracer.Start(ctx, "tracking.Manager.Start", trace.WithAttributes(
		attribute.String("device_id", req.DeviceID),
		attribute.Int("stops", len(req.Stops)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("session_id", id),
				attribute.Int("initial_distance_m", res.InitialDistance),
			)
		}
		span.End()
	}()

	if len(req.Stops) == 0 {
		return "", StartResult{}, ErrNoStops
	}

	prefs, err := m.loadSettings()
	if err != nil {
		return "", StartResult{}, err
	}
	radius := req.AlertRadius
	if radius == 0 {
		radius = prefs.AlertRadius
	}

	source, err := m.resolver.Source(req.DeviceID)
	if err != nil {
		return "", StartResult{}, fmt.Errorf("failed to resolve location source: %w", err)
	}

	session := NewSession(source, m.sessionOpts...)
	entry := &managed{
		deviceID: req.DeviceID,
		session:  session,
		sink:     req.Sink,
	}
	if m.alerters != nil {
		entry.alerter = m.alerters(req.DeviceID, req.PushToken)
	}

	cb := m.callbacks(entry)
	cb.OnStart = func(res StartResult) {
		fix := res.InitialPosition
		m.emit(entry, Event{
			Type:        EventStarted,
			Fix:         &fix,
			DistanceM:   res.InitialDistance,
			Destination: req.Stops[0],
			StopTotal:   len(req.Stops),
		})
	}
	opts := StartOptions{AlertRadius: radius}

	if len(req.Stops) == 1 {
		stop := req.Stops[0]
		cb.OnArrival = func(distanceM int, fix location.Fix) {
			m.emit(entry, Event{Type: EventArrival, Fix: &fix, DistanceM: distanceM, Destination: stop, StopTotal: 1})
			m.raiseAlert(entry, stop, distanceM)
		}
		res, err = session.Start(ctx, stop, cb, opts)
	} else {
		router := NewRouter(session, m.routerOpts...)
		entry.router = router
		res, err = router.Start(ctx, req.Stops, m.routerCallbacks(entry, cb), opts)
	}
	if err != nil {
		return "", StartResult{}, err
	}

	m.mu.Lock()
	m.sessions[session.ID()] = entry
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.wg.Add(1)
	go m.reap(entry)

	return session.ID(), res, nil
}

func (m *Manager) loadSettings() (settings.Settings, error) {
	if m.store == nil {
		return settings.Defaults(), nil
	}
	s, err := m.store.Load()
	if err != nil {
		return settings.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

func (m *Manager) callbacks(entry *managed) Callbacks {
	return Callbacks{
		OnPositionUpdate: func(fix location.Fix, distanceM int, mm movement.Metrics) {
			m.emit(entry, Event{Type: EventPosition, Fix: &fix, DistanceM: distanceM, Metrics: &mm})
		},
		OnDistanceChange: func(distanceM int) {
			m.emit(entry, Event{Type: EventDistance, DistanceM: distanceM})
		},
		OnError: func(err *location.Error) {
			m.emit(entry, Event{Type: EventError, Err: err})
		},
	}
}

func (m *Manager) routerCallbacks(entry *managed, cb Callbacks) RouterCallbacks {
	return RouterCallbacks{
		Callbacks: cb,
		OnStopArrival: func(index, total int, stop location.Destination, distanceM int, fix location.Fix) {
			m.emit(entry, Event{
				Type:        EventStopArrival,
				Fix:         &fix,
				DistanceM:   distanceM,
				StopIndex:   index,
				StopTotal:   total,
				Destination: stop,
			})
			m.raiseAlert(entry, stop, distanceM)
		},
		OnAdvance: func(index, total int, stop location.Destination) {
			m.emit(entry, Event{Type: EventAdvance, StopIndex: index, StopTotal: total, Destination: stop})
		},
		OnComplete: func(trip TripSummary) {
			m.emit(entry, Event{Type: EventComplete, Trip: &trip, Destination: trip.Destination})
		},
	}
}

// raiseAlert triggers the device alert off the session goroutine
func (m *Manager) raiseAlert(entry *managed, stop location.Destination, distanceM int) {
	if entry.alerter == nil {
		return
	}
	sessionID := entry.session.ID()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, span := tracer.Start(m.ctx, "tracking.Manager.RaiseAlert", trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("destination", stop.Label()),
			attribute.Int("distance_m", distanceM),
		))
		defer span.End()

		prefs, err := m.loadSettings()
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Using default alert settings")
			prefs = settings.Defaults()
		}
		name := stop.Name
		if name == "" {
			name = stop.Address
		}
		title, body := alert.ArrivalMessage(name, distanceM)

		res, err := entry.alerter.Trigger(ctx, prefs.TriggerOptions(sessionID, title, body))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to trigger alert")
			return
		}
		m.emit(entry, Event{Type: EventAlert, Alert: &res, DistanceM: distanceM, Destination: stop})
	}()
}

// reap waits for a session to end, then records its trip
func (m *Manager) reap(entry *managed) {
	defer m.wg.Done()
	<-entry.session.Done()

	id := entry.session.ID()
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()

	trip := entry.session.Trip()
	m.emit(entry, Event{Type: EventStopped, Trip: &trip, Destination: trip.Destination})

	if m.recorder != nil && trip.Points > 0 {
		if err := m.recorder.RecordTrip(entry.deviceID, trip); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("Failed to record trip")
		}
	}
}

func (m *Manager) emit(entry *managed, e Event) {
	e.SessionID = entry.session.ID()
	e.DeviceID = entry.deviceID
	if e.Time.IsZero() {
		e.Time = entry.session.clock.Now()
	}
	for _, sink := range m.sinks {
		sink.HandleEvent(e)
	}
	if entry.sink != nil {
		entry.sink.HandleEvent(e)
	}
}

func (m *Manager) get(id string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return entry, nil
}

// Stop stops a session. Alerts already sounding keep going until StopAlerts.
func (m *Manager) Stop(id string) error {
	entry, err := m.get(id)
	if err != nil {
		return err
	}
	if entry.router != nil {
		entry.router.Stop()
	} else {
		entry.session.Stop()
	}
	return nil
}

// SetAlertRadius changes a session's radius from its next fix
func (m *Manager) SetAlertRadius(id string, meters int) error {
	entry, err := m.get(id)
	if err != nil {
		return err
	}
	return entry.session.SetAlertRadius(meters)
}

// ResetTrigger re-arms a session and lets it alert again immediately
func (m *Manager) ResetTrigger(id string) error {
	entry, err := m.get(id)
	if err != nil {
		return err
	}
	if err := entry.session.ResetTrigger(); err != nil {
		return err
	}
	if entry.alerter != nil {
		entry.alerter.ResetSession(id)
	}
	return nil
}

// AdvanceStop moves a multi-stop session to its next stop
func (m *Manager) AdvanceStop(id string) (int, error) {
	entry, err := m.get(id)
	if err != nil {
		return 0, err
	}
	if entry.router == nil {
		return 0, ErrNoNextStop
	}
	if entry.alerter != nil {
		entry.alerter.ResetSession(id)
	}
	return entry.router.AdvanceToNextStop()
}

// Settings returns the stored preferences
func (m *Manager) Settings() (settings.Settings, error) {
	return m.loadSettings()
}

// SaveSettings validates and stores preferences. Running sessions use them from their
// next alert.
func (m *Manager) SaveSettings(s settings.Settings) error {
	if m.store == nil {
		return ErrNoSettingsStore
	}
	if err := s.Validate(); err != nil {
		return err
	}
	return m.store.Save(s)
}

// TestAlert fires one cycle of ch on a device with the stored preferences. An empty
// ch tests every channel the preferences enable.
func (m *Manager) TestAlert(ctx context.Context, deviceID, pushToken string, ch alert.Channel) (alert.Result, error) {
	if m.alerters == nil {
		return alert.Result{}, location.NewError(location.KindUnsupportedCapability, errors.New("alerts are not configured"))
	}
	prefs, err := m.loadSettings()
	if err != nil {
		return alert.Result{}, err
	}
	return m.alerters(deviceID, pushToken).Test(ctx, ch, prefs.TriggerOptions("", "", ""))
}

// Refresh forces a one-shot fix through a session's pipeline
func (m *Manager) Refresh(ctx context.Context, id string) (location.Fix, error) {
	entry, err := m.get(id)
	if err != nil {
		return location.Fix{}, err
	}
	return entry.session.Refresh(ctx)
}

// StopAlerts silences the alert of a session's device
func (m *Manager) StopAlerts(id string) error {
	entry, err := m.get(id)
	if err != nil {
		return err
	}
	if entry.alerter != nil {
		entry.alerter.StopAll()
	}
	return nil
}

// Snapshot returns a copy of one session's state
func (m *Manager) Snapshot(id string) (Snapshot, error) {
	entry, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return entry.session.Snapshot(), nil
}

// List returns snapshots of all sessions, oldest first
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.session.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	return snaps
}

// Shutdown stops every session and waits for pending trip records and alerts
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if e.router != nil {
			e.router.Stop()
		} else {
			e.session.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("manager shutdown: %w", ctx.Err())
	}
	m.cancel()
	for _, e := range entries {
		if e.alerter != nil {
			e.alerter.StopAll()
		}
	}
	return err
}
