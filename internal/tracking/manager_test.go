package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/settings"
)

type fakeAlerter struct {
	mu       sync.Mutex
	triggers []alert.TriggerOptions
	tests    []alert.Channel
	resets   []string
	stops    int
}

func (a *fakeAlerter) Test(ctx context.Context, ch alert.Channel, opts alert.TriggerOptions) (alert.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tests = append(a.tests, ch)
	return alert.Result{AlertID: "test-1"}, nil
}

func (a *fakeAlerter) Trigger(ctx context.Context, opts alert.TriggerOptions) (alert.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers = append(a.triggers, opts)
	return alert.Result{
		AlertID:  "alert-1",
		Channels: map[alert.Channel]alert.ChannelResult{alert.ChannelSound: {Status: alert.StatusDelivered}},
	}, nil
}

func (a *fakeAlerter) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
}

func (a *fakeAlerter) ResetSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets = append(a.resets, id)
}

func (a *fakeAlerter) Triggers() []alert.TriggerOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.TriggerOptions(nil), a.triggers...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		types = append(types, e.Type)
	}
	return types
}

func (l *eventLog) Has(t EventType) bool {
	for _, got := range l.Types() {
		if got == t {
			return true
		}
	}
	return false
}

type tripLog struct {
	mu    sync.Mutex
	trips map[string][]TripSummary
}

func (l *tripLog) RecordTrip(deviceID string, trip TripSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trips == nil {
		l.trips = make(map[string][]TripSummary)
	}
	l.trips[deviceID] = append(l.trips[deviceID], trip)
	return nil
}

func (l *tripLog) Count(deviceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trips[deviceID])
}

type managerHarness struct {
	clock    clockwork.FakeClock
	registry *location.Registry
	alerter  *fakeAlerter
	store    *settings.MemoryStore
	events   *eventLog
	trips    *tripLog
	manager  *Manager
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	h := &managerHarness{
		clock:    clock,
		registry: location.NewRegistry(location.WithMaxAge(time.Hour), location.WithClock(clock)),
		alerter:  &fakeAlerter{},
		store:    settings.NewMemoryStore(settings.Defaults()),
		events:   &eventLog{},
		trips:    &tripLog{},
	}
	h.manager = NewManager(
		h.registry,
		func(deviceID, pushToken string) Alerter { return h.alerter },
		h.store,
		WithSessionOptions(WithClock(clock)),
		WithSinks(h.events),
		WithTripRecorder(h.trips),
	)
	t.Cleanup(func() {
		_ = h.manager.Shutdown(context.Background())
		h.registry.Close()
	})
	return h
}

func (h *managerHarness) start(t *testing.T, device string, stops []location.Destination, initialMeters float64) string {
	t.Helper()
	h.registry.Feed(device).Publish(fixNear(stops[0], initialMeters, 0))
	id, _, err := h.manager.Start(context.Background(), StartRequest{DeviceID: device, Stops: stops})
	require.NoError(t, err)
	return id
}

func TestManager_ArrivalTriggersAlertWithStoredSettings(t *testing.T) {
	h := newManagerHarness(t)
	prefs := settings.Defaults()
	prefs.AlertType = settings.AlertVibration
	prefs.AlertRadius = 800
	prefs.RepeatCount = 0
	require.NoError(t, h.store.Save(prefs))

	id := h.start(t, "phone", []location.Destination{gare}, 3000)
	snap, err := h.manager.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 800, snap.Radius, "radius defaults to the stored setting")

	h.registry.Feed("phone").Publish(fixNear(gare, 600, 30))
	require.Eventually(t, func() bool { return len(h.alerter.Triggers()) == 1 }, time.Second, 5*time.Millisecond)

	opts := h.alerter.Triggers()[0]
	assert.Equal(t, id, opts.SessionID)
	assert.True(t, opts.Vibration)
	assert.False(t, opts.Sound)
	assert.Zero(t, opts.Repeats)
	assert.Equal(t, "Approaching Gare Centrale", opts.Title)
	assert.Contains(t, opts.Body, "600 m")

	require.Eventually(t, func() bool { return h.events.Has(EventAlert) }, time.Second, 5*time.Millisecond)
	types := h.events.Types()
	assert.Equal(t, EventStarted, types[0])
	assert.Contains(t, types, EventArrival)
}

func TestManager_Lifecycle(t *testing.T) {
	h := newManagerHarness(t)
	id := h.start(t, "phone", []location.Destination{gare}, 3000)

	require.Len(t, h.manager.List(), 1)
	require.NoError(t, h.manager.SetAlertRadius(id, 2500))
	require.NoError(t, h.manager.ResetTrigger(id))
	assert.Equal(t, []string{id}, h.alerter.resets)
	require.NoError(t, h.manager.StopAlerts(id))

	_, err := h.manager.AdvanceStop(id)
	assert.ErrorIs(t, err, ErrNoNextStop)

	fix, err := h.manager.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, gare.Lat+3000/metersPerDegree, fix.Latitude, 1e-9)

	h.registry.Feed("phone").Publish(fixNear(gare, 2800, 60))
	require.Eventually(t, func() bool { return h.events.Has(EventDistance) }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.Stop(id))
	require.Eventually(t, func() bool { return h.trips.Count("phone") == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.events.Has(EventStopped) }, time.Second, 5*time.Millisecond)

	_, err = h.manager.Snapshot(id)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, h.manager.Stop(id), ErrUnknownSession)
	assert.Empty(t, h.manager.List())
}

func TestManager_MultiStop(t *testing.T) {
	h := newManagerHarness(t)
	id := h.start(t, "tablet", itinerary[:2], 3000)

	feed := h.registry.Feed("tablet")
	feed.Publish(fixNear(itinerary[0], 300, 30))
	require.Eventually(t, func() bool { return h.events.Has(EventStopArrival) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.alerter.Triggers()) == 1 }, time.Second, 5*time.Millisecond)

	index, err := h.manager.AdvanceStop(id)
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Contains(t, h.events.Types(), EventAdvance)

	feed.Publish(fixNear(itinerary[1], 300, 60))
	require.Eventually(t, func() bool { return h.events.Has(EventComplete) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.trips.Count("tablet") == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_PerSessionSink(t *testing.T) {
	h := newManagerHarness(t)
	own := &eventLog{}

	h.registry.Feed("watch").Publish(fixNear(gare, 3000, 0))
	_, _, err := h.manager.Start(context.Background(), StartRequest{
		DeviceID: "watch",
		Stops:    []location.Destination{gare},
		Sink:     own,
	})
	require.NoError(t, err)
	h.start(t, "phone", []location.Destination{gare}, 3000)

	require.Eventually(t, func() bool { return own.Has(EventDistance) }, time.Second, 5*time.Millisecond)
	own.mu.Lock()
	defer own.mu.Unlock()
	for _, e := range own.events {
		assert.Equal(t, "watch", e.DeviceID)
	}
}

func TestManager_StartErrors(t *testing.T) {
	h := newManagerHarness(t)

	_, _, err := h.manager.Start(context.Background(), StartRequest{DeviceID: "phone"})
	assert.ErrorIs(t, err, ErrNoStops)

	_, _, err = h.manager.Start(context.Background(), StartRequest{
		DeviceID: "phone",
		Stops:    []location.Destination{{Lat: 91}},
	})
	assert.Equal(t, location.KindInvalidDestination, location.KindOf(err))
	assert.Empty(t, h.manager.List())
	assert.Equal(t, 0, h.registry.Feed("phone").Subscribers())
}

func TestManager_Shutdown(t *testing.T) {
	h := newManagerHarness(t)
	h.start(t, "phone", []location.Destination{gare}, 3000)
	h.start(t, "tablet", []location.Destination{gare}, 2000)

	require.NoError(t, h.manager.Shutdown(context.Background()))
	assert.Empty(t, h.manager.List())
	assert.Equal(t, 1, h.trips.Count("phone"))
	assert.Equal(t, 1, h.trips.Count("tablet"))
	assert.Equal(t, 2, h.alerter.stops)
}

func TestManager_Settings(t *testing.T) {
	h := newManagerHarness(t)

	prefs, err := h.manager.Settings()
	require.NoError(t, err)
	assert.Equal(t, settings.Defaults(), prefs)

	prefs.AlertRadius = 50
	assert.Error(t, h.manager.SaveSettings(prefs), "radius below range")

	prefs.AlertRadius = 750
	prefs.SoundType = "gentle"
	require.NoError(t, h.manager.SaveSettings(prefs))
	stored, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 750, stored.AlertRadius)

	res, err := h.manager.TestAlert(context.Background(), "phone", "", alert.ChannelVibration)
	require.NoError(t, err)
	assert.Equal(t, "test-1", res.AlertID)
	assert.Equal(t, []alert.Channel{alert.ChannelVibration}, h.alerter.tests)

	bare := NewManager(h.registry, nil, nil)
	assert.ErrorIs(t, bare.SaveSettings(settings.Defaults()), ErrNoSettingsStore)
	_, err = bare.TestAlert(context.Background(), "phone", "", "")
	assert.ErrorIs(t, err, location.ErrUnsupportedCapability)
}
