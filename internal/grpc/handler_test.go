package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/arrival"
	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/database"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/queue"
	"github.com/stuartshay/arrival-worker/internal/settings"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

const metersPerDegree = 111194.93

var (
	start = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)
	gare  = location.Destination{Lat: 45.5, Lng: -73.5, Name: "Gare Centrale"}
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context

	mu   sync.Mutex
	sent []*structpb.Struct
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(m *structpb.Struct) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeStream) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		types = append(types, m.GetFields()["type"].GetStringValue())
	}
	return types
}

type harness struct {
	registry *location.Registry
	manager  *tracking.Manager
	server   *Server
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	registry := location.NewRegistry(location.WithMaxAge(time.Hour), location.WithClock(clock))
	manager := tracking.NewManager(
		registry,
		nil,
		settings.NewMemoryStore(settings.Defaults()),
		tracking.WithSessionOptions(tracking.WithClock(clock)),
	)
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		registry.Close()
	})
	opts = append([]ServerOption{WithClock(clock)}, opts...)
	return &harness{
		registry: registry,
		manager:  manager,
		server:   NewServer(manager, registry, opts...),
	}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

// report publishes a fix meters north of gare, taken at seconds after start
func (h *harness) report(t *testing.T, device string, meters float64, seconds int) {
	t.Helper()
	_, err := h.server.ReportPosition(context.Background(), mustStruct(t, map[string]any{
		"device_id": device,
		"lat":       gare.Lat + meters/metersPerDegree,
		"lng":       gare.Lng,
		"accuracy":  8,
		"timestamp": start.Add(time.Duration(seconds) * time.Second).Format(time.RFC3339),
	}))
	require.NoError(t, err)
}

func startRequestFor(t *testing.T, device string) *structpb.Struct {
	return mustStruct(t, map[string]any{
		"device_id": device,
		"destination": map[string]any{
			"lat":  gare.Lat,
			"lng":  gare.Lng,
			"name": gare.Name,
		},
	})
}

func contains(types []string, want string) bool {
	for _, got := range types {
		if got == want {
			return true
		}
	}
	return false
}

func TestServer_StartTrackingStreamsEvents(t *testing.T) {
	h := newHarness(t)
	h.report(t, "phone", 3000, 0)

	stream := &fakeStream{ctx: context.Background()}
	done := make(chan error, 1)
	go func() { done <- h.server.StartTracking(startRequestFor(t, "phone"), stream) }()

	require.Eventually(t, func() bool { return contains(stream.Types(), "started") }, time.Second, 5*time.Millisecond)

	list, err := h.server.ListSessions(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	require.Equal(t, float64(1), list.GetFields()["total_count"].GetNumberValue())
	sessions := list.GetFields()["sessions"].GetListValue().GetValues()
	require.Len(t, sessions, 1)
	id := sessions[0].GetStructValue().GetFields()["id"].GetStringValue()
	require.NotEmpty(t, id)

	h.report(t, "phone", 600, 30)
	require.Eventually(t, func() bool { return contains(stream.Types(), "arrival") }, time.Second, 5*time.Millisecond)

	snap, err := h.server.GetSession(context.Background(), mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)
	fields := snap.GetFields()
	assert.Equal(t, "Gare Centrale", fields["destination"].GetStructValue().GetFields()["name"].GetStringValue())
	assert.True(t, fields["triggered"].GetBoolValue())
	assert.Equal(t, float64(1000), fields["radius"].GetNumberValue())
	assert.InDelta(t, 600, fields["last_distance_m"].GetNumberValue(), 2)

	_, err = h.server.StopTracking(context.Background(), mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("StartTracking did not return after stop")
	}
	types := stream.Types()
	assert.Equal(t, "started", types[0])
	assert.Equal(t, "stopped", types[len(types)-1])
}

func TestServer_StartTrackingCallerGone(t *testing.T) {
	h := newHarness(t)
	h.report(t, "phone", 3000, 0)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- h.server.StartTracking(startRequestFor(t, "phone"), stream) }()

	require.Eventually(t, func() bool { return contains(stream.Types(), "started") }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(time.Second):
		t.Fatal("StartTracking did not return after cancel")
	}
	assert.Eventually(t, func() bool { return len(h.manager.List()) == 0 }, time.Second, 5*time.Millisecond)
}

// gatedStream holds every Send until the gate is opened
type gatedStream struct {
	fakeStream
	gate chan struct{}
}

func (g *gatedStream) Send(m *structpb.Struct) error {
	<-g.gate
	return g.fakeStream.Send(m)
}

func TestServer_StartTrackingSlowCallerKeepsArrival(t *testing.T) {
	h := newHarness(t)
	h.report(t, "phone", 5000, 0)

	stream := &gatedStream{fakeStream: fakeStream{ctx: context.Background()}, gate: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- h.server.StartTracking(startRequestFor(t, "phone"), stream) }()
	require.Eventually(t, func() bool { return len(h.manager.List()) == 1 }, time.Second, 5*time.Millisecond)
	id := h.manager.List()[0].ID

	for i := 1; i <= 2*streamBuffer; i++ {
		h.report(t, "phone", 5000-float64(i), i)
	}
	h.report(t, "phone", 600, 2*streamBuffer+1)
	require.Eventually(t, func() bool {
		snap, err := h.manager.Snapshot(id)
		return err == nil && snap.Triggered
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.Stop(id))
	close(stream.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartTracking did not return after stop")
	}

	types := stream.Types()
	assert.True(t, contains(types, "arrival"), "arrival must survive a slow caller")
	assert.Equal(t, "stopped", types[len(types)-1])
	assert.Less(t, len(types), 2*streamBuffer, "position updates are bounded")
}

func TestEventQueue(t *testing.T) {
	q := newEventQueue(3)
	q.push(tracking.Event{Type: tracking.EventStarted})
	q.push(tracking.Event{Type: tracking.EventPosition, DistanceM: 900})
	q.push(tracking.Event{Type: tracking.EventDistance, DistanceM: 900})

	q.push(tracking.Event{Type: tracking.EventPosition, DistanceM: 800})
	q.push(tracking.Event{Type: tracking.EventArrival})
	q.push(tracking.Event{Type: tracking.EventAlert})
	q.push(tracking.Event{Type: tracking.EventDistance, DistanceM: 700})

	var got []tracking.EventType
	for _, e := range q.take() {
		got = append(got, e.Type)
	}
	assert.Equal(t, []tracking.EventType{
		tracking.EventStarted,
		tracking.EventArrival,
		tracking.EventAlert,
	}, got)
	assert.Equal(t, 4, q.Dropped())
	assert.Empty(t, q.take())
}

func TestServer_StartTrackingRejects(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  map[string]any
	}{
		{name: "missing device", req: map[string]any{"destination": map[string]any{"lat": 45.5, "lng": -73.5}}},
		{name: "no destination", req: map[string]any{"device_id": "phone"}},
		{name: "latitude out of range", req: map[string]any{"device_id": "phone", "destination": map[string]any{"lat": 95, "lng": -73.5}}},
		{name: "bad stop", req: map[string]any{"device_id": "phone", "stops": []any{map[string]any{"lat": 45, "lng": 200}}}},
		{name: "negative radius", req: map[string]any{"device_id": "phone", "destination": map[string]any{"lat": 45.5, "lng": -73.5}, "alert_radius": -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.server.StartTracking(mustStruct(t, tt.req), &fakeStream{ctx: context.Background()})
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
		})
	}
}

func TestServer_SessionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.server.StopTracking(ctx, mustStruct(t, map[string]any{"session_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.server.GetSession(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.server.SetAlertRadius(ctx, mustStruct(t, map[string]any{"session_id": "missing"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "radius is required")

	h.report(t, "phone", 3000, 0)
	stream := &fakeStream{ctx: ctx}
	go func() { _ = h.server.StartTracking(startRequestFor(t, "phone"), stream) }()
	require.Eventually(t, func() bool { return len(h.manager.List()) == 1 }, time.Second, 5*time.Millisecond)
	id := h.manager.List()[0].ID

	_, err = h.server.AdvanceStop(ctx, mustStruct(t, map[string]any{"session_id": id}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	res, err := h.server.SetAlertRadius(ctx, mustStruct(t, map[string]any{"session_id": id, "radius": 2500}))
	require.NoError(t, err)
	assert.Equal(t, float64(2500), res.GetFields()["radius"].GetNumberValue())

	_, err = h.server.ResetTrigger(ctx, mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)
	_, err = h.server.StopAlerts(ctx, mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	res, err = h.server.RefreshPosition(ctx, mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)
	fix := res.GetFields()["fix"].GetStructValue().GetFields()
	assert.InDelta(t, gare.Lat+3000/metersPerDegree, fix["lat"].GetNumberValue(), 1e-9)

	_, err = h.server.RefreshPosition(ctx, mustStruct(t, map[string]any{"session_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServer_ReportPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.registry.Feed("phone").Watch(ctx)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	res, err := h.server.ReportPosition(ctx, mustStruct(t, map[string]any{
		"device_id": "phone",
		"lat":       45.5017,
		"lng":       -73.5673,
		"speed":     12.5,
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.GetFields()["subscribers"].GetNumberValue())

	u := <-sub.Updates()
	require.NoError(t, u.Err)
	assert.Equal(t, 45.5017, u.Fix.Latitude)
	assert.Equal(t, start, u.Fix.Timestamp, "missing timestamp defaults to now")
	require.NotNil(t, u.Fix.Speed)
	assert.Equal(t, 12.5, *u.Fix.Speed)

	_, err = h.server.ReportPosition(ctx, mustStruct(t, map[string]any{"device_id": "phone", "error": "permission_denied"}))
	require.NoError(t, err)
	u = <-sub.Updates()
	assert.ErrorIs(t, u.Err, location.ErrPermissionDenied)

	tests := []struct {
		name string
		req  map[string]any
	}{
		{name: "unknown error kind", req: map[string]any{"device_id": "phone", "error": "on_fire"}},
		{name: "missing coordinates", req: map[string]any{"device_id": "phone"}},
		{name: "latitude out of range", req: map[string]any{"device_id": "phone", "lat": -91, "lng": 0}},
		{name: "heading out of range", req: map[string]any{"device_id": "phone", "lat": 0, "lng": 0, "heading": 360}},
		{name: "bad timestamp", req: map[string]any{"device_id": "phone", "lat": 0, "lng": 0, "timestamp": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.server.ReportPosition(ctx, mustStruct(t, tt.req))
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
		})
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{tracking.ErrUnknownSession, codes.NotFound},
		{fmt.Errorf("stop: %w", tracking.ErrSessionStopped), codes.FailedPrecondition},
		{tracking.ErrNoNextStop, codes.FailedPrecondition},
		{tracking.ErrItineraryComplete, codes.FailedPrecondition},
		{tracking.ErrNoStops, codes.InvalidArgument},
		{arrival.ErrInvalidRadius, codes.InvalidArgument},
		{location.NewError(location.KindPermissionDenied, nil), codes.PermissionDenied},
		{location.NewError(location.KindTimeout, nil), codes.DeadlineExceeded},
		{location.NewError(location.KindPositionUnavailable, nil), codes.Unavailable},
		{location.NewError(location.KindUnsupportedCapability, nil), codes.FailedPrecondition},
		{tracking.ErrNoSettingsStore, codes.FailedPrecondition},
		{settings.Settings{AlertRadius: 5}.Validate(), codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}

func TestServer_Settings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.server.GetSettings(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, float64(1000), res.GetFields()["alert_radius"].GetNumberValue())
	assert.Equal(t, "all", res.GetFields()["alert_type"].GetStringValue())

	res, err = h.server.UpdateSettings(ctx, mustStruct(t, map[string]any{
		"alert_radius":         2000,
		"sound_type":           "urgent",
		"vibration_pattern_ms": []any{200, 100, 200},
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(2000), res.GetFields()["alert_radius"].GetNumberValue())
	assert.Equal(t, "urgent", res.GetFields()["sound_type"].GetStringValue())
	assert.Equal(t, "all", res.GetFields()["alert_type"].GetStringValue(), "absent fields keep their value")

	stored, err := h.manager.Settings()
	require.NoError(t, err)
	assert.Equal(t, []int{200, 100, 200}, stored.VibrationPatternMs)

	tests := []struct {
		name string
		req  map[string]any
	}{
		{"radius too small", map[string]any{"alert_radius": 10}},
		{"unknown alert type", map[string]any{"alert_type": "siren"}},
		{"volume above range", map[string]any{"volume": 150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.server.UpdateSettings(ctx, mustStruct(t, tt.req))
			assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
		})
	}

	stored, err = h.manager.Settings()
	require.NoError(t, err)
	assert.Equal(t, 2000, stored.AlertRadius, "rejected updates are not stored")
}

func TestServer_TestAlert(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	_, err := h.server.TestAlert(ctx, mustStruct(t, map[string]any{"device_id": "phone"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "no alert channels configured")

	_, err = h.server.TestAlert(ctx, mustStruct(t, map[string]any{"device_id": "phone", "channel": "smoke"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctl := alert.NewController(nil, nil, nil, alert.WithRepeatPause(0))
	t.Cleanup(ctl.StopAll)
	registry := location.NewRegistry()
	t.Cleanup(registry.Close)
	manager := tracking.NewManager(registry,
		func(deviceID, pushToken string) tracking.Alerter { return ctl },
		settings.NewMemoryStore(settings.Defaults()),
	)
	t.Cleanup(func() { _ = manager.Shutdown(ctx) })
	server := NewServer(manager, registry)

	res, err := server.TestAlert(ctx, mustStruct(t, map[string]any{"device_id": "phone", "channel": "vibration"}))
	require.NoError(t, err)
	msg := res.GetFields()["alert"].GetStructValue().GetFields()
	assert.NotEmpty(t, msg["alert_id"].GetStringValue())
	channels := msg["channels"].GetStructValue().GetFields()
	assert.Equal(t, string(alert.StatusUnavailable), channels["vibration"].GetStringValue())
	assert.Equal(t, string(alert.StatusDisabled), channels["sound"].GetStringValue())
}

type fakeJobs struct {
	jobs []*queue.Job
}

func (f *fakeJobs) GetJob(jobID string) (*queue.Job, error) {
	for _, j := range f.jobs {
		if j.ID == jobID {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
}

func (f *fakeJobs) ListJobs(status queue.JobStatus, limit, offset int) []*queue.Job {
	var out []*queue.Job
	for _, j := range f.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeJobs) GetStats() map[string]int {
	stats := make(map[string]int)
	for _, j := range f.jobs {
		stats[string(j.Status)]++
	}
	return stats
}

func TestServer_TripJobs(t *testing.T) {
	ctx := context.Background()

	disabled := newHarness(t)
	_, err := disabled.server.GetTripJob(ctx, mustStruct(t, map[string]any{"job_id": "x"}))
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	done := start.Add(time.Second)
	jobs := &fakeJobs{jobs: []*queue.Job{
		{
			ID:          "job-1",
			DeviceID:    "phone",
			Trip:        tracking.TripSummary{SessionID: "s1"},
			Status:      queue.StatusCompleted,
			QueuedAt:    start,
			CompletedAt: &done,
			Result:      &queue.JobResult{TripID: 7, CSVPath: "/data/csv/trips_20260124.csv", ProcessingTimeMS: 12},
		},
		{ID: "job-2", DeviceID: "phone", Status: queue.StatusFailed, QueuedAt: start, ErrorMessage: "db down"},
	}}
	h := newHarness(t, WithJobs(jobs))

	res, err := h.server.GetTripJob(ctx, mustStruct(t, map[string]any{"job_id": "job-1"}))
	require.NoError(t, err)
	fields := res.GetFields()
	assert.Equal(t, "completed", fields["status"].GetStringValue())
	assert.Equal(t, "s1", fields["session_id"].GetStringValue())
	assert.Equal(t, float64(7), fields["trip_id"].GetNumberValue())
	assert.Equal(t, "/data/csv/trips_20260124.csv", fields["csv_path"].GetStringValue())

	_, err = h.server.GetTripJob(ctx, mustStruct(t, map[string]any{"job_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	res, err = h.server.ListTripJobs(ctx, mustStruct(t, map[string]any{"status": "failed"}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.GetFields()["total_count"].GetNumberValue())
	assert.Equal(t, float64(50), res.GetFields()["limit"].GetNumberValue())
	assert.Equal(t, float64(1), res.GetFields()["stats"].GetStructValue().GetFields()["completed"].GetNumberValue())
	listed := res.GetFields()["jobs"].GetListValue().GetValues()
	require.Len(t, listed, 1)
	assert.Equal(t, "db down", listed[0].GetStructValue().GetFields()["error_message"].GetStringValue())

	res, err = h.server.ListTripJobs(ctx, mustStruct(t, map[string]any{"limit": 5000}))
	require.NoError(t, err)
	assert.Equal(t, float64(500), res.GetFields()["limit"].GetNumberValue())

	_, err = h.server.ListTripJobs(ctx, mustStruct(t, map[string]any{"status": "lost"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type fakeHistory struct {
	trips []database.Trip
	err   error
}

func (f *fakeHistory) ListTrips(ctx context.Context, deviceID string, limit int) ([]database.Trip, error) {
	return f.trips, f.err
}

func (f *fakeHistory) GetStatistics(ctx context.Context, deviceID string) (database.Statistics, error) {
	return database.Statistics{
		TotalTrips:     2,
		TotalDistanceM: 12500,
		TotalDuration:  40 * time.Minute,
		LongestTripM:   10000,
		FavouriteMode:  calculator.ModeCar,
	}, f.err
}

func (f *fakeHistory) GetDevices(ctx context.Context) ([]string, error) {
	return []string{"phone", "tablet"}, f.err
}

func TestServer_TripHistory(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistory{trips: []database.Trip{{
		ID:              3,
		DeviceID:        "phone",
		SessionID:       "s1",
		DestinationName: "Gare Centrale",
		StartedAt:       start,
		EndedAt:         start.Add(20 * time.Minute),
		DistanceM:       10000,
		DurationS:       1200,
		Mode:            calculator.ModeCar,
		Arrived:         true,
	}}}
	h := newHarness(t, WithHistory(history))

	res, err := h.server.ListTrips(ctx, mustStruct(t, map[string]any{"device_id": "phone"}))
	require.NoError(t, err)
	trips := res.GetFields()["trips"].GetListValue().GetValues()
	require.Len(t, trips, 1)
	trip := trips[0].GetStructValue().GetFields()
	assert.Equal(t, "Gare Centrale", trip["destination_name"].GetStringValue())
	assert.Equal(t, "car", trip["transport_mode"].GetStringValue())
	assert.True(t, trip["arrived"].GetBoolValue())

	res, err = h.server.GetStatistics(ctx, mustStruct(t, map[string]any{"device_id": "phone"}))
	require.NoError(t, err)
	assert.Equal(t, float64(2400), res.GetFields()["total_duration_s"].GetNumberValue())
	assert.Equal(t, "2 trips, 12.5 km", res.GetFields()["summary"].GetStringValue())

	h.registry.Feed("watch")
	res, err = h.server.ListDevices(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.Len(t, res.GetFields()["live"].GetListValue().GetValues(), 1)
	assert.Len(t, res.GetFields()["recorded"].GetListValue().GetValues(), 2)

	history.err = errors.New("connection refused")
	_, err = h.server.ListTrips(ctx, &structpb.Struct{})
	assert.Equal(t, codes.Internal, status.Code(err))
	_, err = h.server.ListDevices(ctx, &structpb.Struct{})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestClient_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.report(t, "phone", 3000, 0)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTrackingServiceServer(srv, h.server)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StartTracking(ctx, map[string]any{
		"device_id": "phone",
		"stops": []any{
			map[string]any{"lat": gare.Lat, "lng": gare.Lng, "name": gare.Name},
		},
	})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "started", first.GetFields()["type"].GetStringValue())
	id := first.GetFields()["session_id"].GetStringValue()
	require.NotEmpty(t, id)

	_, err = client.Call(ctx, MethodStopTracking, map[string]any{"session_id": id})
	require.NoError(t, err)

	var last string
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = msg.GetFields()["type"].GetStringValue()
	}
	assert.Equal(t, "stopped", last)

	_, err = client.Call(ctx, MethodGetSession, map[string]any{"session_id": id})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
