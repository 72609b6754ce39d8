// Package grpc implements the TrackingService gRPC server: arrival tracking
// sessions streamed to the caller, position reports from devices, and access to
// post-trip jobs and the trip history.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/arrival"
	"github.com/stuartshay/arrival-worker/internal/bus"
	"github.com/stuartshay/arrival-worker/internal/database"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/queue"
	"github.com/stuartshay/arrival-worker/internal/settings"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// streamBuffer is the number of events a slow StartTracking caller may fall behind
// before position updates are dropped
const streamBuffer = 256

// Tracker is the session API the server exposes; *tracking.Manager implements it
type Tracker interface {
	Start(ctx context.Context, req tracking.StartRequest) (string, tracking.StartResult, error)
	Stop(id string) error
	SetAlertRadius(id string, meters int) error
	ResetTrigger(id string) error
	AdvanceStop(id string) (int, error)
	StopAlerts(id string) error
	Refresh(ctx context.Context, id string) (location.Fix, error)
	Snapshot(id string) (tracking.Snapshot, error)
	List() []tracking.Snapshot
	Settings() (settings.Settings, error)
	SaveSettings(s settings.Settings) error
	TestAlert(ctx context.Context, deviceID, pushToken string, ch alert.Channel) (alert.Result, error)
}

// FeedProvider hands out device feeds; *location.Registry implements it
type FeedProvider interface {
	Feed(deviceID string) *location.Feed
	Devices() []string
}

// JobStore exposes post-trip jobs; *queue.Queue implements it
type JobStore interface {
	GetJob(jobID string) (*queue.Job, error)
	ListJobs(status queue.JobStatus, limit, offset int) []*queue.Job
	GetStats() map[string]int
}

// TripHistory reads persisted trips; *database.Client implements it
type TripHistory interface {
	ListTrips(ctx context.Context, deviceID string, limit int) ([]database.Trip, error)
	GetStatistics(ctx context.Context, deviceID string) (database.Statistics, error)
	GetDevices(ctx context.Context) ([]string, error)
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithJobs exposes post-trip jobs
func WithJobs(j JobStore) ServerOption {
	return func(s *Server) { s.jobs = j }
}

// WithHistory exposes the trip history
func WithHistory(h TripHistory) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithClock sets the clock stamping position reports without a timestamp
func WithClock(c clockwork.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// Server implements the TrackingService gRPC server
type Server struct {
	tracker Tracker
	feeds   FeedProvider
	jobs    JobStore
	history TripHistory
	clock   clockwork.Clock
}

var _ TrackingServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance
func NewServer(tracker Tracker, feeds FeedProvider, opts ...ServerOption) *Server {
	s := &Server{
		tracker: tracker,
		feeds:   feeds,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// decode copies a Struct request into dst and validates it
func decode(req *structpb.Struct, dst any) error {
	data, err := json.Marshal(req.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	validateOnce.Do(func() { validate = validator.New() })
	if err := validate.Struct(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// encode turns a JSON-tagged response into a Struct
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps tracking errors to gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, tracking.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, tracking.ErrSessionStopped),
		errors.Is(err, tracking.ErrNotStarted),
		errors.Is(err, tracking.ErrAlreadyStarted),
		errors.Is(err, tracking.ErrNoNextStop),
		errors.Is(err, tracking.ErrItineraryComplete):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, tracking.ErrNoSettingsStore):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, arrival.ErrInvalidRadius):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	switch location.KindOf(err) {
	case location.KindInvalidDestination:
		return status.Error(codes.InvalidArgument, err.Error())
	case location.KindPermissionDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case location.KindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case location.KindPositionUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case location.KindUnsupportedCapability:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

type startRequest struct {
	DeviceID    string                 `json:"device_id" validate:"required,max=128"`
	Destination *location.Destination  `json:"destination"`
	Stops       []location.Destination `json:"stops" validate:"max=25,dive"`
	AlertRadius int                    `json:"alert_radius" validate:"gte=0"`
	PushToken   string                 `json:"push_token"`
}

// StartTracking starts a session and streams its events until it stops or the
// caller goes away, which stops the session.
func (s *Server) StartTracking(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var in startRequest
	if err := decode(req, &in); err != nil {
		return err
	}
	stops := in.Stops
	if len(stops) == 0 && in.Destination != nil {
		stops = []location.Destination{*in.Destination}
	}

	events := newEventQueue(streamBuffer)
	stopped := make(chan tracking.Event, 1)
	sink := tracking.EventSinkFunc(func(e tracking.Event) {
		if e.Type == tracking.EventStopped {
			stopped <- e
			return
		}
		events.push(e)
	})

	ctx := stream.Context()
	id, _, err := s.tracker.Start(ctx, tracking.StartRequest{
		DeviceID:    in.DeviceID,
		Stops:       stops,
		AlertRadius: in.AlertRadius,
		PushToken:   in.PushToken,
		Sink:        sink,
	})
	if err != nil {
		log.Warn().Err(err).Str("device_id", in.DeviceID).Msg("Failed to start tracking")
		return toStatus(err)
	}

	log.Info().
		Str("session_id", id).
		Str("device_id", in.DeviceID).
		Int("stops", len(stops)).
		Msg("Tracking stream opened")

	send := func(e tracking.Event) error {
		msg, err := encode(bus.NewEventMessage(e))
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}

	for {
		select {
		case <-events.ready:
			for _, e := range events.take() {
				if err := send(e); err != nil {
					_ = s.tracker.Stop(id)
					return err
				}
			}
		case last := <-stopped:
			for _, e := range events.take() {
				if err := send(e); err != nil {
					return err
				}
			}
			log.Info().
				Str("session_id", id).
				Int("dropped_updates", events.Dropped()).
				Msg("Tracking stream closed")
			return send(last)
		case <-ctx.Done():
			_ = s.tracker.Stop(id)
			log.Info().Str("session_id", id).Msg("Tracking caller went away, session stopped")
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

type sessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// StopTracking stops a session
func (s *Server) StopTracking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.tracker.Stop(in.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "stopped": true})
}

// SetAlertRadius changes the radius of a session from its next fix
func (s *Server) SetAlertRadius(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		SessionID string `json:"session_id" validate:"required"`
		Radius    int    `json:"radius" validate:"required"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.tracker.SetAlertRadius(in.SessionID, in.Radius); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "radius": in.Radius})
}

// ResetTrigger re-arms a session
func (s *Server) ResetTrigger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.tracker.ResetTrigger(in.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "armed": true})
}

// AdvanceStop moves a multi-stop session to its next stop
func (s *Server) AdvanceStop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	index, err := s.tracker.AdvanceStop(in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "stop_index": index})
}

// StopAlerts silences the alert of a session's device
func (s *Server) StopAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.tracker.StopAlerts(in.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "silenced": true})
}

type positionRequest struct {
	DeviceID  string     `json:"device_id" validate:"required,max=128"`
	Lat       *float64   `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lng       *float64   `json:"lng" validate:"omitempty,gte=-180,lte=180"`
	Accuracy  *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	Altitude  *float64   `json:"altitude"`
	Heading   *float64   `json:"heading" validate:"omitempty,gte=0,lt=360"`
	Speed     *float64   `json:"speed" validate:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
	// Error reports a source failure instead of a fix, e.g. "permission_denied"
	Error string `json:"error"`
}

// ReportPosition publishes a device fix (or a source failure) to the device feed
func (s *Server) ReportPosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in positionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	feed := s.feeds.Feed(in.DeviceID)

	if in.Error != "" {
		kind, err := location.ParseKind(in.Error)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		feed.PublishError(location.NewError(kind, errors.New("reported by device")))
		return encode(map[string]any{"device_id": in.DeviceID, "subscribers": feed.Subscribers()})
	}

	if in.Lat == nil || in.Lng == nil {
		return nil, status.Error(codes.InvalidArgument, "lat and lng are required")
	}
	fix := location.Fix{
		Latitude:  *in.Lat,
		Longitude: *in.Lng,
		Accuracy:  in.Accuracy,
		Altitude:  in.Altitude,
		Heading:   in.Heading,
		Speed:     in.Speed,
		Timestamp: s.clock.Now().UTC(),
	}
	if in.Timestamp != nil {
		fix.Timestamp = in.Timestamp.UTC()
	}
	feed.Publish(fix)

	log.Debug().Str("device_id", in.DeviceID).Stringer("fix", fix).Msg("Position reported")
	return encode(map[string]any{"device_id": in.DeviceID, "subscribers": feed.Subscribers()})
}

// RefreshPosition forces a one-shot fix through a session
func (s *Server) RefreshPosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	fix, err := s.tracker.Refresh(ctx, in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"session_id": in.SessionID, "fix": bus.NewFixMessage(fix)})
}

type sessionMessage struct {
	ID           string               `json:"id"`
	Destination  location.Destination `json:"destination"`
	Radius       int                  `json:"radius"`
	Policy       string               `json:"policy"`
	State        string               `json:"state"`
	Triggered    bool                 `json:"triggered"`
	LastFix      *bus.FixMessage      `json:"last_fix,omitempty"`
	LastDistance *int                 `json:"last_distance_m,omitempty"`
	LastMetrics  *bus.MetricsMessage  `json:"last_metrics,omitempty"`
	ETAMinutes   *int                 `json:"eta_minutes,omitempty"`
	ETAMethod    string               `json:"eta_method,omitempty"`
	FixCount     int                  `json:"fix_count"`
	Arrivals     int                  `json:"arrivals"`
	StartedAt    time.Time            `json:"started_at"`
	Active       bool                 `json:"active"`
}

func newSessionMessage(snap tracking.Snapshot) sessionMessage {
	msg := sessionMessage{
		ID:           snap.ID,
		Destination:  snap.Destination,
		Radius:       snap.Radius,
		Policy:       snap.Policy.String(),
		State:        snap.State.String(),
		Triggered:    snap.Triggered,
		LastDistance: snap.LastDistance,
		FixCount:     snap.FixCount,
		Arrivals:     snap.Arrivals,
		StartedAt:    snap.StartedAt.UTC(),
		Active:       snap.Active,
	}
	if snap.LastFix != nil {
		msg.LastFix = bus.NewFixMessage(*snap.LastFix)
	}
	if snap.LastMetrics != nil {
		// metrics carry the ETA at the last distance
		e := bus.NewEventMessage(tracking.Event{Metrics: snap.LastMetrics, DistanceM: derefInt(snap.LastDistance)})
		msg.LastMetrics = e.Metrics
	}
	if snap.ETA != nil {
		minutes := snap.ETA.Minutes
		msg.ETAMinutes = &minutes
		msg.ETAMethod = string(snap.ETA.Method)
	}
	return msg
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// GetSession returns the state of one session
func (s *Server) GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in sessionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	snap, err := s.tracker.Snapshot(in.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(newSessionMessage(snap))
}

// ListSessions returns every running session, oldest first
func (s *Server) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	snaps := s.tracker.List()
	sessions := make([]sessionMessage, 0, len(snaps))
	for _, snap := range snaps {
		sessions = append(sessions, newSessionMessage(snap))
	}
	return encode(map[string]any{"sessions": sessions, "total_count": len(sessions)})
}

type jobMessage struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	DeviceID         string     `json:"device_id"`
	SessionID        string     `json:"session_id"`
	QueuedAt         time.Time  `json:"queued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	TripID           int64      `json:"trip_id,omitempty"`
	CSVPath          string     `json:"csv_path,omitempty"`
	ProcessingTimeMS int64      `json:"processing_time_ms,omitempty"`
}

func newJobMessage(job *queue.Job) jobMessage {
	msg := jobMessage{
		JobID:        job.ID,
		Status:       string(job.Status),
		DeviceID:     job.DeviceID,
		SessionID:    job.Trip.SessionID,
		QueuedAt:     job.QueuedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Result != nil {
		msg.TripID = job.Result.TripID
		msg.CSVPath = job.Result.CSVPath
		msg.ProcessingTimeMS = job.Result.ProcessingTimeMS
	}
	return msg
}

// GetTripJob returns the status of a post-trip job
func (s *Server) GetTripJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.jobs == nil {
		return nil, status.Error(codes.Unimplemented, "trip jobs are not enabled")
	}
	var in struct {
		JobID string `json:"job_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(in.JobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get job: %v", err)
	}
	return encode(newJobMessage(job))
}

// ListTripJobs returns post-trip jobs with optional status filtering
func (s *Server) ListTripJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.jobs == nil {
		return nil, status.Error(codes.Unimplemented, "trip jobs are not enabled")
	}
	var in struct {
		Status string `json:"status" validate:"omitempty,oneof=queued processing completed failed"`
		Limit  int    `json:"limit" validate:"gte=0"`
		Offset int    `json:"offset" validate:"gte=0"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit == 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	jobs := s.jobs.ListJobs(queue.JobStatus(in.Status), limit, in.Offset)
	out := make([]jobMessage, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newJobMessage(job))
	}
	return encode(map[string]any{
		"jobs":        out,
		"limit":       limit,
		"offset":      in.Offset,
		"total_count": len(out),
		"stats":       s.jobs.GetStats(),
	})
}

type tripMessage struct {
	ID              int64     `json:"id"`
	DeviceID        string    `json:"device_id"`
	SessionID       string    `json:"session_id"`
	DestinationName string    `json:"destination_name"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DistanceM       int       `json:"distance_m"`
	DurationS       int       `json:"duration_s"`
	AvgSpeedKmh     int       `json:"avg_speed_kmh"`
	MaxSpeedKmh     int       `json:"max_speed_kmh"`
	Mode            string    `json:"transport_mode"`
	Arrived         bool      `json:"arrived"`
}

// ListTrips returns the newest persisted trips
func (s *Server) ListTrips(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "trip history is not enabled")
	}
	var in struct {
		DeviceID string `json:"device_id"`
		Limit    int    `json:"limit" validate:"gte=0"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	trips, err := s.history.ListTrips(ctx, in.DeviceID, in.Limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list trips")
		return nil, status.Errorf(codes.Internal, "failed to list trips: %v", err)
	}
	out := make([]tripMessage, 0, len(trips))
	for _, t := range trips {
		out = append(out, tripMessage{
			ID:              t.ID,
			DeviceID:        t.DeviceID,
			SessionID:       t.SessionID,
			DestinationName: t.DestinationName,
			StartedAt:       t.StartedAt.UTC(),
			EndedAt:         t.EndedAt.UTC(),
			DistanceM:       t.DistanceM,
			DurationS:       t.DurationS,
			AvgSpeedKmh:     t.AvgSpeedKmh,
			MaxSpeedKmh:     t.MaxSpeedKmh,
			Mode:            string(t.Mode),
			Arrived:         t.Arrived,
		})
	}
	return encode(map[string]any{"trips": out, "total_count": len(out)})
}

// GetStatistics aggregates the trip history of a device
func (s *Server) GetStatistics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "trip history is not enabled")
	}
	var in struct {
		DeviceID string `json:"device_id"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	stats, err := s.history.GetStatistics(ctx, in.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to compute trip statistics")
		return nil, status.Errorf(codes.Internal, "failed to compute statistics: %v", err)
	}
	return encode(map[string]any{
		"device_id":          in.DeviceID,
		"total_trips":        stats.TotalTrips,
		"total_distance_m":   stats.TotalDistanceM,
		"total_duration_s":   int(stats.TotalDuration.Seconds()),
		"average_distance_m": stats.AverageDistanceM,
		"average_duration_s": int(stats.AverageDuration.Seconds()),
		"average_speed_kmh":  stats.AverageSpeedKmh,
		"longest_trip_m":     stats.LongestTripM,
		"max_speed_kmh":      stats.MaxSpeedKmh,
		"favourite_mode":     string(stats.FavouriteMode),
		"summary":            fmt.Sprintf("%d trips, %.1f km", stats.TotalTrips, float64(stats.TotalDistanceM)/1000),
	})
}

// ListDevices returns the devices with a live feed and, with history enabled, the
// devices that have recorded locations
func (s *Server) ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	live := s.feeds.Devices()
	out := map[string]any{"live": live}
	if s.history != nil {
		recorded, err := s.history.GetDevices(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list recorded devices")
			return nil, status.Errorf(codes.Internal, "failed to list devices: %v", err)
		}
		out["recorded"] = recorded
	}
	return encode(out)
}

type settingsMessage struct {
	AlertRadius        int    `json:"alert_radius"`
	AlertType          string `json:"alert_type"`
	SoundType          string `json:"sound_type"`
	Volume             int    `json:"volume"`
	RepeatCount        int    `json:"repeat_count"`
	RequireInteraction bool   `json:"require_interaction"`
	VibrationPatternMs []int  `json:"vibration_pattern_ms"`
}

func newSettingsMessage(p settings.Settings) settingsMessage {
	return settingsMessage{
		AlertRadius:        p.AlertRadius,
		AlertType:          string(p.AlertType),
		SoundType:          p.SoundType,
		Volume:             p.Volume,
		RepeatCount:        p.RepeatCount,
		RequireInteraction: p.RequireInteraction,
		VibrationPatternMs: p.VibrationPatternMs,
	}
}

// GetSettings returns the stored alert preferences
func (s *Server) GetSettings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prefs, err := s.tracker.Settings()
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(newSettingsMessage(prefs))
}

// settingsUpdate holds the fields a caller changes; absent fields keep their value
type settingsUpdate struct {
	AlertRadius        *int    `json:"alert_radius"`
	AlertType          *string `json:"alert_type"`
	SoundType          *string `json:"sound_type"`
	Volume             *int    `json:"volume"`
	RepeatCount        *int    `json:"repeat_count"`
	RequireInteraction *bool   `json:"require_interaction"`
	VibrationPatternMs []int   `json:"vibration_pattern_ms"`
}

// UpdateSettings overlays the given fields on the stored preferences
func (s *Server) UpdateSettings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in settingsUpdate
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	prefs, err := s.tracker.Settings()
	if err != nil {
		return nil, toStatus(err)
	}
	if in.AlertRadius != nil {
		prefs.AlertRadius = *in.AlertRadius
	}
	if in.AlertType != nil {
		prefs.AlertType = settings.AlertType(*in.AlertType)
	}
	if in.SoundType != nil {
		prefs.SoundType = *in.SoundType
	}
	if in.Volume != nil {
		prefs.Volume = *in.Volume
	}
	if in.RepeatCount != nil {
		prefs.RepeatCount = *in.RepeatCount
	}
	if in.RequireInteraction != nil {
		prefs.RequireInteraction = *in.RequireInteraction
	}
	if in.VibrationPatternMs != nil {
		prefs.VibrationPatternMs = in.VibrationPatternMs
	}
	if err := s.tracker.SaveSettings(prefs); err != nil {
		return nil, toStatus(err)
	}
	log.Info().Int("alert_radius", prefs.AlertRadius).Str("alert_type", string(prefs.AlertType)).Msg("Settings updated")
	return encode(newSettingsMessage(prefs))
}

type testAlertRequest struct {
	DeviceID  string `json:"device_id" validate:"required,max=128"`
	PushToken string `json:"push_token"`
	Channel   string `json:"channel" validate:"omitempty,oneof=sound vibration notification"`
}

// TestAlert plays one cycle of an alert on a device with the stored preferences
func (s *Server) TestAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in testAlertRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	var ch alert.Channel
	if in.Channel != "" {
		parsed, err := alert.ParseChannel(in.Channel)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		ch = parsed
	}
	res, err := s.tracker.TestAlert(ctx, in.DeviceID, in.PushToken, ch)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"device_id": in.DeviceID, "alert": bus.NewAlertMessage(res)})
}
