package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/calculator"
	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// FixMessage is a fix on the wire
type FixMessage struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsMessage carries movement metrics
type MetricsMessage struct {
	SpeedKmh        *int     `json:"speed_kmh,omitempty"`
	Heading         *float64 `json:"heading,omitempty"`
	HeadingLabel    string   `json:"heading_label,omitempty"`
	Altitude        *int     `json:"altitude,omitempty"`
	Accuracy        *float64 `json:"accuracy,omitempty"`
	AccuracyQuality string   `json:"accuracy_quality"`
	IsAccurate      bool     `json:"is_accurate"`
	SpeedDerived    bool     `json:"speed_derived,omitempty"`
	HeadingDerived  bool     `json:"heading_derived,omitempty"`
	ETAMinutes      int      `json:"eta_minutes"`
	ETAEstimated    bool     `json:"eta_estimated,omitempty"`
}

// ErrorMessage carries a location error
type ErrorMessage struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TripMessage carries a trip summary
type TripMessage struct {
	DistanceM   int    `json:"distance_m"`
	DurationS   int    `json:"duration_s"`
	AvgSpeedKmh int    `json:"avg_speed_kmh"`
	MaxSpeedKmh int    `json:"max_speed_kmh"`
	Mode        string `json:"mode"`
	Points      int    `json:"points"`
	Arrived     bool   `json:"arrived"`
}

// AlertMessage carries the outcome of an alert trigger
type AlertMessage struct {
	AlertID  string            `json:"alert_id"`
	Ignored  bool              `json:"ignored,omitempty"`
	Channels map[string]string `json:"channels"`
}

// EventMessage is the envelope of a session event
type EventMessage struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	DeviceID    string                `json:"device_id"`
	Type        string                `json:"type"`
	Time        time.Time             `json:"time"`
	DistanceM   int                   `json:"distance_m,omitempty"`
	Fix         *FixMessage           `json:"fix,omitempty"`
	Metrics     *MetricsMessage       `json:"metrics,omitempty"`
	Error       *ErrorMessage         `json:"error,omitempty"`
	StopIndex   int                   `json:"stop_index,omitempty"`
	StopTotal   int                   `json:"stop_total,omitempty"`
	Destination *location.Destination `json:"destination,omitempty"`
	Trip        *TripMessage          `json:"trip,omitempty"`
	Alert       *AlertMessage         `json:"alert,omitempty"`
}

// NewEventMessage converts a session event
func NewEventMessage(e tracking.Event) EventMessage {
	msg := EventMessage{
		ID:        uuid.New().String(),
		SessionID: e.SessionID,
		DeviceID:  e.DeviceID,
		Type:      string(e.Type),
		Time:      e.Time.UTC(),
		DistanceM: e.DistanceM,
		StopIndex: e.StopIndex,
		StopTotal: e.StopTotal,
	}
	if e.Fix != nil {
		msg.Fix = NewFixMessage(*e.Fix)
	}
	if e.Metrics != nil {
		eta := calculator.EstimateArrival(e.DistanceM, e.Metrics.SpeedKmh)
		msg.Metrics = &MetricsMessage{
			SpeedKmh:        e.Metrics.SpeedKmh,
			Heading:         e.Metrics.Heading,
			HeadingLabel:    e.Metrics.HeadingLabel,
			Altitude:        e.Metrics.Altitude,
			Accuracy:        e.Metrics.Accuracy,
			AccuracyQuality: string(e.Metrics.AccuracyQuality),
			IsAccurate:      e.Metrics.IsAccurate,
			SpeedDerived:    e.Metrics.SpeedDerived,
			HeadingDerived:  e.Metrics.HeadingDerived,
			ETAMinutes:      eta.Minutes,
			ETAEstimated:    eta.Estimated,
		}
	}
	if e.Err != nil {
		msg.Error = &ErrorMessage{Kind: e.Err.Kind.String(), Message: e.Err.Message(), Retryable: e.Err.Kind.Retryable()}
	}
	if e.Destination != (location.Destination{}) {
		d := e.Destination
		msg.Destination = &d
	}
	if e.Trip != nil {
		msg.Trip = &TripMessage{
			DistanceM:   e.Trip.DistanceM,
			DurationS:   int(e.Trip.EndedAt.Sub(e.Trip.StartedAt).Seconds()),
			AvgSpeedKmh: e.Trip.AvgSpeedKmh,
			MaxSpeedKmh: e.Trip.MaxSpeedKmh,
			Mode:        string(e.Trip.Mode),
			Points:      e.Trip.Points,
			Arrived:     e.Trip.Arrived,
		}
	}
	if e.Alert != nil {
		msg.Alert = NewAlertMessage(*e.Alert)
	}
	return msg
}

// NewFixMessage converts a fix
func NewFixMessage(f location.Fix) *FixMessage {
	return &FixMessage{
		Lat:       f.Latitude,
		Lng:       f.Longitude,
		Accuracy:  f.Accuracy,
		Altitude:  f.Altitude,
		Heading:   f.Heading,
		Speed:     f.Speed,
		Timestamp: f.Timestamp.UTC(),
	}
}

// NewAlertMessage converts an alert result
func NewAlertMessage(r alert.Result) *AlertMessage {
	msg := &AlertMessage{AlertID: r.AlertID, Ignored: r.Ignored, Channels: make(map[string]string, len(r.Channels))}
	for ch, cr := range r.Channels {
		msg.Channels[string(ch)] = string(cr.Status)
	}
	return msg
}

// EventSubject is the subject a session event is published on
func EventSubject(sessionID string, t tracking.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectSessions, token(sessionID), t)
}

// Publisher publishes session events to NATS. It is a tracking.EventSink.
type Publisher struct {
	conn Conn
	// skip lists event types not worth publishing
	skip map[tracking.EventType]bool
}

// NewPublisher creates a publisher. Events of the skipped types are dropped.
func NewPublisher(conn Conn, skip ...tracking.EventType) *Publisher {
	p := &Publisher{conn: conn, skip: make(map[tracking.EventType]bool)}
	for _, t := range skip {
		p.skip[t] = true
	}
	return p
}

// HandleEvent publishes e. Publishing is buffered by the NATS client and does not block.
func (p *Publisher) HandleEvent(e tracking.Event) {
	if p.skip[e.Type] {
		return
	}

	data, err := json.Marshal(NewEventMessage(e))
	if err != nil {
		log.Error().Err(err).Str("session_id", e.SessionID).Msg("Failed to encode session event")
		return
	}

	subject := EventSubject(e.SessionID, e.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish session event")
		return
	}
	log.Debug().Str("subject", subject).Msg("Session event published")
}
