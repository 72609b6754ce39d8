package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/metrics"
)

// errNotLocation marks OwnTracks messages that carry no position (waypoints, cards, ...)
var errNotLocation = errors.New("not a location message")

// OwnTracksLocation is the OwnTracks location payload. Velocity is in km/h and
// course over ground in degrees.
type OwnTracksLocation struct {
	Type      string   `json:"_type"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Acc       *float64 `json:"acc,omitempty"`
	Alt       *float64 `json:"alt,omitempty"`
	Vel       *float64 `json:"vel,omitempty"`
	Cog       *float64 `json:"cog,omitempty"`
	Tst       int64    `json:"tst"`
	TID       string   `json:"tid,omitempty"`
	Batt      int      `json:"batt,omitempty"`
	Trigger   string   `json:"t,omitempty"`
	Connected string   `json:"conn,omitempty"`
}

// DecodeOwnTracks turns an OwnTracks message into a fix
func DecodeOwnTracks(data []byte) (location.Fix, error) {
	var msg OwnTracksLocation
	if err := json.Unmarshal(data, &msg); err != nil {
		return location.Fix{}, fmt.Errorf("invalid OwnTracks payload: %w", err)
	}
	if msg.Type != "location" {
		return location.Fix{}, fmt.Errorf("%w: %q", errNotLocation, msg.Type)
	}
	if msg.Lat == nil || msg.Lon == nil {
		return location.Fix{}, errors.New("location without coordinates")
	}
	if *msg.Lat < -90 || *msg.Lat > 90 || *msg.Lon < -180 || *msg.Lon > 180 {
		return location.Fix{}, fmt.Errorf("coordinates out of range: %v,%v", *msg.Lat, *msg.Lon)
	}
	if msg.Tst <= 0 {
		return location.Fix{}, errors.New("location without timestamp")
	}

	fix := location.Fix{
		Latitude:  *msg.Lat,
		Longitude: *msg.Lon,
		Accuracy:  msg.Acc,
		Altitude:  msg.Alt,
		Heading:   msg.Cog,
		Timestamp: time.Unix(msg.Tst, 0).UTC(),
	}
	if msg.Vel != nil && *msg.Vel >= 0 {
		fix.Speed = location.Float(*msg.Vel / 3.6)
	}
	return fix, nil
}

// DeviceFromSubject extracts the device of an owntracks.<user>.<device> subject
func DeviceFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectOwnTracks || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	return parts[2], nil
}

// Ingest feeds OwnTracks locations received over NATS into the per-device feeds
type Ingest struct {
	registry *location.Registry
	sub      *nats.Subscription
}

// NewIngest creates an ingest publishing into registry
func NewIngest(registry *location.Registry) *Ingest {
	return &Ingest{registry: registry}
}

// Subscribe starts consuming owntracks.*.* on nc
func (in *Ingest) Subscribe(nc *nats.Conn) error {
	sub, err := nc.Subscribe(SubjectOwnTracks+".*.*", func(msg *nats.Msg) {
		_ = in.HandleMessage(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to OwnTracks locations: %w", err)
	}
	in.sub = sub
	log.Info().Str("subject", sub.Subject).Msg("Ingesting OwnTracks locations")
	return nil
}

// HandleMessage publishes one OwnTracks message to its device feed
func (in *Ingest) HandleMessage(subject string, data []byte) error {
	deviceID, err := DeviceFromSubject(subject)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Msg("Dropping location message")
		return err
	}

	fix, err := DecodeOwnTracks(data)
	switch {
	case errors.Is(err, errNotLocation):
		metrics.IngestMessages.WithLabelValues("ignored").Inc()
		return nil
	case err != nil:
		metrics.IngestMessages.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Dropping location message")
		return err
	}

	in.registry.Feed(deviceID).Publish(fix)
	metrics.IngestMessages.WithLabelValues("accepted").Inc()
	log.Debug().Str("device_id", deviceID).Stringer("fix", fix).Msg("Location ingested")
	return nil
}

// Close stops consuming
func (in *Ingest) Close() error {
	if in.sub == nil {
		return nil
	}
	return in.sub.Unsubscribe()
}
