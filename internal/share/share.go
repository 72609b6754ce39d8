// Package share publishes live positions of a tracking session to Redis so that
// someone else can follow the trip until it ends or the share expires.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/location"
)

const (
	// MaxPositions is the number of positions kept per share, newest last
	MaxPositions = 100
	// DefaultTTL is how long a share stays readable
	DefaultTTL = time.Hour
)

var (
	// ErrNotFound is returned for unknown or expired shares
	ErrNotFound = errors.New("share not found")
	// ErrInactive is returned when updating a stopped share
	ErrInactive = errors.New("share is no longer active")
)

// Position is one shared position
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Share is the readable state of a share
type Share struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"session_id"`
	Destination *location.Destination `json:"destination,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	LastUpdate  time.Time             `json:"last_update,omitempty"`
	Active      bool                  `json:"active"`
	Positions   []Position            `json:"positions"`
}

// Option configures a Service
type Option func(*Service)

// WithClock sets the clock used for timestamps
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service stores shares in Redis. Each share is a hash with its metadata and a
// capped list of positions; both expire together. Updates are also published on
// share:<id>:updates for live viewers.
type Service struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

// NewService creates a share service on rdb
func NewService(rdb *redis.Client, opts ...Option) *Service {
	s := &Service{rdb: rdb, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func metaKey(id string) string      { return "share:" + id }
func positionsKey(id string) string { return "share:" + id + ":positions" }

// UpdatesChannel is the pub/sub channel of a share's position updates
func UpdatesChannel(id string) string { return "share:" + id + ":updates" }

// Start opens a share of sessionID that stays readable for ttl
func (s *Service) Start(ctx context.Context, sessionID string, dest *location.Destination, ttl time.Duration) (Share, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock.Now().UTC()
	sh := Share{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Destination: dest,
		StartedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
		Positions:   []Position{},
	}

	fields := map[string]any{
		"id":         sh.ID,
		"session_id": sessionID,
		"started_at": now.Format(time.RFC3339Nano),
		"expires_at": sh.ExpiresAt.Format(time.RFC3339Nano),
		"active":     "1",
	}
	if dest != nil {
		data, err := json.Marshal(dest)
		if err != nil {
			return Share{}, fmt.Errorf("encode destination: %w", err)
		}
		fields["destination"] = string(data)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, metaKey(sh.ID), fields)
	pipe.Expire(ctx, metaKey(sh.ID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Share{}, fmt.Errorf("start share: %w", err)
	}

	log.Info().Str("share_id", sh.ID).Str("session_id", sessionID).Dur("ttl", ttl).Msg("Position sharing started")
	return sh, nil
}

// Update appends a position, keeping the newest MaxPositions
func (s *Service) Update(ctx context.Context, id string, fix location.Fix) error {
	meta, err := s.rdb.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read share: %w", err)
	}
	if len(meta) == 0 {
		return ErrNotFound
	}
	if meta["active"] != "1" {
		return ErrInactive
	}

	ttl, err := s.rdb.TTL(ctx, metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read share ttl: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	pos := Position{
		Lat:       fix.Latitude,
		Lng:       fix.Longitude,
		Accuracy:  fix.Accuracy,
		Speed:     fix.Speed,
		Heading:   fix.Heading,
		Timestamp: fix.Timestamp.UTC(),
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, positionsKey(id), data)
	pipe.LTrim(ctx, positionsKey(id), -MaxPositions, -1)
	pipe.Expire(ctx, positionsKey(id), ttl)
	pipe.HSet(ctx, metaKey(id), "last_update", s.clock.Now().UTC().Format(time.RFC3339Nano))
	pipe.Publish(ctx, UpdatesChannel(id), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	return nil
}

// Stop marks the share inactive. It stays readable until it expires.
func (s *Service) Stop(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("read share: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, metaKey(id), "active", "0").Err(); err != nil {
		return fmt.Errorf("stop share: %w", err)
	}
	log.Info().Str("share_id", id).Msg("Position sharing stopped")
	return nil
}

// Get reads a share and its positions
func (s *Service) Get(ctx context.Context, id string) (Share, error) {
	meta, err := s.rdb.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return Share{}, fmt.Errorf("read share: %w", err)
	}
	if len(meta) == 0 {
		return Share{}, ErrNotFound
	}

	sh := Share{
		ID:        meta["id"],
		SessionID: meta["session_id"],
		Active:    meta["active"] == "1",
		StartedAt: parseTime(meta["started_at"]),
		ExpiresAt: parseTime(meta["expires_at"]),
		Positions: []Position{},
	}
	sh.LastUpdate = parseTime(meta["last_update"])
	if raw, ok := meta["destination"]; ok {
		var dest location.Destination
		if err := json.Unmarshal([]byte(raw), &dest); err == nil {
			sh.Destination = &dest
		}
	}

	items, err := s.rdb.LRange(ctx, positionsKey(id), 0, -1).Result()
	if err != nil {
		return Share{}, fmt.Errorf("read positions: %w", err)
	}
	for _, item := range items {
		var pos Position
		if err := json.Unmarshal([]byte(item), &pos); err != nil {
			log.Warn().Err(err).Str("share_id", id).Msg("Skipping malformed shared position")
			continue
		}
		sh.Positions = append(sh.Positions, pos)
	}
	return sh, nil
}

// Remaining formats the time left before the share expires, e.g. "1h 5min"
func Remaining(expiresAt, now time.Time) string {
	left := expiresAt.Sub(now)
	if left <= 0 {
		return "expired"
	}
	hours := int(left / time.Hour)
	minutes := int(left % time.Hour / time.Minute)
	if hours > 0 {
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "min"
	}
	return strconv.Itoa(minutes) + "min"
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
