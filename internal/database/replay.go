package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// errReplayEmpty is reported when there is nothing to replay
var errReplayEmpty = fmt.Errorf("no recorded locations to replay")

// ReplayOption configures a Replay
type ReplayOption func(*Replay)

// WithReplayClock sets the clock pacing the replay
func WithReplayClock(c clockwork.Clock) ReplayOption {
	return func(r *Replay) { r.clock = c }
}

// WithSpeedup plays the recording factor times faster than it was recorded
func WithSpeedup(factor float64) ReplayOption {
	return func(r *Replay) {
		if factor > 0 {
			r.speedup = factor
		}
	}
}

// Replay is a location source that plays back recorded fixes with their original
// spacing. The first fix answers CurrentPosition; a watch delivers the rest and
// ends when the recording does.
type Replay struct {
	fixes   []location.Fix
	clock   clockwork.Clock
	speedup float64
}

// NewReplay creates a replay of locations, which must be in time order
func NewReplay(locations []Location, opts ...ReplayOption) *Replay {
	r := &Replay{
		clock:   clockwork.NewRealClock(),
		speedup: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.fixes = make([]location.Fix, 0, len(locations))
	for _, loc := range locations {
		r.fixes = append(r.fixes, LocationFix(loc))
	}
	return r
}

// LoadReplay reads a day of recorded locations of deviceID into a replay
func (c *Client) LoadReplay(ctx context.Context, date, deviceID string, opts ...ReplayOption) (*Replay, error) {
	locations, err := c.GetLocationsByDate(ctx, date, deviceID)
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, fmt.Errorf("no locations found for date %s", date)
	}
	return NewReplay(locations, opts...), nil
}

// ReplayPrefix marks device ids that replay a recorded day, e.g.
// "replay:2026-01-24:phone"
const ReplayPrefix = "replay:"

// replayLoadTimeout bounds the query loading a recording
const replayLoadTimeout = 10 * time.Second

// ReplayResolver resolves replay device ids to recordings and everything else to
// the fallback.
type ReplayResolver struct {
	client   *Client
	fallback tracking.SourceResolver
	opts     []ReplayOption
}

// NewReplayResolver creates a resolver loading recordings from client
func NewReplayResolver(client *Client, fallback tracking.SourceResolver, opts ...ReplayOption) *ReplayResolver {
	return &ReplayResolver{client: client, fallback: fallback, opts: opts}
}

// ParseReplayID splits "replay:<date>:<device>". The device may be empty to replay
// every device of the day.
func ParseReplayID(id string) (date, deviceID string, ok bool) {
	rest, found := strings.CutPrefix(id, ReplayPrefix)
	if !found {
		return "", "", false
	}
	date, deviceID, _ = strings.Cut(rest, ":")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", "", false
	}
	return date, deviceID, true
}

var _ tracking.SourceResolver = (*ReplayResolver)(nil)

// Source resolves a device id to its location source
func (r *ReplayResolver) Source(deviceID string) (location.Source, error) {
	date, device, ok := ParseReplayID(deviceID)
	if !ok {
		if strings.HasPrefix(deviceID, ReplayPrefix) {
			return nil, location.NewError(location.KindPositionUnavailable, fmt.Errorf("malformed replay id %q", deviceID))
		}
		if r.fallback == nil {
			return nil, location.NewError(location.KindUnsupportedCapability, fmt.Errorf("no live source for %q", deviceID))
		}
		return r.fallback.Source(deviceID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), replayLoadTimeout)
	defer cancel()
	replay, err := r.client.LoadReplay(ctx, date, device, r.opts...)
	if err != nil {
		return nil, location.AsError(err, location.KindPositionUnavailable)
	}
	return replay, nil
}

// LocationFix converts a recorded OwnTracks location. Velocity is recorded in km/h.
func LocationFix(loc Location) location.Fix {
	fix := location.Fix{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Timestamp: loc.CreatedAt.UTC(),
	}
	if loc.Timestamp > 0 {
		fix.Timestamp = time.Unix(loc.Timestamp, 0).UTC()
	}
	if loc.Accuracy >= 0 {
		fix.Accuracy = location.Float(float64(loc.Accuracy))
	}
	if loc.Altitude >= 0 {
		fix.Altitude = location.Float(float64(loc.Altitude))
	}
	if loc.Velocity >= 0 {
		fix.Speed = location.Float(float64(loc.Velocity) / 3.6)
	}
	return fix
}

// Len returns the number of fixes in the recording
func (r *Replay) Len() int {
	return len(r.fixes)
}

// CurrentPosition returns the first recorded fix
func (r *Replay) CurrentPosition(ctx context.Context) (location.Fix, error) {
	if len(r.fixes) == 0 {
		return location.Fix{}, location.NewError(location.KindPositionUnavailable, errReplayEmpty)
	}
	if err := ctx.Err(); err != nil {
		return location.Fix{}, err
	}
	return r.fixes[0], nil
}

// Watch plays the fixes after the first one
func (r *Replay) Watch(ctx context.Context) (location.Subscription, error) {
	if len(r.fixes) == 0 {
		return nil, location.NewError(location.KindPositionUnavailable, errReplayEmpty)
	}
	sub := &replaySubscription{
		ch:   make(chan location.Update, 1),
		done: make(chan struct{}),
	}
	go r.play(ctx, sub)
	return sub, nil
}

func (r *Replay) play(ctx context.Context, sub *replaySubscription) {
	defer sub.Unsubscribe()

	for i := 1; i < len(r.fixes); i++ {
		gap := r.fixes[i].Timestamp.Sub(r.fixes[i-1].Timestamp)
		if gap > 0 {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-r.clock.After(time.Duration(float64(gap) / r.speedup)):
			}
		}
		if !sub.send(location.Update{Fix: r.fixes[i]}) {
			return
		}
	}
}

type replaySubscription struct {
	ch   chan location.Update
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *replaySubscription) Updates() <-chan location.Update {
	return s.ch
}

func (s *replaySubscription) send(u location.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- u:
		return true
	case <-s.done:
		return false
	}
}

func (s *replaySubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
