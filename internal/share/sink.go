package share

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/tracking"
)

const (
	sinkBuffer  = 256
	callTimeout = 2 * time.Second
)

// Sink shares the positions of every tracking session. It is a tracking.EventSink;
// Redis calls run on its own goroutine in event order.
type Sink struct {
	svc *Service
	ttl time.Duration

	events chan tracking.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	shares map[string]string // session id -> share id
}

// NewSink starts a sink whose shares stay readable for ttl
func NewSink(svc *Service, ttl time.Duration) *Sink {
	s := &Sink{
		svc:    svc,
		ttl:    ttl,
		events: make(chan tracking.Event, sinkBuffer),
		done:   make(chan struct{}),
		shares: make(map[string]string),
	}
	go s.run()
	return s
}

// HandleEvent queues e. Events are dropped when the queue is full.
func (s *Sink) HandleEvent(e tracking.Event) {
	switch e.Type {
	case tracking.EventStarted, tracking.EventPosition, tracking.EventStopped:
	default:
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		log.Warn().Str("session_id", e.SessionID).Str("type", string(e.Type)).Msg("Share queue full, dropping event")
	}
}

// ShareID returns the share opened for a running session
func (s *Sink) ShareID(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.shares[sessionID]
	return id, ok
}

// Close stops the sink once queued events are handled
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.events {
		s.handle(e)
	}
}

func (s *Sink) handle(e tracking.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	switch e.Type {
	case tracking.EventStarted:
		dest := e.Destination
		sh, err := s.svc.Start(ctx, e.SessionID, &dest, s.ttl)
		if err != nil {
			log.Error().Err(err).Str("session_id", e.SessionID).Msg("Failed to start sharing")
			return
		}
		s.mu.Lock()
		s.shares[e.SessionID] = sh.ID
		s.mu.Unlock()
		if e.Fix != nil {
			s.update(ctx, e)
		}

	case tracking.EventPosition:
		if e.Fix != nil {
			s.update(ctx, e)
		}

	case tracking.EventStopped:
		s.mu.Lock()
		id, ok := s.shares[e.SessionID]
		delete(s.shares, e.SessionID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if err := s.svc.Stop(ctx, id); err != nil {
			log.Warn().Err(err).Str("share_id", id).Msg("Failed to stop sharing")
		}
	}
}

func (s *Sink) update(ctx context.Context, e tracking.Event) {
	id, ok := s.ShareID(e.SessionID)
	if !ok {
		return
	}
	if err := s.svc.Update(ctx, id, *e.Fix); err != nil {
		log.Warn().Err(err).Str("share_id", id).Msg("Failed to share position")
	}
}
