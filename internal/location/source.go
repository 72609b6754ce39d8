package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Update is one delivery from a watch: either a fix or a source failure
type Update struct {
	Fix Fix
	Err error
}

// Subscription is an active watch. Unsubscribe is idempotent and, once it returns,
// nothing more is delivered on Updates.
type Subscription interface {
	Updates() <-chan Update
	Unsubscribe()
}

// Source is a provider of position fixes
type Source interface {
	// CurrentPosition returns one fix, blocking until one is available or ctx ends
	CurrentPosition(ctx context.Context) (Fix, error)
	// Watch starts a continuous subscription. It ends on Unsubscribe or when ctx ends.
	Watch(ctx context.Context) (Subscription, error)
}

// FeedOption configures a Feed
type FeedOption func(*Feed)

// WithMaxAge sets how old the last published fix may be and still answer CurrentPosition
func WithMaxAge(d time.Duration) FeedOption {
	return func(f *Feed) { f.maxAge = d }
}

// WithBuffer sets the per-subscription buffer size
func WithBuffer(n int) FeedOption {
	return func(f *Feed) { f.buffer = n }
}

// WithClock sets the clock used to age the last fix
func WithClock(c clockwork.Clock) FeedOption {
	return func(f *Feed) { f.clock = c }
}

// Feed is a push-based Source. Transports publish fixes into it and every active
// subscription receives them in publish order.
type Feed struct {
	name   string
	maxAge time.Duration
	buffer int
	clock  clockwork.Clock

	publishMu sync.Mutex

	mu       sync.Mutex
	subs     map[*feedSubscription]struct{}
	waiters  map[chan Update]struct{}
	last     *Fix
	lastSeen time.Time
	closed   bool
}

// ErrFeedClosed is returned by a closed feed
var ErrFeedClosed = errors.New("location feed closed")

// NewFeed creates a feed identified by name (usually the device id)
func NewFeed(name string, opts ...FeedOption) *Feed {
	f := &Feed{
		name:    name,
		maxAge:  time.Second,
		buffer:  64,
		clock:   clockwork.NewRealClock(),
		subs:    make(map[*feedSubscription]struct{}),
		waiters: make(map[chan Update]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the feed identifier
func (f *Feed) Name() string {
	return f.name
}

// Publish delivers a fix to every subscription. Fixes older than the last published
// one are dropped so subscribers always see non-decreasing timestamps.
func (f *Feed) Publish(fix Fix) {
	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.last != nil && fix.Timestamp.Before(f.last.Timestamp) {
		f.mu.Unlock()
		log.Warn().
			Str("feed", f.name).
			Time("timestamp", fix.Timestamp).
			Time("last_timestamp", f.last.Timestamp).
			Msg("Dropping out-of-order fix")
		return
	}
	last := fix
	f.last = &last
	f.lastSeen = f.clock.Now()
	subs, waiters := f.snapshotLocked()
	f.mu.Unlock()

	f.deliver(Update{Fix: fix}, subs, waiters)
}

// PublishError reports a source failure to every subscription and pending CurrentPosition call
func (f *Feed) PublishError(err error) {
	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	subs, waiters := f.snapshotLocked()
	f.mu.Unlock()

	f.deliver(Update{Err: AsError(err, KindPositionUnavailable)}, subs, waiters)
}

func (f *Feed) snapshotLocked() ([]*feedSubscription, []chan Update) {
	subs := make([]*feedSubscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	waiters := make([]chan Update, 0, len(f.waiters))
	for w := range f.waiters {
		waiters = append(waiters, w)
		delete(f.waiters, w)
	}
	return subs, waiters
}

func (f *Feed) deliver(u Update, subs []*feedSubscription, waiters []chan Update) {
	for _, w := range waiters {
		w <- u // buffered with capacity 1, each waiter is used once
	}
	for _, s := range subs {
		s.send(u)
	}
}

// CurrentPosition returns the last fix if it is fresh, otherwise waits for the next
// fix. An expired deadline is reported as ErrTimeout.
func (f *Feed) CurrentPosition(ctx context.Context) (Fix, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Fix{}, NewError(KindPositionUnavailable, ErrFeedClosed)
	}
	if f.last != nil && f.clock.Since(f.lastSeen) <= f.maxAge {
		fix := *f.last
		f.mu.Unlock()
		return fix, nil
	}
	w := make(chan Update, 1)
	f.waiters[w] = struct{}{}
	f.mu.Unlock()

	select {
	case u := <-w:
		if u.Err != nil {
			return Fix{}, u.Err
		}
		return u.Fix, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.waiters, w)
		f.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Fix{}, NewError(KindTimeout, ctx.Err())
		}
		return Fix{}, ctx.Err()
	}
}

// Watch subscribes to the feed
func (f *Feed) Watch(ctx context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, NewError(KindPositionUnavailable, ErrFeedClosed)
	}

	s := &feedSubscription{
		feed: f,
		ch:   make(chan Update, f.buffer),
		done: make(chan struct{}),
	}
	f.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()

	return s, nil
}

// Subscribers returns the number of active subscriptions
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription and rejects further use
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs, waiters := f.snapshotLocked()
	f.mu.Unlock()

	for _, w := range waiters {
		w <- Update{Err: NewError(KindPositionUnavailable, ErrFeedClosed)}
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
}

type feedSubscription struct {
	feed *Feed
	ch   chan Update
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *feedSubscription) Updates() <-chan Update {
	return s.ch
}

func (s *feedSubscription) send(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- u:
	case <-s.done:
	}
}

func (s *feedSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)

		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()

		// an in-flight send has observed done and released the lock
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
