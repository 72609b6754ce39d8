package grpc

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/tracking"
)

// droppable reports whether a slow caller may miss an event of type t. Only UI
// updates qualify; a later update supersedes them.
func droppable(t tracking.EventType) bool {
	return t == tracking.EventPosition || t == tracking.EventDistance
}

// eventQueue buffers session events for a StartTracking caller in order. Past
// limit it evicts the oldest position or distance update; other events are
// always kept.
type eventQueue struct {
	limit int

	mu      sync.Mutex
	items   []tracking.Event
	dropped int
	ready   chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e tracking.Event) {
	q.mu.Lock()
	full := len(q.items) >= q.limit
	if full {
		for i, old := range q.items {
			if droppable(old.Type) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				full = false
				break
			}
		}
	}
	if full && droppable(e.Type) {
		q.dropped++
		q.mu.Unlock()
		log.Debug().Str("session_id", e.SessionID).Msg("Stream behind, dropped a position update")
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes and returns every buffered event
func (q *eventQueue) take() []tracking.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Dropped returns the number of updates dropped so far
func (q *eventQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
