package location

import (
	"sort"
	"sync"
)

// Registry hands out one Feed per device
type Registry struct {
	mu    sync.Mutex
	feeds map[string]*Feed
	opts  []FeedOption
}

// NewRegistry creates a registry whose feeds are built with opts
func NewRegistry(opts ...FeedOption) *Registry {
	return &Registry{
		feeds: make(map[string]*Feed),
		opts:  opts,
	}
}

// Feed returns the feed of deviceID, creating it on first use
func (r *Registry) Feed(deviceID string) *Feed {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.feeds[deviceID]; ok {
		return f
	}
	f := NewFeed(deviceID, r.opts...)
	r.feeds[deviceID] = f
	return f
}

// Source returns the feed of deviceID as a Source
func (r *Registry) Source(deviceID string) (Source, error) {
	return r.Feed(deviceID), nil
}

// Devices lists the known device ids in order
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.feeds))
	for id := range r.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every feed
func (r *Registry) Close() {
	r.mu.Lock()
	feeds := r.feeds
	r.feeds = make(map[string]*Feed)
	r.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
}
