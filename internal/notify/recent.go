package notify

import "sync"

// DefaultRecentSize is the number of message ids remembered for dedup.
const DefaultRecentSize = 512

// recentIDs remembers the last N message ids in a ring buffer. It is
// goroutine-safe.
type recentIDs struct {
	mu    sync.Mutex
	items []string
	pos   int
	count int
	set   map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &recentIDs{
		items: make([]string, size),
		set:   make(map[string]struct{}, size),
	}
}

// Mark records id and reports whether it was already present. When the ring
// is full the oldest id is forgotten.
func (r *recentIDs) Mark(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; ok {
		return true
	}
	if r.count == len(r.items) {
		delete(r.set, r.items[r.pos])
	} else {
		r.count++
	}
	r.items[r.pos] = id
	r.set[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.items)
	return false
}

// Len returns the number of remembered ids.
func (r *recentIDs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
