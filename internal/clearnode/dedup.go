package clearnode

import (
	"sync"
	"time"
)

// recentIDs remembers request ids that were already answered or abandoned so
// late and duplicate responses can be dropped instead of being mistaken for
// pushes. Entries expire after ttl.
type recentIDs struct {
	mu    sync.Mutex
	seen  map[uint64]time.Time
	ttl   time.Duration
	adds  int
	sweep int
}

func newRecentIDs(ttl time.Duration) *recentIDs {
	return &recentIDs{
		seen:  make(map[uint64]time.Time),
		ttl:   ttl,
		sweep: 256,
	}
}

// add records id as completed.
func (r *recentIDs) add(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.seen[id] = now
	r.adds++
	if r.adds >= r.sweep {
		r.adds = 0
		for k, ts := range r.seen {
			if now.Sub(ts) >= r.ttl {
				delete(r.seen, k)
			}
		}
	}
}

// contains reports whether id completed within the ttl.
func (r *recentIDs) contains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.seen[id]
	return ok && time.Since(ts) < r.ttl
}
