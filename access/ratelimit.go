package access

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = time.Minute
)

type bucket struct {
	start time.Time
	count int
}

// RateLimiter allows at most limit hits per key within a fixed window that
// opens on the key's first hit. Keys are compared case-insensitively.
type RateLimiter struct {
	mtx     sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket

	Now func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		Now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(key string) bool {
	key = strings.ToLower(key)
	now := r.Now()

	r.mtx.Lock()
	defer r.mtx.Unlock()
	b, ok := r.buckets[key]
	if !ok || now.Sub(b.start) >= r.window {
		r.buckets[key] = &bucket{start: now, count: 1}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// Prune drops buckets whose window has elapsed.
func (r *RateLimiter) Prune() int {
	now := r.Now()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := 0
	for k, b := range r.buckets {
		if now.Sub(b.start) >= r.window {
			delete(r.buckets, k)
			n++
		}
	}
	return n
}

func (r *RateLimiter) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.buckets)
}
