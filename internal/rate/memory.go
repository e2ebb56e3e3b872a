package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter enforces a fixed-window cap on order placements per
// user. Expired windows are swept at most once per window length so the
// map does not grow with one-off users.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	used    int
	resetAt time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:     limit,
		window:    window,
		buckets:   make(map[string]*bucket),
		nextSweep: time.Now().Add(window),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		l.sweep(now)
		l.nextSweep = now.Add(l.window)
	}

	b := l.buckets[key]
	if b == nil || !now.Before(b.resetAt) {
		l.buckets[key] = &bucket{used: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}

	if b.used >= l.limit {
		wait := b.resetAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait, nil
	}

	b.used++
	return true, 0, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}
