package xlink

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// SlidingWindowLimiter bounds operation count within any trailing time window
// using a fixed-capacity circular buffer of timestamps. Both memory and the
// per-acquire work are O(limit) regardless of call volume.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	clock  xclock.Clock
	limit  int
	window time.Duration

	buf   []time.Time
	head  int // index of the oldest live timestamp
	count int // live timestamps in the buffer
}

// NewSlidingWindowLimiter creates a limiter permitting at most limit
// acquisitions within any trailing window. A limit <= 0 disables enforcement.
// A nil clock falls back to xclock.Default().
func NewSlidingWindowLimiter(limit int, window time.Duration, clock xclock.Clock) *SlidingWindowLimiter {
	if clock == nil {
		clock = xclock.Default()
	}
	l := &SlidingWindowLimiter{
		clock:  clock,
		limit:  limit,
		window: window,
	}
	if limit > 0 {
		l.buf = make([]time.Time, limit)
	}
	return l
}

// evictLocked advances the head past timestamps that fell out of the window.
func (l *SlidingWindowLimiter) evictLocked(now time.Time) {
	for l.count > 0 && now.Sub(l.buf[l.head]) >= l.window {
		l.head = (l.head + 1) % l.limit
		l.count--
	}
}

// TryAcquire records one operation if the window has capacity. It returns
// false, without recording, when the window is already full.
func (l *SlidingWindowLimiter) TryAcquire() bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evictLocked(now)
	if l.count >= l.limit {
		return false
	}
	l.buf[(l.head+l.count)%l.limit] = now
	l.count++
	return true
}

// CurrentCount returns the number of operations live in the window.
func (l *SlidingWindowLimiter) CurrentCount() int {
	if l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.clock.Now())
	return l.count
}

// RemainingCapacity returns how many more acquisitions the window permits.
func (l *SlidingWindowLimiter) RemainingCapacity() int {
	if l.limit <= 0 {
		return int(^uint(0) >> 1)
	}
	return l.limit - l.CurrentCount()
}

// IsLimited reports whether the next TryAcquire would be refused.
func (l *SlidingWindowLimiter) IsLimited() bool {
	if l.limit <= 0 {
		return false
	}
	return l.CurrentCount() >= l.limit
}

// Reset discards all recorded timestamps.
func (l *SlidingWindowLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
}
