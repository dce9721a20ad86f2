package xlink

import (
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

type schedEntry struct {
	deadline time.Time
	fn       func()
}

// TimeoutScheduler tracks many id-keyed deadlines behind one shared timer.
// Instead of one timer object per outstanding request, a single timer is kept
// armed at the nearest upcoming deadline and re-armed after every sweep,
// bounding timer overhead under high concurrent-request volume.
type TimeoutScheduler struct {
	mu        sync.Mutex
	clock     xclock.Clock
	entries   map[string]schedEntry
	timer     *time.Timer
	armedFor  time.Time
	destroyed bool
}

// NewTimeoutScheduler creates an idle scheduler. A nil clock falls back to
// xclock.Default().
func NewTimeoutScheduler(clock xclock.Clock) *TimeoutScheduler {
	if clock == nil {
		clock = xclock.Default()
	}
	return &TimeoutScheduler{
		clock:   clock,
		entries: make(map[string]schedEntry),
	}
}

// Add arms a deadline for id. When the deadline elapses, fn runs once and the
// entry is removed. Re-adding an existing id overwrites its deadline.
func (s *TimeoutScheduler) Add(id string, d time.Duration, fn func()) {
	if id == "" || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	deadline := s.clock.Now().Add(d)
	s.entries[id] = schedEntry{deadline: deadline, fn: fn}

	if s.timer == nil || s.armedFor.IsZero() || deadline.Before(s.armedFor) {
		s.armLocked(deadline)
	}
}

// Remove deletes id without rescheduling; a removed id simply never fires.
func (s *TimeoutScheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Has reports whether id is still armed.
func (s *TimeoutScheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Size returns the count of armed deadlines.
func (s *TimeoutScheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear discards every armed deadline and idles the shared timer.
func (s *TimeoutScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]schedEntry)
	s.idleLocked()
}

// Destroy clears all state and refuses further Adds.
func (s *TimeoutScheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.entries = make(map[string]schedEntry)
	s.idleLocked()
}

// armLocked (re)arms the shared timer for the given deadline.
func (s *TimeoutScheduler) armLocked(deadline time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armedFor = deadline
	wait := deadline.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.fire)
}

func (s *TimeoutScheduler) idleLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedFor = time.Time{}
}

// fire sweeps every elapsed entry, then re-arms for the minimum remaining
// deadline or goes idle. Callbacks run outside the lock and are isolated from
// each other: one panicking callback cannot suppress the rest.
func (s *TimeoutScheduler) fire() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var due []func()
	for id, e := range s.entries {
		if !e.deadline.After(now) {
			due = append(due, e.fn)
			delete(s.entries, id)
		}
	}
	var next time.Time
	for _, e := range s.entries {
		if next.IsZero() || e.deadline.Before(next) {
			next = e.deadline
		}
	}
	if next.IsZero() {
		s.idleLocked()
	} else {
		s.armLocked(next)
	}
	s.mu.Unlock()

	for _, fn := range due {
		func() {
			defer func() { _ = recover() }()
			fn()
		}()
	}
}
