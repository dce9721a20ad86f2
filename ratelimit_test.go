package xlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowLimiter_EnforcesLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(3, time.Second, nil)

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "fourth acquisition inside the window must be refused")

	assert.Equal(t, 3, l.CurrentCount())
	assert.Equal(t, 0, l.RemainingCapacity())
	assert.True(t, l.IsLimited())
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	l := NewSlidingWindowLimiter(3, 200*time.Millisecond, nil)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire())
	}
	assert.False(t, l.TryAcquire())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, l.CurrentCount())
	assert.Equal(t, 3, l.RemainingCapacity())
	assert.True(t, l.TryAcquire())
}

func TestSlidingWindowLimiter_RefusalDoesNotConsume(t *testing.T) {
	l := NewSlidingWindowLimiter(1, 150*time.Millisecond, nil)

	assert.True(t, l.TryAcquire())
	for i := 0; i < 5; i++ {
		assert.False(t, l.TryAcquire())
	}

	// Only the single recorded acquisition occupies the window; once it ages
	// out, capacity returns even though refusals happened meanwhile.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, l.TryAcquire())
}

func TestSlidingWindowLimiter_DisabledWhenNonPositive(t *testing.T) {
	for _, limit := range []int{0, -1} {
		l := NewSlidingWindowLimiter(limit, time.Second, nil)
		for i := 0; i < 100; i++ {
			assert.True(t, l.TryAcquire())
		}
		assert.False(t, l.IsLimited())
		assert.Equal(t, 0, l.CurrentCount())
		assert.Greater(t, l.RemainingCapacity(), 1<<30)
	}
}

func TestSlidingWindowLimiter_Reset(t *testing.T) {
	l := NewSlidingWindowLimiter(2, time.Second, nil)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	l.Reset()
	assert.Equal(t, 0, l.CurrentCount())
	assert.True(t, l.TryAcquire())
}
