// ABOUTME: Tests for the presence heartbeat tracker
// ABOUTME: Validates TTL expiry, refresh, eviction, forget, sweeping and concurrency safety

package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type expireRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *expireRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *expireRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestTracker_TouchMarksActive(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(time.Second, 10, nil, clock.Now)

	assert.True(t, tr.Touch("alice"))
	assert.False(t, tr.Touch("alice"), "second heartbeat within TTL is not new")
	assert.True(t, tr.Active("alice"))
	assert.False(t, tr.Active("bob"))
}

func TestTracker_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	rec := &expireRecorder{}
	tr := newTracker(time.Second, 10, rec.record, clock.Now)

	tr.Touch("alice")
	clock.Advance(500 * time.Millisecond)
	tr.Touch("bob")

	clock.Advance(600 * time.Millisecond)
	assert.False(t, tr.Active("alice"))
	assert.True(t, tr.Active("bob"))

	assert.Equal(t, []string{"alice"}, tr.Sweep())
	assert.Equal(t, []string{"alice"}, rec.got())
	assert.Equal(t, []string{"bob"}, tr.Users())
}

func TestTracker_TouchRefreshesHeartbeat(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(time.Second, 10, nil, clock.Now)

	tr.Touch("alice")
	clock.Advance(800 * time.Millisecond)
	tr.Touch("alice")
	clock.Advance(800 * time.Millisecond)

	assert.True(t, tr.Active("alice"))
	assert.Empty(t, tr.Sweep())
}

func TestTracker_TouchAfterExpiryIsNew(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(time.Second, 10, nil, clock.Now)

	tr.Touch("alice")
	clock.Advance(2 * time.Second)
	assert.True(t, tr.Touch("alice"))
}

func TestTracker_ForgetDoesNotReport(t *testing.T) {
	clock := newFakeClock()
	rec := &expireRecorder{}
	tr := newTracker(time.Second, 10, rec.record, clock.Now)

	tr.Touch("alice")
	assert.True(t, tr.Forget("alice"))
	assert.False(t, tr.Forget("alice"))

	clock.Advance(2 * time.Second)
	assert.Empty(t, tr.Sweep())
	assert.Empty(t, rec.got())
}

func TestTracker_EvictsStalestAtCapacity(t *testing.T) {
	clock := newFakeClock()
	rec := &expireRecorder{}
	tr := newTracker(time.Minute, 2, rec.record, clock.Now)

	tr.Touch("a")
	clock.Advance(time.Millisecond)
	tr.Touch("b")
	clock.Advance(time.Millisecond)
	tr.Touch("a") // a is now the freshest
	clock.Advance(time.Millisecond)
	tr.Touch("c")

	assert.Equal(t, []string{"b"}, rec.got())
	assert.Equal(t, []string{"a", "c"}, tr.Users())
}

func TestTracker_Defaults(t *testing.T) {
	tr := newTracker(0, 0, nil, time.Now)
	assert.Equal(t, DefaultTTL, tr.ttl)
	assert.Equal(t, DefaultMaxUsers, tr.maxUsers)
}

func TestTracker_BackgroundSweep(t *testing.T) {
	rec := &expireRecorder{}
	tr := NewTracker(20*time.Millisecond, 10, rec.record)
	defer tr.Close()

	tr.Touch("alice")

	require.Eventually(t, func() bool {
		return len(rec.got()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, rec.got())
	assert.False(t, tr.Active("alice"))
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	tr := NewTracker(time.Second, 10, nil)
	tr.Close()
	tr.Close()
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(time.Minute, 100, nil)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			for j := range 50 {
				id := fmt.Sprintf("user-%d-%d", i, j%5)
				tr.Touch(id)
				tr.Active(id)
				if j%7 == 0 {
					tr.Forget(id)
				}
			}
		})
	}
	wg.Go(func() {
		for range 20 {
			tr.Sweep()
			tr.Users()
		}
	})
	wg.Wait()
}
