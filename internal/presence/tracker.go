// ABOUTME: Thread-safe TTL tracker for presence heartbeats such as typing
// ABOUTME: Users that stop sending heartbeats are swept and reported as timed out

package presence

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a heartbeat keeps a user active.
	DefaultTTL = 10 * time.Second

	// DefaultMaxUsers bounds the tracker; the stalest user is evicted first.
	DefaultMaxUsers = 1024

	minSweepInterval = 10 * time.Millisecond
)

// ExpireFunc is called once for every user that timed out or was evicted.
// It runs without the tracker lock held.
type ExpireFunc func(userID string)

type entry struct {
	lastSeen time.Time
	element  *list.Element
}

// Tracker remembers when each user last sent a heartbeat. Backends without
// native presence timeouts use it to synthesize timeout events: a user who
// announced typing and then went silent is expired after the TTL.
// Uses a doubly-linked list ordered by last heartbeat for O(1) eviction.
type Tracker struct {
	mu       sync.Mutex
	users    map[string]*entry
	order    *list.List // oldest heartbeat at front
	ttl      time.Duration
	maxUsers int
	onExpire ExpireFunc
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// NewTracker creates a tracker and starts its background sweeper. A zero ttl
// or maxUsers uses the defaults. onExpire may be nil.
func NewTracker(ttl time.Duration, maxUsers int, onExpire ExpireFunc) *Tracker {
	t := newTracker(ttl, maxUsers, onExpire, time.Now)
	go t.sweepLoop()
	return t
}

func newTracker(ttl time.Duration, maxUsers int, onExpire ExpireFunc, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	return &Tracker{
		users:    make(map[string]*entry),
		order:    list.New(),
		ttl:      ttl,
		maxUsers: maxUsers,
		onExpire: onExpire,
		now:      now,
		done:     make(chan struct{}),
	}
}

// Touch records a heartbeat for userID. It reports whether the user was not
// already active.
func (t *Tracker) Touch(userID string) bool {
	t.mu.Lock()
	now := t.now()

	if e, ok := t.users[userID]; ok {
		fresh := now.Sub(e.lastSeen) >= t.ttl
		e.lastSeen = now
		t.order.MoveToBack(e.element)
		t.mu.Unlock()
		return fresh
	}

	var evicted string
	if len(t.users) >= t.maxUsers {
		evicted = t.evictOldestLocked()
	}
	t.users[userID] = &entry{lastSeen: now, element: t.order.PushBack(userID)}
	t.mu.Unlock()

	if evicted != "" {
		t.expire(evicted)
	}
	return true
}

// Forget removes userID without reporting a timeout. It reports whether the
// user was tracked.
func (t *Tracker) Forget(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return false
	}
	t.order.Remove(e.element)
	delete(t.users, userID)
	return true
}

// Active reports whether userID has a heartbeat younger than the TTL.
func (t *Tracker) Active(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	return ok && t.now().Sub(e.lastSeen) < t.ttl
}

// Users returns the active users, sorted.
func (t *Tracker) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]string, 0, len(t.users))
	for id, e := range t.users {
		if now.Sub(e.lastSeen) < t.ttl {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep removes every expired user, reports each to the ExpireFunc and
// returns them oldest first.
func (t *Tracker) Sweep() []string {
	t.mu.Lock()
	now := t.now()
	var expired []string
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(t.users[id].lastSeen) < t.ttl {
			break
		}
		t.order.Remove(front)
		delete(t.users, id)
		expired = append(expired, id)
	}
	t.mu.Unlock()

	for _, id := range expired {
		t.expire(id)
	}
	return expired
}

// evictOldestLocked removes the stalest user. Must be called with mu held.
func (t *Tracker) evictOldestLocked() string {
	front := t.order.Front()
	if front == nil {
		return ""
	}
	id, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.users, id)
	return id
}

func (t *Tracker) expire(userID string) {
	if t.onExpire != nil {
		t.onExpire(userID)
	}
}

func (t *Tracker) sweepLoop() {
	interval := max(t.ttl/2, minSweepInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.done:
			return
		}
	}
}

// Close stops the background sweeper. Pending users are dropped without
// being reported. It is safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
