package timer

import (
	"sync"
	"time"

	"avaneesh/lapd-go/pkg/internal/queue"
)

// Manual is a virtual clock. Callbacks only run from Advance or FireNext,
// on the caller's goroutine, in due-time order.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	q   *queue.PriorityQueue
}

// NewManual creates a virtual clock starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{
		now: start,
		q:   queue.NewPriorityQueue(),
	}
}

type manualHandle struct {
	m    *Manual
	item *queue.Item
}

func (h *manualHandle) Stop() bool {
	return h.m.q.Remove(h.item)
}

// AfterFunc schedules f at Now()+d
func (m *Manual) AfterFunc(d time.Duration, f func()) Handle {
	m.mu.Lock()
	due := m.now.Add(d)
	m.mu.Unlock()

	return &manualHandle{m: m, item: m.q.Push(f, 0, due)}
}

// Now returns the virtual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of scheduled callbacks
func (m *Manual) Pending() int {
	return m.q.Len()
}

// Advance moves the clock forward by d, running every callback that falls
// due on the way. Callbacks scheduled by callbacks are honoured if they are
// also due. It returns the number of callbacks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	fired := 0
	for {
		next := m.q.Peek()
		if next == nil || next.NextRun.After(target) {
			break
		}
		due := next.NextRun
		f, _ := m.q.NextReady(target).(func())
		if f == nil {
			break
		}
		m.mu.Lock()
		if due.After(m.now) {
			m.now = due
		}
		m.mu.Unlock()
		f()
		fired++
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
	return fired
}

// FireNext jumps to the earliest scheduled callback and runs it. It
// returns false when nothing is scheduled.
func (m *Manual) FireNext() bool {
	next := m.q.Peek()
	if next == nil {
		return false
	}
	m.mu.Lock()
	d := next.NextRun.Sub(m.now)
	m.mu.Unlock()
	if d < 0 {
		d = 0
	}

	f, _ := m.q.NextReady(next.NextRun).(func())
	if f == nil {
		return false
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
	f()
	return true
}
