// Package timer provides the delayed, cancellable callbacks used by the
// data-link and TEI management entities.
package timer

import (
	"fmt"
	"time"
)

// Handle is a scheduled callback that can be cancelled
type Handle interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Handle
	Now() time.Time
}

type realScheduler struct{}

// Real returns a Scheduler backed by the runtime timers
func Real() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Handle {
	return time.AfterFunc(d, f)
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

// Timer is a restartable one-shot protocol timer owned by a single entity.
//
// Every Start and Stop advances a generation counter. The expiry callback
// receives the generation it was armed with and the owner passes it to
// Expired under its own lock, so an expiry that raced with Stop or a later
// Start is discarded. All methods must be called with the owner's lock held.
type Timer struct {
	name     string
	sched    Scheduler
	duration time.Duration
	onExpire func(gen uint64)

	gen     uint64
	running bool
	handle  Handle
}

// New creates a stopped timer. onExpire runs on the scheduler's goroutine
// without any lock held.
func New(name string, sched Scheduler, d time.Duration, onExpire func(gen uint64)) *Timer {
	if sched == nil {
		sched = Real()
	}
	return &Timer{
		name:     name,
		sched:    sched,
		duration: d,
		onExpire: onExpire,
	}
}

// Name returns the timer name (T200, T203 ...)
func (t *Timer) Name() string {
	return t.name
}

// Duration returns the configured expiry delay
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// SetDuration changes the delay used by the next Start
func (t *Timer) SetDuration(d time.Duration) {
	t.duration = d
}

// Start arms the timer, restarting it if it is already running
func (t *Timer) Start() {
	t.cancel()
	t.gen++
	t.running = true
	gen := t.gen
	t.handle = t.sched.AfterFunc(t.duration, func() {
		t.onExpire(gen)
	})
}

// Stop disarms the timer. A pending expiry will be ignored.
func (t *Timer) Stop() {
	t.cancel()
	t.gen++
	t.running = false
}

// Running reports whether the timer is armed
func (t *Timer) Running() bool {
	return t.running
}

// Expired validates an expiry for generation gen. It returns true, and
// marks the timer stopped, only when gen is the current armed generation.
func (t *Timer) Expired(gen uint64) bool {
	if !t.running || gen != t.gen {
		return false
	}
	t.running = false
	t.handle = nil
	return true
}

func (t *Timer) cancel() {
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

// String returns string representation of Timer
func (t *Timer) String() string {
	state := "stopped"
	if t.running {
		state = "running"
	}
	return fmt.Sprintf("%s(%v, %s)", t.name, t.duration, state)
}
