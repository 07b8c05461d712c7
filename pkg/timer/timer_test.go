package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// owner mimics a protocol entity that guards its timer with a mutex
type owner struct {
	mu    sync.Mutex
	t     *Timer
	fired int
}

func newOwner(sched Scheduler, d time.Duration) *owner {
	o := &owner{}
	o.t = New("T200", sched, d, o.expire)
	return o
}

func (o *owner) expire(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.t.Expired(gen) {
		return
	}
	o.fired++
}

func TestTimer_FiresOnce(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	o := newOwner(clk, time.Second)

	o.mu.Lock()
	o.t.Start()
	assert.True(t, o.t.Running())
	o.mu.Unlock()

	assert.Equal(t, 0, clk.Advance(999*time.Millisecond))
	assert.Equal(t, 1, clk.Advance(time.Millisecond))
	assert.Equal(t, 1, o.fired)
	assert.False(t, o.t.Running())
	assert.Equal(t, 0, clk.Advance(time.Hour))
}

func TestTimer_StopPreventsExpiry(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	o := newOwner(clk, time.Second)

	o.mu.Lock()
	o.t.Start()
	o.t.Stop()
	o.mu.Unlock()

	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, o.fired)
	assert.Equal(t, 0, clk.Pending())
}

func TestTimer_RestartDiscardsStaleGeneration(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	o := newOwner(clk, time.Second)

	o.mu.Lock()
	o.t.Start()
	stale := o.t.gen
	o.t.Start()
	o.mu.Unlock()

	// an expiry already in flight for the first arming is ignored
	o.expire(stale)
	assert.Equal(t, 0, o.fired)
	assert.True(t, o.t.Running())

	clk.Advance(time.Second)
	assert.Equal(t, 1, o.fired)
}

func TestTimer_RaceWithStop(t *testing.T) {
	o := newOwner(Real(), time.Millisecond)

	for i := 0; i < 50; i++ {
		o.mu.Lock()
		o.t.Start()
		o.mu.Unlock()
		time.Sleep(time.Millisecond)
		o.mu.Lock()
		o.t.Stop()
		o.mu.Unlock()
	}
	time.Sleep(5 * time.Millisecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.False(t, o.t.Running())
	assert.LessOrEqual(t, o.fired, 50)
}

func TestManual_FireNext(t *testing.T) {
	start := time.Unix(100, 0)
	clk := NewManual(start)

	var order []string
	clk.AfterFunc(3*time.Second, func() { order = append(order, "T203") })
	clk.AfterFunc(time.Second, func() { order = append(order, "T200") })

	require.True(t, clk.FireNext())
	assert.Equal(t, start.Add(time.Second), clk.Now())
	require.True(t, clk.FireNext())
	assert.Equal(t, start.Add(3*time.Second), clk.Now())
	assert.False(t, clk.FireNext())
	assert.Equal(t, []string{"T200", "T203"}, order)
}
