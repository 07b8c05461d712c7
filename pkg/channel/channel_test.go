package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/lapd-go/pkg/frame"
)

type recordingReceiver struct {
	mu            sync.Mutex
	frames        []*frame.Frame
	activations   int
	deactivations int
}

func (r *recordingReceiver) PHDataIndication(f *frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingReceiver) PHActivateIndication() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations++
}

func (r *recordingReceiver) PHDeactivateIndication() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivations++
}

func (r *recordingReceiver) received() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.Frame(nil), r.frames...)
}

func (r *recordingReceiver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activations, r.deactivations
}

func openPair(t *testing.T) (*Channel, *Channel, *recordingReceiver, *recordingReceiver, *PipeChannel) {
	t.Helper()
	pa, pb := Pipe()
	a := New("a", pa, nil)
	b := New("b", pb, nil)
	ra, rb := &recordingReceiver{}, &recordingReceiver{}
	a.SetReceiver(ra)
	b.SetReceiver(rb)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, ra, rb, pa
}

func TestChannel_SendFrame(t *testing.T) {
	a, b, _, rb, _ := openPair(t)

	a.SendFrame(frame.NewU(0, 64, true, frame.SABME, true, nil))
	a.SendFrame(frame.NewI(0, 64, true, 3, 5, false, []byte("setup")))

	require.Eventually(t, func() bool { return len(rb.received()) == 2 }, time.Second, 5*time.Millisecond)

	got := rb.received()
	assert.Equal(t, frame.SABME, got[0].U)
	assert.True(t, got[0].PF)
	assert.Equal(t, frame.KindI, got[1].Kind)
	assert.Equal(t, uint8(3), got[1].NS)
	assert.Equal(t, uint8(5), got[1].NR)
	assert.Equal(t, []byte("setup"), got[1].Info)

	assert.Eventually(t, func() bool { return a.GetStatistics().GetFramesTx() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), b.GetStatistics().GetFramesRx())
}

func TestChannel_WriteWaits(t *testing.T) {
	a, _, _, rb, _ := openPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Write(ctx, frame.NewS(0, 64, false, frame.RR, 1, true)))

	require.Eventually(t, func() bool { return len(rb.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, frame.RR, rb.received()[0].S)
}

func TestChannel_FlushDrainsQueue(t *testing.T) {
	a, _, _, rb, _ := openPair(t)

	for n := uint8(0); n < 5; n++ {
		a.SendFrame(frame.NewS(0, 64, false, frame.RR, n, false))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Flush(ctx))
	assert.Equal(t, uint64(5), a.GetStatistics().GetFramesTx())
	require.Eventually(t, func() bool { return len(rb.received()) == 5 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Flush(ctx), ErrChannelClosed)
}

type informedReceiver struct {
	recordingReceiver
	infoMu sync.Mutex
	info   []bool
}

func (r *informedReceiver) MPHInformationIndication(connected bool) {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	r.info = append(r.info, connected)
}

func (r *informedReceiver) states() []bool {
	r.infoMu.Lock()
	defer r.infoMu.Unlock()
	return append([]bool(nil), r.info...)
}

func TestChannel_InformationIndication(t *testing.T) {
	pa, pb := Pipe()
	a := New("a", pa, nil)
	b := New("b", pb, nil)
	rb := &informedReceiver{}
	a.SetReceiver(&recordingReceiver{})
	b.SetReceiver(rb)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())
	defer b.Close()

	assert.Equal(t, []bool{true}, rb.states())
	act, _ := rb.counts()
	assert.Equal(t, 1, act)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(rb.states()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rb.states())
}

func TestChannel_Activation(t *testing.T) {
	a, _, ra, rb, _ := openPair(t)

	act, deact := ra.counts()
	assert.Equal(t, 1, act)
	assert.Zero(t, deact)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		_, d := rb.counts()
		return d == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_BadFramesCounted(t *testing.T) {
	_, b, _, rb, pa := openPair(t)

	// EA bit of the first address octet set
	require.NoError(t, pa.Write(context.Background(), []byte{0x01, 0x01, 0x03}))
	require.Eventually(t, func() bool { return b.GetStatistics().GetBadFrames() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rb.received())
}

func TestChannel_Tap(t *testing.T) {
	a, b, _, rb, _ := openPair(t)

	var mu sync.Mutex
	var out, in [][]byte
	a.SetTap(func(outgoing bool, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if outgoing {
			out = append(out, data)
		}
	})
	b.SetTap(func(outgoing bool, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if !outgoing {
			in = append(in, data)
		}
	})

	a.SendFrame(frame.NewU(frame.SAPIManagement, frame.BroadcastTEI, false, frame.UI, false, []byte{0x0F}))
	require.Eventually(t, func() bool { return len(rb.received()) == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	assert.Equal(t, out[0], in[0])
}

func TestChannel_ClosedDrops(t *testing.T) {
	pa, _ := Pipe()
	c := New("c", pa, nil)
	c.SendFrame(frame.NewU(0, 0, true, frame.SABME, true, nil))
	assert.Equal(t, uint64(1), c.GetStatistics().GetDroppedTx())
	assert.ErrorIs(t, c.Write(context.Background(), frame.NewU(0, 0, true, frame.DISC, true, nil)), ErrChannelClosed)

	require.NoError(t, c.Open())
	assert.ErrorIs(t, c.Open(), ErrChannelOpen)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Open(), ErrChannelClosed)
	assert.Equal(t, ChannelStateClosed, c.State())
}

func TestPipe_Filter(t *testing.T) {
	pa, pb := Pipe()
	pa.SetFilter(func(data []byte) bool { return len(data) > 3 })

	ctx := context.Background()
	require.NoError(t, pa.Write(ctx, []byte{0x00, 0x01, 0x7F}))
	require.NoError(t, pa.Write(ctx, []byte{0x00, 0x01, 0x00, 0x00}))
	assert.Equal(t, uint64(1), pa.Dropped())

	got, err := pb.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	require.NoError(t, pb.Close())
	assert.ErrorIs(t, pa.Write(ctx, []byte{0x00, 0x01, 0x03}), ErrChannelClosed)
	_, err = pb.Read(ctx)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestStatistics_Reset(t *testing.T) {
	s := NewStatistics()
	s.FrameTx()
	s.FrameRx()
	s.BadFrame()
	s.Activation()
	assert.Equal(t, uint64(1), s.GetFramesTx())
	assert.Equal(t, uint64(1), s.GetActivations())

	s.Reset()
	assert.Zero(t, s.GetFramesTx())
	assert.Zero(t, s.GetFramesRx())
	assert.Zero(t, s.GetBadFrames())
	assert.Zero(t, s.GetActivations())
}
