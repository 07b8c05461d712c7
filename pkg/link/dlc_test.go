package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/timer"
)

const testTEI = 64

type fakeLower struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (l *fakeLower) SendFrame(f *frame.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

// take returns and clears the frames sent so far
func (l *fakeLower) take() []*frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.frames
	l.frames = nil
	return out
}

func (l *fakeLower) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

type fakeRequester struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRequester) RequestTEI(d *DLC) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

type harness struct {
	t      *testing.T
	clock  *timer.Manual
	lower  *fakeLower
	params SAPParams
	dlc    *DLC

	mu   sync.Mutex
	inds []Indication
}

// newHarness binds a network side connection on SAPI 0
func newHarness(t *testing.T, tei uint8, tune func(p *SAPParams)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  timer.NewManual(time.Unix(0, 0)),
		lower:  &fakeLower{},
		params: DefaultSAPParams(frame.SAPICallControl),
	}
	if tune != nil {
		tune(&h.params)
	}
	d, err := New(Config{
		SAPI:      frame.SAPICallControl,
		TEI:       tei,
		Role:      frame.RoleNetwork,
		Params:    &h.params,
		Scheduler: h.clock,
		Lower:     h.lower,
		OnIndication: func(_ *DLC, ind Indication) {
			h.mu.Lock()
			h.inds = append(h.inds, ind)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Bind())
	h.dlc = d
	return h
}

func (h *harness) indications() []Indication {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inds
	h.inds = nil
	return out
}

func (h *harness) primitives() []Primitive {
	var out []Primitive
	for _, ind := range h.indications() {
		out = append(out, ind.Primitive)
	}
	return out
}

// Frames from the user side peer

func (h *harness) peerU(fn frame.UFunction, command, pf bool) {
	h.dlc.ReceiveFrame(frame.NewU(frame.SAPICallControl, h.dlc.TEI(), frame.CRBit(frame.RoleUser, command), fn, pf, nil))
}

func (h *harness) peerS(fn frame.SFunction, command bool, nr uint8, pf bool) {
	h.dlc.ReceiveFrame(frame.NewS(frame.SAPICallControl, h.dlc.TEI(), frame.CRBit(frame.RoleUser, command), fn, nr, pf))
}

func (h *harness) peerI(ns, nr uint8, pf bool, payload []byte) {
	h.dlc.ReceiveFrame(frame.NewI(frame.SAPICallControl, h.dlc.TEI(), frame.CRBit(frame.RoleUser, true), ns, nr, pf, payload))
}

// expect pops exactly one sent frame and checks its kind and function
func (h *harness) expectU(fn frame.UFunction, command, pf bool) *frame.Frame {
	h.t.Helper()
	frames := h.lower.take()
	require.Len(h.t, frames, 1, "frames: %v", frames)
	f := frames[0]
	require.True(h.t, f.Is(fn), "got %s", f)
	assert.Equal(h.t, frame.CRBit(frame.RoleNetwork, command), f.CR, "C/R of %s", f)
	assert.Equal(h.t, pf, f.PF, "P/F of %s", f)
	return f
}

func (h *harness) expectS(fn frame.SFunction, command bool, nr uint8, pf bool) {
	h.t.Helper()
	frames := h.lower.take()
	require.Len(h.t, frames, 1, "frames: %v", frames)
	f := frames[0]
	require.Equal(h.t, frame.KindS, f.Kind, "got %s", f)
	assert.Equal(h.t, fn, f.S, "got %s", f)
	assert.Equal(h.t, frame.CRBit(frame.RoleNetwork, command), f.CR, "C/R of %s", f)
	assert.Equal(h.t, nr, f.NR, "N(R) of %s", f)
	assert.Equal(h.t, pf, f.PF, "P/F of %s", f)
}

func (h *harness) expectNone() {
	h.t.Helper()
	assert.Empty(h.t, h.lower.take())
}

// establish brings the connection into LinkEstablished and drains output
func (h *harness) establish() {
	h.t.Helper()
	require.NoError(h.t, h.dlc.EstablishRequest())
	h.expectU(frame.SABME, true, true)
	h.peerU(frame.UA, false, true)
	require.Equal(h.t, StateLinkEstablished, h.dlc.State())
	h.indications()
	h.lower.take()
}

// expireUntil runs T200 until the connection reaches want
func (h *harness) expireUntil(want State) {
	h.t.Helper()
	for i := 0; i < 4*(h.params.N200+1) && h.dlc.State() != want; i++ {
		h.clock.Advance(h.params.T200)
	}
	require.Equal(h.t, want, h.dlc.State())
}

func iNS(t *testing.T, frames []*frame.Frame) []uint8 {
	t.Helper()
	var out []uint8
	for _, f := range frames {
		require.Equal(t, frame.KindI, f.Kind, "got %s", f)
		out = append(out, f.NS)
	}
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Lower: &fakeLower{}})
	assert.ErrorIs(t, err, ErrInvalidParams)

	p := DefaultSAPParams(0)
	p.K = 0
	_, err = New(Config{Params: &p, Lower: &fakeLower{}})
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = DefaultSAPParams(0)
	_, err = New(Config{Params: &p})
	assert.Error(t, err)
}

func TestBind(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
	assert.ErrorIs(t, h.dlc.Bind(), ErrInvalidState)

	h = newHarness(t, UnassignedTEI, nil)
	assert.Equal(t, StateTeiUnassigned, h.dlc.State())

	require.NoError(t, h.dlc.Listen())
	h.dlc.MDLAssign(70)
	assert.Equal(t, StateListening, h.dlc.State())
	assert.Equal(t, uint8(70), h.dlc.TEI())
}

func TestEstablish_Confirm(t *testing.T) {
	h := newHarness(t, testTEI, nil)

	require.NoError(t, h.dlc.EstablishRequest())
	f := h.expectU(frame.SABME, true, true)
	assert.Equal(t, uint8(testTEI), f.TEI)

	s := h.dlc.Snapshot()
	assert.Equal(t, StateAwaitingEstablish, s.State)
	assert.True(t, s.T200Running)
	assert.True(t, s.L3Initiated)

	h.peerU(frame.UA, false, true)
	s = h.dlc.Snapshot()
	assert.Equal(t, StateLinkEstablished, s.State)
	assert.False(t, s.T200Running)
	assert.True(t, s.T203Running)
	assert.Zero(t, s.VS)
	assert.Zero(t, s.VA)
	assert.Zero(t, s.VR)
	assert.Equal(t, []Primitive{DLEstablishConfirm}, h.primitives())
	assert.Equal(t, uint64(1), h.dlc.Stats().Establishments)
}

func TestEstablish_UAWithoutFinal(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	require.NoError(t, h.dlc.EstablishRequest())
	h.lower.take()

	h.peerU(frame.UA, false, false)
	assert.Equal(t, StateAwaitingEstablish, h.dlc.State())

	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, MDLErrorIndication, inds[0].Primitive)
	assert.Equal(t, ErrorD, inds[0].Code)
}

func TestEstablish_SABMERetransmission(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.N200 = 3 })

	require.NoError(t, h.dlc.EstablishRequest())
	h.expectU(frame.SABME, true, true)

	for i := 1; i <= 3; i++ {
		h.clock.Advance(h.params.T200)
		h.expectU(frame.SABME, true, true)
		s := h.dlc.Snapshot()
		assert.Equal(t, StateAwaitingEstablish, s.State)
		assert.Equal(t, i, s.RC)
	}
	assert.Empty(t, h.indications())

	h.clock.Advance(h.params.T200)
	h.expectNone()
	assert.Equal(t, StateTeiAssigned, h.dlc.State())

	inds := h.indications()
	require.Len(t, inds, 2)
	assert.Equal(t, MDLErrorIndication, inds[0].Primitive)
	assert.Equal(t, ErrorG, inds[0].Code)
	assert.Equal(t, DLReleaseIndication, inds[1].Primitive)
	assert.ErrorIs(t, inds[1].Cause, ErrRetriesExhausted)
	assert.False(t, h.dlc.Snapshot().T200Running)
}

func TestEstablish_Refused(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	require.NoError(t, h.dlc.EstablishRequest())
	h.lower.take()

	h.peerU(frame.DM, false, true)
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, DLReleaseIndication, inds[0].Primitive)
	assert.ErrorIs(t, inds[0].Cause, ErrRefused)
}

func TestEstablish_Blocking(t *testing.T) {
	h := newHarness(t, testTEI, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.dlc.Establish(context.Background())
	}()

	require.Eventually(t, func() bool { return h.lower.count() > 0 }, time.Second, time.Millisecond)
	h.expectU(frame.SABME, true, true)
	h.peerU(frame.UA, false, true)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Establish did not return")
	}
}

func TestEstablish_BlockingCancelled(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.dlc.Establish(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateAwaitingEstablish, h.dlc.State())
}

func TestEstablish_BlockingReleased(t *testing.T) {
	h := newHarness(t, testTEI, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.dlc.Establish(context.Background())
	}()
	require.Eventually(t, func() bool { return h.lower.count() > 0 }, time.Second, time.Millisecond)
	h.peerU(frame.DM, false, true)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRefused)
	case <-time.After(time.Second):
		t.Fatal("Establish did not return")
	}
}

func TestPeerEstablish(t *testing.T) {
	h := newHarness(t, testTEI, nil)

	h.peerU(frame.SABME, true, true)
	h.expectU(frame.UA, false, true)
	s := h.dlc.Snapshot()
	assert.Equal(t, StateLinkEstablished, s.State)
	assert.True(t, s.T203Running)
	assert.Equal(t, []Primitive{DLEstablishIndication}, h.primitives())
}

func TestPeerEstablish_NoUpperLayer(t *testing.T) {
	p := DefaultSAPParams(0)
	lower := &fakeLower{}
	d, err := New(Config{
		TEI:       testTEI,
		Role:      frame.RoleNetwork,
		Params:    &p,
		Scheduler: timer.NewManual(time.Unix(0, 0)),
		Lower:     lower,
	})
	require.NoError(t, err)
	require.NoError(t, d.Bind())

	d.ReceiveFrame(frame.NewU(0, testTEI, frame.CRBit(frame.RoleUser, true), frame.SABME, true, nil))
	frames := lower.take()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Is(frame.DM))
	assert.True(t, frames[0].PF)
	assert.Equal(t, StateTeiAssigned, d.State())

	require.NoError(t, d.Listen())
	d.ReceiveFrame(frame.NewU(0, testTEI, frame.CRBit(frame.RoleUser, true), frame.SABME, true, nil))
	frames = lower.take()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Is(frame.UA))
	assert.Equal(t, StateLinkEstablished, d.State())
}

func TestPeerReestablish(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.K = 3 })
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	h.lower.take()

	h.peerU(frame.SABME, true, true)
	h.expectU(frame.UA, false, true)

	s := h.dlc.Snapshot()
	assert.Equal(t, StateLinkEstablished, s.State)
	assert.Zero(t, s.VS)
	assert.Zero(t, s.Queued)

	inds := h.indications()
	require.Len(t, inds, 2)
	assert.Equal(t, ErrorF, inds[0].Code)
	assert.Equal(t, DLEstablishIndication, inds[1].Primitive)
}

func TestRelease(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	require.NoError(t, h.dlc.ReleaseRequest())
	h.expectU(frame.DISC, true, true)
	s := h.dlc.Snapshot()
	assert.Equal(t, StateAwaitingRelease, s.State)
	assert.True(t, s.T200Running)
	assert.False(t, s.T203Running)

	// Repeated request is ignored
	require.NoError(t, h.dlc.ReleaseRequest())
	h.expectNone()

	h.peerU(frame.UA, false, true)
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
	assert.Equal(t, []Primitive{DLReleaseConfirm}, h.primitives())
}

func TestRelease_Retries(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.N200 = 2 })
	h.establish()

	require.NoError(t, h.dlc.ReleaseRequest())
	h.expectU(frame.DISC, true, true)
	h.clock.Advance(h.params.T200)
	h.expectU(frame.DISC, true, true)
	h.clock.Advance(h.params.T200)
	h.expectU(frame.DISC, true, true)
	h.clock.Advance(h.params.T200)
	h.expectNone()

	assert.Equal(t, StateTeiAssigned, h.dlc.State())
	inds := h.indications()
	require.Len(t, inds, 2)
	assert.Equal(t, ErrorH, inds[0].Code)
	assert.Equal(t, DLReleaseConfirm, inds[1].Primitive)
}

func TestRelease_NotEstablished(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	require.NoError(t, h.dlc.ReleaseRequest())
	h.expectNone()
	assert.Equal(t, []Primitive{DLReleaseConfirm}, h.primitives())
}

func TestRelease_Blocking(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.dlc.Release(context.Background())
	}()
	require.Eventually(t, func() bool { return h.lower.count() > 0 }, time.Second, time.Millisecond)
	h.expectU(frame.DISC, true, true)
	h.peerU(frame.UA, false, true)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Release did not return")
	}
}

func TestPeerRelease(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()
	require.NoError(t, h.dlc.DataRequest([]byte{1, 2}))
	h.lower.take()

	h.peerU(frame.DISC, true, true)
	h.expectU(frame.UA, false, true)

	s := h.dlc.Snapshot()
	assert.Equal(t, StateTeiAssigned, s.State)
	assert.Zero(t, s.Queued)
	assert.False(t, s.T200Running)
	assert.False(t, s.T203Running)
	assert.Equal(t, []Primitive{DLReleaseIndication}, h.primitives())
}

func TestDISC_NotEstablished(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.peerU(frame.DISC, true, true)
	h.expectU(frame.DM, false, true)
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
}

func TestDataRequest_Errors(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.N201 = 4 })
	assert.ErrorIs(t, h.dlc.DataRequest([]byte{1}), ErrNotEstablished)

	h.establish()
	assert.ErrorIs(t, h.dlc.DataRequest(make([]byte, 5)), ErrFrameTooLong)
	assert.NoError(t, h.dlc.DataRequest(make([]byte, 4)))
}

func TestDataRequest_QueueLimit(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) {
		p.K = 1
		p.MaxQueued = 2
	})
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1})) // sent
	require.NoError(t, h.dlc.DataRequest([]byte{2}))
	require.NoError(t, h.dlc.DataRequest([]byte{3}))
	assert.ErrorIs(t, h.dlc.DataRequest([]byte{4}), ErrQueueFull)
}

func TestDataTransfer_Window(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.K = 3 })
	h.establish()

	for i := range 5 {
		require.NoError(t, h.dlc.DataRequest([]byte{byte(i)}))
	}
	frames := h.lower.take()
	assert.Equal(t, []uint8{0, 1, 2}, iNS(t, frames))
	for i, f := range frames {
		assert.Equal(t, []byte{byte(i)}, f.Info)
		assert.Equal(t, frame.CRBit(frame.RoleNetwork, true), f.CR)
		assert.Zero(t, f.NR)
	}

	s := h.dlc.Snapshot()
	assert.Equal(t, 3, s.Unacked)
	assert.Equal(t, 5, s.Queued)
	assert.True(t, s.T200Running)
	assert.False(t, s.T203Running)

	// Acknowledge two, window admits the remaining two
	h.peerS(frame.RR, false, 2, false)
	assert.Equal(t, []uint8{3, 4}, iNS(t, h.lower.take()))
	s = h.dlc.Snapshot()
	assert.Equal(t, uint8(2), s.VA)
	assert.Equal(t, uint8(5), s.VS)
	assert.Equal(t, 3, s.Queued)

	// Full acknowledgement stops T200 and starts T203
	h.peerS(frame.RR, false, 5, false)
	s = h.dlc.Snapshot()
	assert.Zero(t, s.Queued)
	assert.False(t, s.T200Running)
	assert.True(t, s.T203Running)
	assert.Equal(t, uint64(5), h.dlc.Stats().IFramesTx)
}

func TestDataTransfer_QueuedDuringEstablish(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	require.NoError(t, h.dlc.EstablishRequest())
	h.lower.take()

	require.NoError(t, h.dlc.DataRequest([]byte{9}))
	h.expectNone()

	h.peerU(frame.UA, false, true)
	frames := h.lower.take()
	assert.Equal(t, []uint8{0}, iNS(t, frames))
	assert.Equal(t, []byte{9}, frames[0].Info)
}

func TestReceiveI_InSequence(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerI(0, 0, false, []byte("hello"))
	h.expectS(frame.RR, false, 1, false)

	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, DLDataIndication, inds[0].Primitive)
	assert.Equal(t, []byte("hello"), inds[0].Payload)

	h.peerI(1, 0, true, []byte("world"))
	h.expectS(frame.RR, false, 2, true)
	assert.Equal(t, uint8(2), h.dlc.Snapshot().VR)
}

func TestReceiveI_PiggybackedAck(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	h.lower.take()

	// Incoming data triggers our queued frame, which carries the ack
	require.NoError(t, h.dlc.DataRequest([]byte{2}))
	h.peerI(0, 1, false, []byte{0xAA})
	frames := h.lower.take()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.KindI, frames[0].Kind)
	assert.Equal(t, uint8(1), frames[0].NS)
	assert.Equal(t, uint8(1), frames[0].NR)
}

func TestReceiveI_TooLong(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.N201 = 2 })
	h.establish()

	h.peerI(0, 0, false, []byte{1, 2, 3})
	h.expectU(frame.SABME, true, true)
	assert.Equal(t, StateAwaitingEstablish, h.dlc.State())

	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, ErrorO, inds[0].Code)
}

func TestReceiveI_NotEstablished(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.peerI(0, 0, true, []byte{1})
	h.expectU(frame.DM, false, true)
	assert.Empty(t, h.indications())
}

func TestRejectRecovery(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerI(0, 0, false, []byte{0})
	h.peerI(1, 0, false, []byte{1})
	h.lower.take()
	h.indications()
	require.Equal(t, uint8(2), h.dlc.Snapshot().VR)

	// N(S)=3 while 2 is expected
	h.peerI(3, 0, false, []byte{3})
	h.expectS(frame.REJ, false, 2, false)
	s := h.dlc.Snapshot()
	assert.True(t, s.RejectException)
	assert.Equal(t, uint8(2), s.VR)
	assert.Empty(t, h.indications())

	// A second out of sequence frame does not produce another REJ
	h.peerI(4, 0, false, []byte{4})
	h.expectNone()

	// but a poll is still answered
	h.peerI(5, 0, true, []byte{5})
	h.expectS(frame.RR, false, 2, true)
	assert.Equal(t, uint64(1), h.dlc.Stats().RejectsTx)

	// The retransmitted frame clears the exception
	h.peerI(2, 0, false, []byte{2})
	assert.False(t, h.dlc.Snapshot().RejectException)
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, []byte{2}, inds[0].Payload)
}

func TestReceiveREJ_Retransmits(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.K = 7 })
	h.establish()

	for i := range 3 {
		require.NoError(t, h.dlc.DataRequest([]byte{byte(i)}))
	}
	h.lower.take()

	h.peerS(frame.REJ, false, 1, false)
	frames := h.lower.take()
	assert.Equal(t, []uint8{1, 2}, iNS(t, frames))
	assert.Equal(t, []byte{1}, frames[0].Info)
	assert.Equal(t, []byte{2}, frames[1].Info)

	s := h.dlc.Snapshot()
	assert.Equal(t, uint8(1), s.VA)
	assert.Equal(t, uint8(3), s.VS)
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, uint64(2), h.dlc.Stats().Retransmissions)
}

func TestInvalidNR(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerS(frame.RR, false, 5, false)
	h.expectU(frame.SABME, true, true)
	s := h.dlc.Snapshot()
	assert.Equal(t, StateAwaitingEstablish, s.State)
	assert.False(t, s.L3Initiated)

	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, ErrorJ, inds[0].Code)

	// Re-establishment after an error is not confirmed upward
	h.peerU(frame.UA, false, true)
	assert.Equal(t, StateLinkEstablished, h.dlc.State())
	assert.Empty(t, h.indications())
}

func TestPollAnswered(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerS(frame.RR, true, 0, true)
	h.expectS(frame.RR, false, 0, true)
}

func TestTimerRecovery(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.K = 2 })
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	require.NoError(t, h.dlc.DataRequest([]byte{2}))
	h.lower.take()

	h.clock.Advance(h.params.T200)
	h.expectS(frame.RR, true, 0, true)
	s := h.dlc.Snapshot()
	assert.Equal(t, StateTimerRecovery, s.State)
	assert.Zero(t, s.RC)

	// Neither a command nor a response without F leaves recovery
	h.peerS(frame.RR, true, 0, false)
	h.expectNone()
	assert.Equal(t, StateTimerRecovery, h.dlc.State())
	h.peerS(frame.RR, false, 1, false)
	h.expectNone()
	assert.Equal(t, StateTimerRecovery, h.dlc.State())
	assert.Equal(t, uint8(1), h.dlc.Snapshot().VA)

	// Final response acknowledges frame 0 and retransmits frame 1
	h.peerS(frame.RR, false, 1, true)
	frames := h.lower.take()
	assert.Equal(t, []uint8{1}, iNS(t, frames))
	assert.Equal(t, []byte{2}, frames[0].Info)
	assert.Equal(t, StateLinkEstablished, h.dlc.State())
}

func TestTimerRecovery_RejectWaitsForFinal(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.K = 2 })
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	require.NoError(t, h.dlc.DataRequest([]byte{2}))
	h.lower.take()
	h.clock.Advance(h.params.T200)
	h.expectS(frame.RR, true, 0, true)
	require.Equal(t, StateTimerRecovery, h.dlc.State())

	// REJ without F only acknowledges
	h.peerS(frame.REJ, false, 1, false)
	h.expectNone()
	s := h.dlc.Snapshot()
	assert.Equal(t, StateTimerRecovery, s.State)
	assert.Equal(t, uint8(1), s.VA)
	assert.Equal(t, uint8(2), s.VS)
	assert.Zero(t, h.dlc.Stats().Retransmissions)

	h.peerS(frame.RR, false, 1, true)
	frames := h.lower.take()
	assert.Equal(t, []uint8{1}, iNS(t, frames))
	assert.Equal(t, StateLinkEstablished, h.dlc.State())
	assert.Equal(t, uint64(1), h.dlc.Stats().Retransmissions)
}

func TestTimerRecovery_UnsolicitedUA(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.clock.Advance(h.params.T203)
	h.expectS(frame.RR, true, 0, true)
	require.Equal(t, StateTimerRecovery, h.dlc.State())

	h.peerU(frame.UA, false, true)
	h.peerU(frame.UA, false, false)
	inds := h.indications()
	require.Len(t, inds, 2)
	assert.Equal(t, ErrorC, inds[0].Code)
	assert.Equal(t, ErrorD, inds[1].Code)
	h.expectNone()
	s := h.dlc.Snapshot()
	assert.Equal(t, StateTimerRecovery, s.State)
	assert.True(t, s.T200Running)
	assert.Equal(t, uint64(2), h.dlc.Stats().MDLErrors)
}

func TestTimerRecovery_Exhausted(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.N200 = 3 })
	h.establish()

	h.clock.Advance(h.params.T203)
	h.expectS(frame.RR, true, 0, true)
	require.Equal(t, StateTimerRecovery, h.dlc.State())

	for i := 1; i <= 3; i++ {
		h.clock.Advance(h.params.T200)
		h.expectS(frame.RR, true, 0, true)
		assert.Equal(t, i, h.dlc.Snapshot().RC)
	}

	h.clock.Advance(h.params.T200)
	h.expectU(frame.SABME, true, true)
	assert.Equal(t, StateAwaitingEstablish, h.dlc.State())
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, ErrorI, inds[0].Code)
}

func TestT203_Idle(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.clock.Advance(h.params.T203 - time.Millisecond)
	h.expectNone()
	h.clock.Advance(time.Millisecond)
	h.expectS(frame.RR, true, 0, true)

	h.peerS(frame.RR, false, 0, true)
	s := h.dlc.Snapshot()
	assert.Equal(t, StateLinkEstablished, s.State)
	assert.True(t, s.T203Running)
	assert.False(t, s.T200Running)
}

func TestOwnBusy(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	assert.ErrorIs(t, h.dlc.SetOwnBusy(true), ErrNotEstablished)
	h.establish()

	require.NoError(t, h.dlc.SetOwnBusy(true))
	h.expectS(frame.RNR, false, 0, false)

	h.peerI(0, 0, true, []byte{1})
	h.expectS(frame.RNR, false, 0, true)
	assert.Empty(t, h.indications())
	assert.Zero(t, h.dlc.Snapshot().VR)

	// Enquiry reports the busy condition
	h.clock.Advance(h.params.T203)
	h.expectS(frame.RNR, true, 0, true)
	h.peerS(frame.RR, false, 0, true)

	require.NoError(t, h.dlc.SetOwnBusy(false))
	h.expectS(frame.RR, false, 0, false)
}

func TestPeerBusy(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerS(frame.RNR, false, 0, false)
	assert.True(t, h.dlc.Snapshot().PeerBusy)

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	h.expectNone()

	h.peerS(frame.RR, false, 0, false)
	assert.Equal(t, []uint8{0}, iNS(t, h.lower.take()))
}

func TestUnitData(t *testing.T) {
	h := newHarness(t, testTEI, nil)

	require.NoError(t, h.dlc.UnitDataRequest([]byte{7}))
	f := h.expectU(frame.UI, true, false)
	assert.Equal(t, []byte{7}, f.Info)

	h.dlc.ReceiveFrame(frame.NewU(0, testTEI, frame.CRBit(frame.RoleUser, true), frame.UI, false, []byte{8}))
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, DLUnitDataIndication, inds[0].Primitive)
	assert.Equal(t, []byte{8}, inds[0].Payload)
}

func TestUnitData_AwaitsTEI(t *testing.T) {
	h := newHarness(t, UnassignedTEI, nil)
	req := &fakeRequester{}
	h.dlc.requester = req

	require.NoError(t, h.dlc.UnitDataRequest([]byte{1}))
	require.NoError(t, h.dlc.UnitDataRequest([]byte{2}))
	h.expectNone()
	assert.Equal(t, StateAwaitingTei, h.dlc.State())
	assert.Equal(t, 1, req.calls)
	assert.Equal(t, 2, h.dlc.Snapshot().UIQueued)

	h.dlc.MDLAssign(80)
	frames := h.lower.take()
	require.Len(t, frames, 2)
	for i, f := range frames {
		assert.True(t, f.Is(frame.UI))
		assert.Equal(t, uint8(80), f.TEI)
		assert.Equal(t, []byte{byte(i + 1)}, f.Info)
	}
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
}

func TestEstablish_AwaitsTEI(t *testing.T) {
	h := newHarness(t, UnassignedTEI, nil)
	req := &fakeRequester{}
	h.dlc.requester = req

	require.NoError(t, h.dlc.EstablishRequest())
	assert.Equal(t, StateEstablishAwaitingTei, h.dlc.State())
	assert.Equal(t, 1, req.calls)
	h.expectNone()

	h.dlc.MDLAssign(90)
	f := h.expectU(frame.SABME, true, true)
	assert.Equal(t, uint8(90), f.TEI)

	h.peerU(frame.UA, false, true)
	assert.Equal(t, StateLinkEstablished, h.dlc.State())
	assert.Equal(t, []Primitive{DLEstablishConfirm}, h.primitives())
}

func TestEstablish_NoRequester(t *testing.T) {
	h := newHarness(t, UnassignedTEI, nil)

	require.NoError(t, h.dlc.EstablishRequest())
	assert.Equal(t, StateTeiUnassigned, h.dlc.State())
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, DLReleaseIndication, inds[0].Primitive)
	assert.ErrorIs(t, inds[0].Cause, ErrTEIUnavailable)
}

func TestMDLRemove(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()
	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	h.lower.take()

	h.dlc.MDLRemove()
	s := h.dlc.Snapshot()
	assert.Equal(t, StateTeiUnassigned, s.State)
	assert.Equal(t, UnassignedTEI, s.TEI)
	assert.Zero(t, s.Queued)
	assert.False(t, s.T200Running)
	assert.False(t, s.T203Running)

	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, DLReleaseIndication, inds[0].Primitive)
	assert.ErrorIs(t, inds[0].Cause, ErrTEIUnavailable)
	h.expectNone()
}

func TestDeactivate(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.dlc.Deactivate()
	assert.Equal(t, StateTeiAssigned, h.dlc.State())
	assert.Equal(t, []Primitive{DLReleaseIndication}, h.primitives())
	h.expectNone()
}

func TestXID(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.dlc.ReceiveFrame(frame.NewU(0, testTEI, frame.CRBit(frame.RoleUser, true), frame.XID, true, []byte{0x82}))
	h.expectU(frame.XID, false, true)
}

func TestFormatErrors(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	// UA as a command
	h.peerU(frame.UA, true, true)
	inds := h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, ErrorL, inds[0].Code)
	h.expectU(frame.SABME, true, true)
	h.peerU(frame.UA, false, true)
	h.indications()

	// DISC carrying information
	h.dlc.ReceiveFrame(frame.NewU(0, testTEI, frame.CRBit(frame.RoleUser, true), frame.DISC, true, []byte{1}))
	inds = h.indications()
	require.Len(t, inds, 1)
	assert.Equal(t, ErrorM, inds[0].Code)
	assert.Equal(t, StateAwaitingEstablish, h.dlc.State())
}

func TestUnsolicitedResponses(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	h.establish()

	h.peerU(frame.UA, false, true)
	h.peerS(frame.RR, false, 0, true)
	inds := h.indications()
	require.Len(t, inds, 2)
	assert.Equal(t, ErrorC, inds[0].Code)
	assert.Equal(t, ErrorA, inds[1].Code)
	assert.Equal(t, StateLinkEstablished, h.dlc.State())
	assert.Equal(t, uint64(2), h.dlc.Stats().MDLErrors)
}

func TestRelease_ResetsSequence(t *testing.T) {
	h := newHarness(t, testTEI, func(p *SAPParams) { p.MaxQueued = 1 })
	h.establish()

	require.NoError(t, h.dlc.DataRequest([]byte{1}))
	require.NoError(t, h.dlc.DataRequest([]byte{2}))
	assert.Equal(t, []uint8{0, 1}, iNS(t, h.lower.take()))

	h.peerU(frame.DISC, true, true)
	h.expectU(frame.UA, false, true)
	assert.Equal(t, []Primitive{DLReleaseIndication}, h.primitives())
	s := h.dlc.Snapshot()
	assert.Equal(t, StateTeiAssigned, s.State)
	assert.Equal(t, s.VA, s.VS)
	assert.Zero(t, s.Unacked)
	assert.Zero(t, s.Queued)

	// Queued frames are bounded again on the next establishment
	require.NoError(t, h.dlc.EstablishRequest())
	h.expectU(frame.SABME, true, true)
	require.NoError(t, h.dlc.DataRequest([]byte{3}))
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, h.dlc.DataRequest([]byte{4}), ErrQueueFull)
	}
	s = h.dlc.Snapshot()
	assert.Equal(t, 1, s.Queued)
	assert.Zero(t, s.Unacked)

	h.peerU(frame.UA, false, true)
	assert.Equal(t, []uint8{0}, iNS(t, h.lower.take()))
}

func TestRelease_ResetsSequenceOnEveryExit(t *testing.T) {
	cases := []struct {
		name    string
		release func(h *harness)
	}{
		{"deactivate", func(h *harness) { h.dlc.Deactivate() }},
		{"remove", func(h *harness) { h.dlc.MDLRemove() }},
		{"retries", func(h *harness) {
			h.expireUntil(StateAwaitingEstablish)
			h.expireUntil(StateTeiAssigned)
		}},
		{"refused", func(h *harness) {
			h.expireUntil(StateAwaitingEstablish)
			h.peerU(frame.DM, false, true)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testTEI, nil)
			h.establish()
			require.NoError(t, h.dlc.DataRequest([]byte{1}))
			require.NoError(t, h.dlc.DataRequest([]byte{2}))
			h.lower.take()

			tc.release(h)
			s := h.dlc.Snapshot()
			assert.False(t, s.State.Established(), "state %s", s.State)
			assert.Zero(t, s.VS)
			assert.Zero(t, s.VA)
			assert.Zero(t, s.Unacked)
			assert.Zero(t, s.Queued)
		})
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, testTEI, nil)
	require.NoError(t, h.dlc.EstablishRequest())

	h.dlc.Close()
	assert.Equal(t, StateNull, h.dlc.State())
	assert.Zero(t, h.clock.Pending())
	assert.ErrorIs(t, h.dlc.EstablishRequest(), ErrInvalidState)
}
