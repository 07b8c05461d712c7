package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/timer"
)

// DLC is one LAPD data link connection, identified by (SAPI, TEI) on an
// interface. All state is guarded by mu; timer expiries and received
// frames take the same lock. Indications and TEI requests produced while
// the lock is held are delivered after it is released.
type DLC struct {
	// Configuration
	sapi      uint8
	role      frame.Role
	params    *SAPParams
	lower     Lower
	requester TEIRequester
	onInd     IndicationCallback
	logger    logger.Logger
	handle    Handle

	// State
	state     State
	tei       uint8
	vs        uint8
	va        uint8
	vr        uint8
	rc        int
	listening bool

	// Exception conditions
	ownBusy         bool
	peerBusy        bool
	rejectException bool
	ackPending      bool
	l3Initiated     bool

	// Queues
	iQueue  [][]byte
	uiQueue [][]byte

	// Timers
	t200 *timer.Timer
	t203 *timer.Timer

	stats Stats

	// Output gathered under mu
	inds       []Indication
	wantTEI    bool
	estWaiters []chan error
	relWaiters []chan error

	// Synchronization
	mu sync.Mutex
}

// New creates a connection in the Null state
func New(cfg Config) (*DLC, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("%w: nil parameter block", ErrInvalidParams)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Lower == nil {
		return nil, errors.New("link: Lower is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.Real()
	}

	d := &DLC{
		sapi:      cfg.SAPI,
		tei:       cfg.TEI,
		role:      cfg.Role,
		params:    cfg.Params,
		lower:     cfg.Lower,
		requester: cfg.TEIRequester,
		onInd:     cfg.OnIndication,
		logger:    cfg.Logger,
		state:     StateNull,
	}
	d.t200 = timer.New("T200", cfg.Scheduler, cfg.Params.T200, d.onT200)
	d.t203 = timer.New("T203", cfg.Scheduler, cfg.Params.T203, d.onT203)
	return d, nil
}

// exec runs fn under the connection lock and then delivers its output
func (d *DLC) exec(fn func() error) error {
	d.mu.Lock()
	err := fn()
	inds := d.inds
	d.inds = nil
	wantTEI := d.wantTEI
	d.wantTEI = false
	d.mu.Unlock()

	if wantTEI {
		if d.requester != nil {
			d.requester.RequestTEI(d)
		} else {
			d.MDLErrorResponse()
		}
	}
	if d.onInd != nil {
		for _, ind := range inds {
			d.onInd(d, ind)
		}
	}
	return err
}

// Bind attaches the connection to its interface. It enters TeiAssigned
// when configured with a TEI and TeiUnassigned otherwise.
func (d *DLC) Bind() error {
	return d.exec(func() error {
		if d.state != StateNull {
			return ErrInvalidState
		}
		if d.tei == UnassignedTEI {
			d.setState(StateTeiUnassigned)
		} else {
			d.setState(StateTeiAssigned)
		}
		return nil
	})
}

// Listen makes the connection accept establishment by the peer
func (d *DLC) Listen() error {
	return d.exec(func() error {
		if d.state == StateNull {
			return ErrInvalidState
		}
		d.listening = true
		if d.state == StateTeiAssigned {
			d.setState(StateListening)
		}
		return nil
	})
}

// EstablishRequest handles DL-ESTABLISH-REQUEST without waiting for the outcome
func (d *DLC) EstablishRequest() error {
	return d.exec(d.establishRequest)
}

// Establish requests multiple frame operation and waits for the
// confirmation, a release, ctx cancellation or the EstablishTimeout.
func (d *DLC) Establish(ctx context.Context) error {
	w := make(chan error, 1)
	err := d.exec(func() error {
		d.estWaiters = append(d.estWaiters, w)
		if err := d.establishRequest(); err != nil {
			d.estWaiters = removeWaiter(d.estWaiters, w)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.wait(ctx, w, &d.estWaiters)
}

// ReleaseRequest handles DL-RELEASE-REQUEST without waiting for the outcome
func (d *DLC) ReleaseRequest() error {
	return d.exec(d.releaseRequest)
}

// Release requests termination of multiple frame operation and waits for
// the confirmation
func (d *DLC) Release(ctx context.Context) error {
	w := make(chan error, 1)
	err := d.exec(func() error {
		d.relWaiters = append(d.relWaiters, w)
		if err := d.releaseRequest(); err != nil {
			d.relWaiters = removeWaiter(d.relWaiters, w)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.wait(ctx, w, &d.relWaiters)
}

func (d *DLC) wait(ctx context.Context, w chan error, list *[]chan error) error {
	timeout := d.params.EstablishTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		d.dropWaiter(w, list)
		return ctx.Err()
	case <-t.C:
		d.dropWaiter(w, list)
		return ErrTimeout
	}
}

func (d *DLC) dropWaiter(w chan error, list *[]chan error) {
	d.mu.Lock()
	*list = removeWaiter(*list, w)
	d.mu.Unlock()
}

func removeWaiter(list []chan error, w chan error) []chan error {
	return slices.DeleteFunc(list, func(c chan error) bool { return c == w })
}

func resolve(list *[]chan error, err error) {
	for _, w := range *list {
		w <- err
	}
	*list = nil
}

// DataRequest queues payload for acknowledged transfer (DL-DATA-REQUEST)
func (d *DLC) DataRequest(payload []byte) error {
	return d.exec(func() error {
		if len(payload) > d.params.N201 {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(payload), d.params.N201)
		}
		switch d.state {
		case StateLinkEstablished, StateTimerRecovery, StateAwaitingEstablish:
		default:
			return ErrNotEstablished
		}
		if d.params.MaxQueued > 0 && d.pending() >= d.params.MaxQueued {
			return ErrQueueFull
		}
		d.iQueue = append(d.iQueue, slices.Clone(payload))
		d.runQueue()
		return nil
	})
}

// UnitDataRequest sends payload in a UI frame (DL-UNIT-DATA-REQUEST). The
// frame is held until a TEI is assigned.
func (d *DLC) UnitDataRequest(payload []byte) error {
	return d.exec(func() error {
		if len(payload) > d.params.N201 {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(payload), d.params.N201)
		}
		switch {
		case d.state.HasTEI():
			d.sendUI(payload)
		case d.state == StateTeiUnassigned:
			d.uiQueue = append(d.uiQueue, slices.Clone(payload))
			d.wantTEI = true
			d.setState(StateAwaitingTei)
		case d.state == StateAwaitingTei || d.state == StateEstablishAwaitingTei:
			d.uiQueue = append(d.uiQueue, slices.Clone(payload))
		default:
			return ErrInvalidState
		}
		return nil
	})
}

// SetOwnBusy sets or clears the own receiver busy condition
func (d *DLC) SetOwnBusy(busy bool) error {
	return d.exec(func() error {
		if !d.state.Established() {
			return ErrNotEstablished
		}
		if d.ownBusy == busy {
			return nil
		}
		d.ownBusy = busy
		if busy {
			d.sendS(frame.RNR, false, false)
		} else {
			d.sendS(frame.RR, false, false)
		}
		d.ackPending = false
		return nil
	})
}

// ReceiveFrame handles a PH-DATA-INDICATION addressed to this connection
func (d *DLC) ReceiveFrame(f *frame.Frame) {
	d.exec(func() error {
		d.receive(f)
		return nil
	})
}

// MDLAssign handles MDL-ASSIGN-REQUEST from TEI management
func (d *DLC) MDLAssign(tei uint8) {
	d.exec(func() error {
		switch d.state {
		case StateTeiUnassigned:
			d.tei = tei
			d.setState(d.idle())
		case StateAwaitingTei:
			d.tei = tei
			d.setState(d.idle())
			d.flushUI()
		case StateEstablishAwaitingTei:
			d.tei = tei
			d.flushUI()
			d.establishDataLink()
			d.l3Initiated = true
			d.setState(StateAwaitingEstablish)
		default:
			if d.tei != tei {
				d.logger.Warn("DLC %s: MDL-ASSIGN(%d) ignored in state %s", d, tei, d.state)
			}
		}
		return nil
	})
}

// MDLRemove handles MDL-REMOVE-REQUEST: the TEI is no longer valid
func (d *DLC) MDLRemove() {
	d.exec(func() error {
		switch d.state {
		case StateNull, StateTeiUnassigned:
			return nil
		case StateAwaitingTei:
			d.uiQueue = nil
		case StateEstablishAwaitingTei:
			d.uiQueue = nil
			d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrTEIUnavailable})
		default:
			d.uiQueue = nil
			d.discardIQueue()
			d.t200.Stop()
			d.t203.Stop()
			switch d.state {
			case StateAwaitingRelease:
				d.emit(Indication{Primitive: DLReleaseConfirm})
			case StateAwaitingEstablish, StateLinkEstablished, StateTimerRecovery:
				d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrTEIUnavailable})
			}
		}
		d.tei = UnassignedTEI
		d.setState(StateTeiUnassigned)
		return nil
	})
}

// MDLErrorResponse handles the failure of TEI assignment
func (d *DLC) MDLErrorResponse() {
	d.exec(func() error {
		switch d.state {
		case StateAwaitingTei:
			d.uiQueue = nil
			d.setState(StateTeiUnassigned)
		case StateEstablishAwaitingTei:
			d.uiQueue = nil
			d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrTEIUnavailable})
			d.setState(StateTeiUnassigned)
		}
		return nil
	})
}

// Deactivate handles PH-DEACTIVATE-INDICATION: the physical link is gone
func (d *DLC) Deactivate() {
	d.exec(func() error {
		switch d.state {
		case StateAwaitingEstablish, StateLinkEstablished, StateTimerRecovery:
			d.discardIQueue()
			d.t200.Stop()
			d.t203.Stop()
			d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrReleased})
			d.setState(d.idle())
		case StateAwaitingRelease:
			d.t200.Stop()
			d.emit(Indication{Primitive: DLReleaseConfirm})
			d.setState(d.idle())
		}
		return nil
	})
}

// Close stops the timers and fails any pending service request
func (d *DLC) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t200.Stop()
	d.t203.Stop()
	d.discardIQueue()
	d.uiQueue = nil
	resolve(&d.estWaiters, ErrReleased)
	resolve(&d.relWaiters, ErrReleased)
	d.setState(StateNull)
}

func (d *DLC) establishRequest() error {
	switch d.state {
	case StateTeiUnassigned:
		d.wantTEI = true
		d.setState(StateEstablishAwaitingTei)
	case StateAwaitingTei:
		d.setState(StateEstablishAwaitingTei)
	case StateEstablishAwaitingTei:
	case StateTeiAssigned, StateListening:
		d.establishDataLink()
		d.l3Initiated = true
		d.setState(StateAwaitingEstablish)
	case StateAwaitingEstablish:
		d.l3Initiated = true
	case StateLinkEstablished, StateTimerRecovery:
		d.discardIQueue()
		d.establishDataLink()
		d.l3Initiated = true
		d.setState(StateAwaitingEstablish)
	default:
		return fmt.Errorf("%w: establish in %s", ErrInvalidState, d.state)
	}
	return nil
}

func (d *DLC) releaseRequest() error {
	switch d.state {
	case StateLinkEstablished, StateTimerRecovery, StateAwaitingEstablish:
		d.discardIQueue()
		d.rc = 0
		d.sendU(frame.DISC, true, true)
		d.t203.Stop()
		d.t200.Start()
		d.setState(StateAwaitingRelease)
	case StateAwaitingRelease:
	case StateEstablishAwaitingTei:
		d.setState(StateAwaitingTei)
		d.emit(Indication{Primitive: DLReleaseConfirm})
	case StateTeiUnassigned, StateAwaitingTei, StateTeiAssigned, StateListening:
		d.emit(Indication{Primitive: DLReleaseConfirm})
	default:
		return fmt.Errorf("%w: release in %s", ErrInvalidState, d.state)
	}
	return nil
}

// establishDataLink sends SABME and arms T200
func (d *DLC) establishDataLink() {
	d.clearExceptions()
	d.rc = 0
	d.sendU(frame.SABME, true, true)
	d.t200.Start()
	d.t203.Stop()
}

func (d *DLC) clearExceptions() {
	d.peerBusy = false
	d.rejectException = false
	d.ownBusy = false
	d.ackPending = false
}

func (d *DLC) resetSequence() {
	d.vs, d.va, d.vr = 0, 0, 0
}

// idle is the resting state once a TEI is held and the link is down
func (d *DLC) idle() State {
	if d.listening {
		return StateListening
	}
	return StateTeiAssigned
}

func (d *DLC) flushUI() {
	for _, p := range d.uiQueue {
		d.sendUI(p)
	}
	d.uiQueue = nil
}

// reestablish starts data link re-establishment after an error
func (d *DLC) reestablish() {
	d.establishDataLink()
	d.l3Initiated = false
	d.setState(StateAwaitingEstablish)
}

func (d *DLC) mdlError(code ErrorCode) {
	d.stats.MDLErrors++
	d.logger.Warn("DLC %s: %s in state %s", d, code, d.state)
	d.emit(Indication{Primitive: MDLErrorIndication, Code: code})
}

// formatError reports a frame format error and re-establishes an
// established link
func (d *DLC) formatError(code ErrorCode) {
	d.mdlError(code)
	if d.state.Established() {
		d.reestablish()
	}
}

func (d *DLC) nrErrorRecovery() {
	d.mdlError(ErrorJ)
	d.reestablish()
}

func (d *DLC) emit(ind Indication) {
	ind.SAPI = d.sapi
	ind.TEI = d.tei
	d.inds = append(d.inds, ind)

	switch ind.Primitive {
	case DLEstablishConfirm, DLEstablishIndication:
		resolve(&d.estWaiters, nil)
	case DLReleaseIndication:
		cause := ind.Cause
		if cause == nil {
			cause = ErrReleased
		}
		resolve(&d.estWaiters, cause)
		resolve(&d.relWaiters, nil)
	case DLReleaseConfirm:
		resolve(&d.estWaiters, ErrReleased)
		resolve(&d.relWaiters, nil)
	}
}

func (d *DLC) setState(s State) {
	if d.state != s {
		d.logger.Debug("DLC %s: %s -> %s", d, d.state, s)
		d.state = s
	}
}

// Frame output

func (d *DLC) sendU(fn frame.UFunction, command, pf bool) {
	d.lower.SendFrame(frame.NewU(d.sapi, d.tei, frame.CRBit(d.role, command), fn, pf, nil))
}

func (d *DLC) sendUI(payload []byte) {
	d.stats.UIFramesTx++
	d.lower.SendFrame(frame.NewU(d.sapi, d.tei, frame.CRBit(d.role, true), frame.UI, false, slices.Clone(payload)))
}

func (d *DLC) sendS(fn frame.SFunction, command, pf bool) {
	d.lower.SendFrame(frame.NewS(d.sapi, d.tei, frame.CRBit(d.role, command), fn, d.vr, pf))
}

// sendI transmits a copy of payload stamped with the current V(S) and V(R)
func (d *DLC) sendI(payload []byte) {
	d.stats.IFramesTx++
	d.lower.SendFrame(frame.NewI(d.sapi, d.tei, frame.CRBit(d.role, true), d.vs, d.vr, false, slices.Clone(payload)))
}

// enquiry polls the peer with RR or RNR
func (d *DLC) enquiry() {
	if d.ownBusy {
		d.sendS(frame.RNR, true, true)
	} else {
		d.sendS(frame.RR, true, true)
	}
	d.ackPending = false
}

// enquiryResponse answers a poll
func (d *DLC) enquiryResponse() {
	if d.ownBusy {
		d.sendS(frame.RNR, false, true)
	} else {
		d.sendS(frame.RR, false, true)
	}
	d.ackPending = false
}

// Accessors

// SAPI returns the service access point identifier
func (d *DLC) SAPI() uint8 {
	return d.sapi
}

// TEI returns the current TEI, UnassignedTEI if none
func (d *DLC) TEI() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tei
}

// Role returns the interface side of the connection
func (d *DLC) Role() frame.Role {
	return d.role
}

// Handle returns the registry handle of the connection
func (d *DLC) Handle() Handle {
	return d.handle
}

// State returns the current state
func (d *DLC) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a copy of the connection counters
func (d *DLC) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Snapshot is a consistent view of the connection variables
type Snapshot struct {
	State           State
	TEI             uint8
	VS, VA, VR      uint8
	RC              int
	Unacked         int
	Queued          int
	UIQueued        int
	OwnBusy         bool
	PeerBusy        bool
	RejectException bool
	AckPending      bool
	L3Initiated     bool
	T200Running     bool
	T203Running     bool
}

// Snapshot returns the connection variables
func (d *DLC) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		State:           d.state,
		TEI:             d.tei,
		VS:              d.vs,
		VA:              d.va,
		VR:              d.vr,
		RC:              d.rc,
		Unacked:         d.unacked(),
		Queued:          len(d.iQueue),
		UIQueued:        len(d.uiQueue),
		OwnBusy:         d.ownBusy,
		PeerBusy:        d.peerBusy,
		RejectException: d.rejectException,
		AckPending:      d.ackPending,
		L3Initiated:     d.l3Initiated,
		T200Running:     d.t200.Running(),
		T203Running:     d.t203.Running(),
	}
}

// String returns the connection address; it does not lock
func (d *DLC) String() string {
	if d.tei == UnassignedTEI {
		return fmt.Sprintf("%d/-", d.sapi)
	}
	return fmt.Sprintf("%d/%d", d.sapi, d.tei)
}
