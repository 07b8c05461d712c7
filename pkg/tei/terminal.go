package tei

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/link"
	"avaneesh/lapd-go/pkg/timer"
)

// Terminal entity states
const (
	StateUnassigned = "unassigned"
	StateRequesting = "requesting"
	StateAssigned   = "assigned"
	StateVerifying  = "verifying"
)

const (
	eventRequest  = "request"
	eventAssign   = "assign"
	eventVerify   = "verify"
	eventVerified = "verified"
	eventRemove   = "remove"
	eventFail     = "fail"
)

// verifyRetries is the number of VERIFY retransmissions before the TEI is
// given up
const verifyRetries = 1

// TerminalConfig contains configuration for the terminal side entity
type TerminalConfig struct {
	N202 int           // Maximum number of TEI_REQUEST retransmissions
	T202 time.Duration // Request and verify supervision timer

	Scheduler timer.Scheduler
	Lower     link.Lower
	OnEvent   EventCallback // Optional
	Rand      func() uint16 // Ri generator, random when nil
	Logger    logger.Logger
}

// DefaultTerminalConfig returns Q.921 default parameters
func DefaultTerminalConfig() TerminalConfig {
	return TerminalConfig{
		N202: 3,
		T202: 2 * time.Second,
	}
}

// Terminal acquires and keeps a TEI for the connections bound to it
type Terminal struct {
	cfg TerminalConfig

	machine  *fsm.FSM
	tei      uint8
	ri       uint16
	rc       int
	t202     *timer.Timer
	bindings []Binding
	closed   bool

	// Output gathered under mu
	notes  []func()
	events []Event

	mu sync.Mutex
}

// NewTerminal creates an entity without a TEI
func NewTerminal(cfg TerminalConfig) (*Terminal, error) {
	if cfg.Lower == nil {
		return nil, errors.New("tei: Lower is required")
	}
	defaults := DefaultTerminalConfig()
	if cfg.N202 <= 0 {
		cfg.N202 = defaults.N202
	}
	if cfg.T202 <= 0 {
		cfg.T202 = defaults.T202
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.Real()
	}
	if cfg.Rand == nil {
		cfg.Rand = func() uint16 { return uint16(rand.Uint32()) }
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	t := &Terminal{
		cfg: cfg,
		tei: link.UnassignedTEI,
	}
	t.machine = fsm.NewFSM(
		StateUnassigned,
		fsm.Events{
			{Name: eventRequest, Src: []string{StateUnassigned, StateAssigned, StateVerifying}, Dst: StateRequesting},
			{Name: eventAssign, Src: []string{StateUnassigned, StateRequesting}, Dst: StateAssigned},
			{Name: eventVerify, Src: []string{StateAssigned}, Dst: StateVerifying},
			{Name: eventVerified, Src: []string{StateVerifying}, Dst: StateAssigned},
			{Name: eventRemove, Src: []string{StateRequesting, StateAssigned, StateVerifying}, Dst: StateUnassigned},
			{Name: eventFail, Src: []string{StateRequesting}, Dst: StateUnassigned},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				cfg.Logger.Debug("TEI terminal: %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	t.t202 = timer.New("T202", cfg.Scheduler, cfg.T202, t.onT202)
	return t, nil
}

// exec runs fn under the entity lock, then notifies bindings and reports events
func (t *Terminal) exec(fn func()) {
	t.mu.Lock()
	fn()
	notes := t.notes
	t.notes = nil
	events := t.events
	t.events = nil
	t.mu.Unlock()

	for _, note := range notes {
		note()
	}
	if t.cfg.OnEvent != nil {
		for _, ev := range events {
			t.cfg.OnEvent(ev)
		}
	}
}

func (t *Terminal) fire(event string) {
	if err := t.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			t.cfg.Logger.Debug("TEI terminal: %s in %s: %v", event, t.machine.Current(), err)
		}
	}
}

// Bind attaches a connection. A connection bound while a TEI is held is
// assigned at once.
func (t *Terminal) Bind(b Binding) {
	t.exec(func() {
		for _, existing := range t.bindings {
			if existing == b {
				return
			}
		}
		t.bindings = append(t.bindings, b)
		if t.machine.Current() == StateAssigned || t.machine.Current() == StateVerifying {
			tei := t.tei
			t.notes = append(t.notes, func() { b.MDLAssign(tei) })
		}
	})
}

// Unbind detaches a connection
func (t *Terminal) Unbind(b Binding) {
	t.exec(func() {
		for i, existing := range t.bindings {
			if existing == b {
				t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
				return
			}
		}
	})
}

// Request starts TEI acquisition. A static hint (0-63) is assigned
// immediately; any other value asks the network for a dynamic TEI.
func (t *Terminal) Request(hint uint8) {
	t.exec(func() {
		if t.closed {
			return
		}
		switch t.machine.Current() {
		case StateRequesting:
			return
		case StateAssigned, StateVerifying:
			t.notifyAssign()
			return
		}

		if hint <= frame.MaxStaticTEI {
			t.assign(hint, 0)
			return
		}
		t.rc = 0
		t.sendRequest()
		t.fire(eventRequest)
	})
}

func (t *Terminal) sendRequest() {
	t.ri = t.cfg.Rand()
	t.send(frame.TEIRequest, t.ri, frame.BroadcastTEI)
	t.t202.Start()
}

func (t *Terminal) assign(tei uint8, ri uint16) {
	t.t202.Stop()
	t.tei = tei
	t.fire(eventAssign)
	t.events = append(t.events, Event{Type: EventAssigned, TEI: tei, Ri: ri})
	t.cfg.Logger.Info("TEI terminal: TEI %d assigned", tei)
	t.notifyAssign()
}

func (t *Terminal) notifyAssign() {
	tei := t.tei
	for _, b := range t.bindings {
		t.notes = append(t.notes, func() { b.MDLAssign(tei) })
	}
}

// remove drops the TEI and tells every binding
func (t *Terminal) remove() {
	old := t.tei
	t.t202.Stop()
	t.tei = link.UnassignedTEI
	t.fire(eventRemove)
	t.events = append(t.events, Event{Type: EventRemoved, TEI: old})
	t.cfg.Logger.Info("TEI terminal: TEI %d removed", old)
	for _, b := range t.bindings {
		t.notes = append(t.notes, b.MDLRemove)
	}
}

// Remove drops the TEI locally (MDL-REMOVE from the management entity)
func (t *Terminal) Remove() {
	t.exec(func() {
		if t.machine.Current() != StateUnassigned {
			t.remove()
		}
	})
}

// Verify asks the network to confirm the current TEI
func (t *Terminal) Verify() {
	t.exec(func() {
		if t.machine.Current() == StateAssigned {
			t.startVerify()
		}
	})
}

func (t *Terminal) startVerify() {
	t.rc = 0
	t.fire(eventVerify)
	t.send(frame.TEIVerify, 0, t.tei)
	t.events = append(t.events, Event{Type: EventVerify, TEI: t.tei})
	t.t202.Start()
}

// HandleFrame processes a management frame received from the network
func (t *Terminal) HandleFrame(f *frame.Frame) {
	m, err := frame.ParseManagement(f.Info)
	if err != nil {
		t.cfg.Logger.Warn("TEI terminal: %v", err)
		return
	}
	t.HandleMessage(m)
}

// HandleMessage processes a decoded management message
func (t *Terminal) HandleMessage(m *frame.Management) {
	t.exec(func() {
		if t.closed || len(m.Ai) == 0 {
			return
		}
		t.cfg.Logger.Debug("TEI terminal: RX %s", m)

		ai := m.Ai[0]
		state := t.machine.Current()
		switch m.Type {
		case frame.TEIAssigned:
			switch {
			case state == StateRequesting && m.Ri == t.ri:
				t.assign(ai, m.Ri)
			case (state == StateAssigned || state == StateVerifying) && ai == t.tei && m.Ri != t.ri:
				// Another terminal was given our TEI
				t.cfg.Logger.Warn("TEI terminal: TEI %d assigned to Ri=0x%04X, verifying", ai, m.Ri)
				if state == StateAssigned {
					t.startVerify()
				}
			}

		case frame.TEIDenied:
			if state == StateRequesting && m.Ri == t.ri {
				t.cfg.Logger.Warn("TEI terminal: request denied (Ri=0x%04X)", m.Ri)
				t.events = append(t.events, Event{Type: EventDenied, TEI: ai, Ri: m.Ri})
			}

		case frame.TEICheckRequest:
			if (state == StateAssigned || state == StateVerifying) && (ai == t.tei || ai == frame.BroadcastTEI) {
				t.send(frame.TEICheckResponse, t.cfg.Rand(), t.tei)
				if state == StateVerifying {
					t.t202.Stop()
					t.fire(eventVerified)
				}
			}

		case frame.TEIRemove:
			if (state == StateAssigned || state == StateVerifying) && (ai == t.tei || ai == frame.BroadcastTEI) {
				t.remove()
			}
		}
	})
}

func (t *Terminal) onT202(gen uint64) {
	t.exec(func() {
		if t.closed || !t.t202.Expired(gen) {
			return
		}

		switch t.machine.Current() {
		case StateRequesting:
			if t.rc < t.cfg.N202 {
				t.rc++
				t.sendRequest()
				return
			}
			t.cfg.Logger.Warn("TEI terminal: no TEI after %d requests", t.rc+1)
			t.fire(eventFail)
			t.events = append(t.events, Event{Type: EventFailed, Ri: t.ri})
			for _, b := range t.bindings {
				t.notes = append(t.notes, b.MDLErrorResponse)
			}

		case StateVerifying:
			if t.rc < verifyRetries {
				t.rc++
				t.send(frame.TEIVerify, 0, t.tei)
				t.t202.Start()
				return
			}
			t.remove()
			t.rc = 0
			t.sendRequest()
			t.fire(eventRequest)
		}
	})
}

// Close stops the timer
func (t *Terminal) Close() {
	t.exec(func() {
		t.closed = true
		t.t202.Stop()
	})
}

// TEI returns the assigned TEI, link.UnassignedTEI if none
func (t *Terminal) TEI() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tei
}

// State returns the entity state
func (t *Terminal) State() string {
	return t.machine.Current()
}

// Ri returns the reference number of the outstanding request
func (t *Terminal) Ri() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ri
}

func (t *Terminal) send(mt frame.MessageType, ri uint16, ai uint8) {
	m := frame.NewManagement(mt, ri, ai)
	f, err := frame.ManagementFrame(frame.RoleUser, m)
	if err != nil {
		t.cfg.Logger.Error("TEI terminal: encode %s: %v", m, err)
		return
	}
	t.cfg.Logger.Debug("TEI terminal: TX %s", m)
	t.cfg.Lower.SendFrame(f)
}
