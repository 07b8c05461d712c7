package tei

import (
	"errors"
	"sync"
	"time"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/link"
	"avaneesh/lapd-go/pkg/timer"
)

// NetworkConfig contains configuration for the network side entity
type NetworkConfig struct {
	T201          time.Duration // Duplicate check response window
	AuditInterval time.Duration // Periodic audit of assigned TEIs (0 disables)

	Scheduler timer.Scheduler
	Lower     link.Lower
	OnEvent   EventCallback // Optional; EventRemoved must release DLCs using the TEI
	Logger    logger.Logger
}

// DefaultNetworkConfig returns Q.921 default timing
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		T201:          1 * time.Second,
		AuditInterval: 5 * time.Minute,
	}
}

// NetworkStats are counters of the network side entity
type NetworkStats struct {
	Assigned uint64
	Denied   uint64
	Removed  uint64
	Checks   uint64
}

// Network allocates dynamic TEIs (64-126) for one interface and detects
// duplicate assignments with the two-round check procedure.
type Network struct {
	cfg NetworkConfig

	used   [frame.NumDynamicTEIs]bool
	cursor int
	checks map[uint8]*check // keyed by target TEI, BroadcastTEI for an audit
	audit  *timer.Timer
	closed bool
	stats  NetworkStats

	events []Event
	mu     sync.Mutex
}

// NewNetwork creates a network side entity with every dynamic TEI free
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if cfg.Lower == nil {
		return nil, errors.New("tei: Lower is required")
	}
	if cfg.T201 <= 0 {
		cfg.T201 = DefaultNetworkConfig().T201
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	n := &Network{
		cfg:    cfg,
		checks: make(map[uint8]*check),
	}
	n.audit = timer.New("audit", cfg.Scheduler, cfg.AuditInterval, n.onAudit)
	return n, nil
}

// exec runs fn under the entity lock and then delivers the events it produced
func (n *Network) exec(fn func()) {
	n.mu.Lock()
	fn()
	events := n.events
	n.events = nil
	n.mu.Unlock()

	if n.cfg.OnEvent != nil {
		for _, ev := range events {
			n.cfg.OnEvent(ev)
		}
	}
}

// Start arms the periodic audit
func (n *Network) Start() {
	n.exec(func() {
		if n.cfg.AuditInterval > 0 && !n.closed {
			n.audit.Start()
		}
	})
}

// Close stops all timers. Assigned TEIs are kept.
func (n *Network) Close() {
	n.exec(func() {
		n.closed = true
		n.audit.Stop()
		for key, c := range n.checks {
			c.t201.Stop()
			delete(n.checks, key)
		}
	})
}

// HandleFrame processes a management frame received from a terminal
func (n *Network) HandleFrame(f *frame.Frame) {
	m, err := frame.ParseManagement(f.Info)
	if err != nil {
		n.cfg.Logger.Warn("TEI network: %v", err)
		return
	}
	n.HandleMessage(m)
}

// HandleMessage processes a decoded management message
func (n *Network) HandleMessage(m *frame.Management) {
	n.exec(func() {
		if n.closed || len(m.Ai) == 0 {
			return
		}
		n.cfg.Logger.Debug("TEI network: RX %s", m)

		switch m.Type {
		case frame.TEIRequest:
			n.handleRequest(m)
		case frame.TEICheckResponse:
			n.handleCheckResponse(m)
		case frame.TEIVerify:
			n.handleVerify(m)
		default:
			n.cfg.Logger.Debug("TEI network: ignoring %s", m.Type)
		}
	})
}

func (n *Network) handleRequest(m *frame.Management) {
	ai := m.Ai[0]
	switch {
	case ai <= frame.MaxStaticTEI:
		// Static TEIs are the terminal's responsibility
		n.cfg.Logger.Debug("TEI network: request for static TEI %d ignored", ai)
		return
	case ai != frame.BroadcastTEI:
		n.deny(m.Ri, ai)
		return
	}

	tei, ok := n.allocate()
	if !ok {
		n.cfg.Logger.Warn("TEI network: dynamic TEIs exhausted, denying Ri=0x%04X", m.Ri)
		n.deny(m.Ri, frame.BroadcastTEI)
		n.startCheck(frame.BroadcastTEI)
		return
	}

	n.stats.Assigned++
	n.send(frame.TEIAssigned, m.Ri, tei)
	n.emit(Event{Type: EventAssigned, TEI: tei, Ri: m.Ri})
	n.cfg.Logger.Info("TEI network: assigned TEI %d (Ri=0x%04X)", tei, m.Ri)
}

func (n *Network) deny(ri uint16, ai uint8) {
	n.stats.Denied++
	n.send(frame.TEIDenied, ri, ai)
	n.emit(Event{Type: EventDenied, TEI: ai, Ri: ri})
}

func (n *Network) handleVerify(m *frame.Management) {
	tei := m.Ai[0]
	if !isDynamic(tei) {
		n.cfg.Logger.Debug("TEI network: verify for TEI %d ignored", tei)
		return
	}
	n.emit(Event{Type: EventVerify, TEI: tei, Ri: m.Ri})
	n.startCheck(tei)
}

// allocate takes the next free dynamic TEI after the cursor
func (n *Network) allocate() (uint8, bool) {
	for i := range frame.NumDynamicTEIs {
		slot := (n.cursor + i) % frame.NumDynamicTEIs
		if !n.used[slot] {
			n.used[slot] = true
			n.cursor = (slot + 1) % frame.NumDynamicTEIs
			return frame.MinDynamicTEI + uint8(slot), true
		}
	}
	return 0, false
}

// remove sends TEI_REMOVE and frees the slot
func (n *Network) remove(tei uint8) {
	n.send(frame.TEIRemove, 0, tei)
	n.release(tei)
}

// release frees a slot and tells the interface to drop DLCs using it
func (n *Network) release(tei uint8) {
	if isDynamic(tei) {
		n.used[tei-frame.MinDynamicTEI] = false
	}
	n.stats.Removed++
	n.emit(Event{Type: EventRemoved, TEI: tei})
	n.cfg.Logger.Info("TEI network: TEI %d removed", tei)
}

// Remove withdraws an assigned TEI
func (n *Network) Remove(tei uint8) error {
	if tei == frame.BroadcastTEI {
		return ErrNoBroadcast
	}
	if tei > frame.BroadcastTEI {
		return ErrInvalidTEI
	}
	n.exec(func() {
		n.remove(tei)
	})
	return nil
}

// RemoveAll sends TEI_REMOVE for the broadcast TEI and frees every slot
func (n *Network) RemoveAll() {
	n.exec(func() {
		n.send(frame.TEIRemove, 0, frame.BroadcastTEI)
		n.used = [frame.NumDynamicTEIs]bool{}
		n.stats.Removed++
		n.emit(Event{Type: EventRemoved, TEI: frame.BroadcastTEI})
	})
}

// Reserve marks a dynamic TEI as used without an exchange
func (n *Network) Reserve(tei uint8) error {
	if !isDynamic(tei) {
		return ErrNotDynamic
	}
	n.exec(func() {
		n.used[tei-frame.MinDynamicTEI] = true
	})
	return nil
}

// Assigned reports whether a dynamic TEI is allocated
func (n *Network) Assigned(tei uint8) bool {
	if !isDynamic(tei) {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.used[tei-frame.MinDynamicTEI]
}

// InUse returns the number of allocated dynamic TEIs
func (n *Network) InUse() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, u := range n.used {
		if u {
			count++
		}
	}
	return count
}

// Checking reports whether a duplicate check for tei (BroadcastTEI for
// an audit) is in progress
func (n *Network) Checking(tei uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.checks[tei]
	return ok
}

// Stats returns a copy of the entity counters
func (n *Network) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Network) send(t frame.MessageType, ri uint16, ai uint8) {
	m := frame.NewManagement(t, ri, ai)
	f, err := frame.ManagementFrame(frame.RoleNetwork, m)
	if err != nil {
		n.cfg.Logger.Error("TEI network: encode %s: %v", m, err)
		return
	}
	n.cfg.Logger.Debug("TEI network: TX %s", m)
	n.cfg.Lower.SendFrame(f)
}

func (n *Network) emit(ev Event) {
	n.events = append(n.events, ev)
}

func (n *Network) onAudit(gen uint64) {
	n.exec(func() {
		if n.closed || !n.audit.Expired(gen) {
			return
		}
		for _, u := range n.used {
			if u {
				n.startCheck(frame.BroadcastTEI)
				break
			}
		}
		n.audit.Start()
	})
}

// Audit starts a broadcast duplicate check of every assigned TEI
func (n *Network) Audit() {
	n.exec(func() {
		if !n.closed {
			n.startCheck(frame.BroadcastTEI)
		}
	})
}

func isDynamic(tei uint8) bool {
	return tei >= frame.MinDynamicTEI && tei <= frame.MaxDynamicTEI
}
