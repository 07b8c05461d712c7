package isdn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"

	"avaneesh/lapd-go/pkg/channel"
	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/journal"
	"avaneesh/lapd-go/pkg/link"
	"avaneesh/lapd-go/pkg/tei"
	"avaneesh/lapd-go/pkg/timer"
)

// Interface is one D-channel: its data link connections, its TEI
// management entity and the channel that carries its frames. It receives
// the PH primitives of that channel.
type Interface struct {
	cfg     InterfaceConfig
	ch      *channel.Channel
	handler Handler
	journal *journal.Journal
	logger  logger.Logger

	registry *link.Registry
	network  *tei.Network  // Network side
	terminal *tei.Terminal // Terminal side with dynamic TEI

	params    map[uint8]*link.SAPParams
	conns     map[link.Handle]*Conn
	local     map[uint8]*Conn // Terminal side connection per SAPI
	listening map[uint8]bool
	closed    bool
	mu        sync.Mutex
	dialMu    sync.Mutex

	active   atomic.Bool
	counters counters
}

func newInterface(cfg InterfaceConfig, ch *channel.Channel, handler Handler, j *journal.Journal, log logger.Logger) (*Interface, error) {
	if cfg.Name == "" {
		return nil, errors.New("interface name is required")
	}
	if cfg.DefaultParams == nil {
		cfg.DefaultParams = link.DefaultSAPParams
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timer.Real()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	if handler == nil {
		handler = HandlerFunc(func(*Conn, link.Indication) {})
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if cfg.Role == frame.RoleUser && cfg.Mode == ModePointToPoint && cfg.TEI == link.UnassignedTEI {
		cfg.TEI = 0
	}
	if cfg.TEI != link.UnassignedTEI {
		if cfg.Role != frame.RoleUser || cfg.TEI > frame.MaxStaticTEI {
			return nil, fmt.Errorf("%w: static TEI %d", ErrInvalidTEI, cfg.TEI)
		}
	}

	i := &Interface{
		cfg:       cfg,
		ch:        ch,
		handler:   handler,
		journal:   j,
		logger:    log,
		registry:  link.NewRegistry(),
		params:    make(map[uint8]*link.SAPParams),
		conns:     make(map[link.Handle]*Conn),
		local:     make(map[uint8]*Conn),
		listening: make(map[uint8]bool),
	}

	for _, p := range cfg.SAPs {
		if p.SAPI >= frame.SAPIManagement {
			return nil, fmt.Errorf("%w: %d", ErrInvalidSAPI, p.SAPI)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		i.params[p.SAPI] = &p
	}

	switch {
	case cfg.Role == frame.RoleNetwork:
		nc := cfg.Network
		nc.Scheduler = cfg.Scheduler
		nc.Lower = ch
		nc.OnEvent = i.onNetworkEvent
		nc.Logger = log
		n, err := tei.NewNetwork(nc)
		if err != nil {
			return nil, err
		}
		i.network = n

	case cfg.TEI == link.UnassignedTEI:
		tc := cfg.Terminal
		tc.Scheduler = cfg.Scheduler
		tc.Lower = ch
		tc.OnEvent = i.onTerminalEvent
		tc.Logger = log
		t, err := tei.NewTerminal(tc)
		if err != nil {
			return nil, err
		}
		i.terminal = t
	}
	return i, nil
}

// start arms the periodic TEI audit once the channel is open
func (i *Interface) start() {
	if i.network != nil {
		i.network.Start()
	}
}

// Name returns the interface name
func (i *Interface) Name() string {
	return i.cfg.Name
}

// Role returns the side of the interface
func (i *Interface) Role() frame.Role {
	return i.cfg.Role
}

// Mode returns the interface configuration
func (i *Interface) Mode() Mode {
	return i.cfg.Mode
}

// Active reports whether the physical layer is activated
func (i *Interface) Active() bool {
	return i.active.Load()
}

// TEI returns the TEI of a terminal interface, link.UnassignedTEI when it
// holds none or on the network side
func (i *Interface) TEI() uint8 {
	if i.cfg.TEI != link.UnassignedTEI {
		return i.cfg.TEI
	}
	if i.terminal != nil {
		return i.terminal.TEI()
	}
	return link.UnassignedTEI
}

// TEIState returns the state of the terminal TEI entity, empty when the
// interface has none
func (i *Interface) TEIState() string {
	if i.terminal == nil {
		return ""
	}
	return i.terminal.State()
}

func (i *Interface) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// sapParams returns the parameter block of a SAPI, creating it from the
// defaults on first use
func (i *Interface) sapParams(sapi uint8) (*link.SAPParams, error) {
	if sapi >= frame.SAPIManagement {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSAPI, sapi)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.params[sapi]; ok {
		return p, nil
	}
	p := i.cfg.DefaultParams(sapi)
	p.SAPI = sapi
	if err := p.Validate(); err != nil {
		return nil, err
	}
	i.params[sapi] = &p
	return &p, nil
}

// Connections

func (i *Interface) newConn(sapi, teiValue uint8) (*Conn, error) {
	params, err := i.sapParams(sapi)
	if err != nil {
		return nil, err
	}

	c := &Conn{iface: i}
	d, err := link.New(link.Config{
		SAPI:         sapi,
		TEI:          teiValue,
		Role:         i.cfg.Role,
		Params:       params,
		Scheduler:    i.cfg.Scheduler,
		Lower:        i.ch,
		TEIRequester: i,
		OnIndication: i.onIndication,
		Logger:       i.logger,
	})
	if err != nil {
		return nil, err
	}
	c.dlc = d

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	h, err := i.registry.Add(d)
	if err != nil {
		i.mu.Unlock()
		return nil, err
	}
	i.conns[h] = c
	i.mu.Unlock()

	if err := d.Bind(); err != nil {
		i.forget(h)
		return nil, err
	}
	i.logger.Debug("Interface %s: connection %s created", i.cfg.Name, d)
	return c, nil
}

func (i *Interface) conn(h link.Handle) *Conn {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conns[h]
}

// forget unregisters a connection and stops it
func (i *Interface) forget(h link.Handle) {
	d, err := i.registry.Remove(h)
	if err != nil {
		return
	}

	i.mu.Lock()
	c := i.conns[h]
	delete(i.conns, h)
	if c != nil && i.local[d.SAPI()] == c {
		delete(i.local, d.SAPI())
	}
	i.mu.Unlock()

	if c != nil && c.bind != nil && i.terminal != nil {
		i.terminal.Unbind(c.bind)
	}
	d.Close()
}

// Connections returns every connection of the interface
func (i *Interface) Connections() []*Conn {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]*Conn, 0, len(i.conns))
	for _, c := range i.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Conn) int {
		return int(a.dlc.Handle()) - int(b.dlc.Handle())
	})
	return out
}

// Lookup returns the connection addressed by (sapi, tei)
func (i *Interface) Lookup(sapi, teiValue uint8) (*Conn, bool) {
	d, ok := i.registry.Lookup(sapi, teiValue)
	if !ok {
		return nil, false
	}
	c := i.conn(d.Handle())
	return c, c != nil
}

// Dial returns the connection of a terminal interface on sapi, creating
// it when needed. A network interface in point-to-point mode dials TEI 0.
func (i *Interface) Dial(sapi uint8) (*Conn, error) {
	if i.cfg.Role == frame.RoleNetwork {
		if i.cfg.Mode != ModePointToPoint {
			return nil, ErrWrongRole
		}
		return i.DialTEI(sapi, 0)
	}

	i.dialMu.Lock()
	defer i.dialMu.Unlock()
	return i.localConn(sapi)
}

// localConn must be called with dialMu held
func (i *Interface) localConn(sapi uint8) (*Conn, error) {
	i.mu.Lock()
	c, ok := i.local[sapi]
	i.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := i.newConn(sapi, i.cfg.TEI)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.local[sapi] = c
	listen := i.listening[sapi]
	i.mu.Unlock()

	if listen {
		if err := c.dlc.Listen(); err != nil {
			return nil, err
		}
	}
	if i.terminal != nil {
		c.bind = &binding{conn: c}
		i.terminal.Bind(c.bind)
	}
	return c, nil
}

// DialTEI returns the connection of a network interface to the terminal
// using tei, creating it when needed
func (i *Interface) DialTEI(sapi, teiValue uint8) (*Conn, error) {
	if i.cfg.Role != frame.RoleNetwork {
		return nil, ErrWrongRole
	}
	if teiValue > frame.MaxDynamicTEI {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTEI, teiValue)
	}

	i.dialMu.Lock()
	defer i.dialMu.Unlock()

	if c, ok := i.Lookup(sapi, teiValue); ok {
		return c, nil
	}
	c, err := i.newConn(sapi, teiValue)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	listen := i.listening[sapi]
	i.mu.Unlock()
	if listen {
		if err := c.dlc.Listen(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Listen accepts establishment by the peer on sapi. A network interface
// creates a connection for every terminal that sends SABME; a terminal
// interface keeps its connection on sapi listening.
func (i *Interface) Listen(sapi uint8) error {
	if _, err := i.sapParams(sapi); err != nil {
		return err
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	i.listening[sapi] = true
	i.mu.Unlock()

	if i.cfg.Role == frame.RoleUser {
		c, err := i.Dial(sapi)
		if err != nil {
			return err
		}
		return c.dlc.Listen()
	}

	for _, d := range i.registry.All() {
		if d.SAPI() == sapi {
			if err := d.Listen(); err != nil {
				return err
			}
		}
	}
	i.logger.Info("Interface %s: listening on SAPI %d", i.cfg.Name, sapi)
	return nil
}

// accept creates a connection for a SABME addressed to a listening SAPI
func (i *Interface) accept(f *frame.Frame) bool {
	i.mu.Lock()
	listen := i.listening[f.SAPI] && !i.closed
	i.mu.Unlock()
	if !listen {
		return false
	}

	var (
		c   *Conn
		err error
	)
	if i.cfg.Role == frame.RoleNetwork {
		c, err = i.DialTEI(f.SAPI, f.TEI)
	} else {
		c, err = i.Dial(f.SAPI)
	}
	if err != nil {
		i.logger.Warn("Interface %s: cannot accept %d/%d: %v", i.cfg.Name, f.SAPI, f.TEI, err)
		return false
	}

	d, ok := i.registry.Lookup(f.SAPI, f.TEI)
	if !ok || d != c.dlc {
		return false
	}
	i.logger.Info("Interface %s: accepting %s", i.cfg.Name, d)
	d.ReceiveFrame(f)
	return true
}

// SendBroadcast sends payload to every terminal in a UI frame with the
// broadcast TEI (network side)
func (i *Interface) SendBroadcast(sapi uint8, payload []byte) error {
	if i.cfg.Role != frame.RoleNetwork {
		return ErrWrongRole
	}
	p, err := i.sapParams(sapi)
	if err != nil {
		return err
	}
	if len(payload) > p.N201 {
		return fmt.Errorf("%w: %d > %d", link.ErrFrameTooLong, len(payload), p.N201)
	}
	if i.isClosed() {
		return ErrClosed
	}

	i.counters.broadcastTx.Inc()
	i.ch.SendFrame(frame.NewU(sapi, frame.BroadcastTEI, frame.CRBit(i.cfg.Role, true), frame.UI, false, slices.Clone(payload)))
	return nil
}

// TEI management

// RequestTEI implements link.TEIRequester
func (i *Interface) RequestTEI(d *link.DLC) {
	if i.terminal == nil {
		d.MDLErrorResponse()
		return
	}
	i.terminal.Request(link.UnassignedTEI)
}

// AcquireTEI starts TEI assignment on a terminal interface without waiting
// for a connection to need it
func (i *Interface) AcquireTEI() error {
	if i.terminal == nil {
		return ErrWrongRole
	}
	i.terminal.Request(link.UnassignedTEI)
	return nil
}

// VerifyTEI asks the network to confirm the TEI of a terminal interface
func (i *Interface) VerifyTEI() error {
	if i.terminal == nil {
		return ErrWrongRole
	}
	i.terminal.Verify()
	return nil
}

// RemoveTEI withdraws a TEI from the terminals (network side)
func (i *Interface) RemoveTEI(teiValue uint8) error {
	if i.network == nil {
		return ErrWrongRole
	}
	return i.network.Remove(teiValue)
}

// AuditTEIs runs a duplicate check over every assigned TEI (network side)
func (i *Interface) AuditTEIs() error {
	if i.network == nil {
		return ErrWrongRole
	}
	i.network.Audit()
	return nil
}

func (i *Interface) onNetworkEvent(ev tei.Event) {
	i.logger.Debug("Interface %s: TEI network %s", i.cfg.Name, ev)
	i.recordTEI(ev)
	if ev.Type == tei.EventRemoved {
		i.dropTEI(ev.TEI)
	}
}

func (i *Interface) onTerminalEvent(ev tei.Event) {
	i.logger.Debug("Interface %s: TEI terminal %s", i.cfg.Name, ev)
	i.recordTEI(ev)
}

// dropTEI releases and removes the connections of a withdrawn TEI, all of
// them for the broadcast TEI
func (i *Interface) dropTEI(teiValue uint8) {
	var victims []*link.DLC
	if teiValue == frame.BroadcastTEI {
		victims = i.registry.All()
	} else {
		victims = i.registry.ByTEI(teiValue)
	}
	for _, d := range victims {
		d.MDLRemove()
		i.forget(d.Handle())
	}
}

// assign serves MDL-ASSIGN-REQUEST for a terminal connection
func (i *Interface) assign(c *Conn, teiValue uint8) {
	if err := i.registry.Rekey(c.dlc.Handle(), teiValue); err != nil {
		i.logger.Error("Interface %s: %s: %v", i.cfg.Name, c.dlc, err)
		c.dlc.MDLErrorResponse()
		return
	}
	c.dlc.MDLAssign(teiValue)
}

// unassign serves MDL-REMOVE-REQUEST for a terminal connection
func (i *Interface) unassign(c *Conn) {
	c.dlc.MDLRemove()
	if err := i.registry.Rekey(c.dlc.Handle(), link.UnassignedTEI); err != nil && !errors.Is(err, link.ErrUnknownHandle) {
		i.logger.Error("Interface %s: %s: %v", i.cfg.Name, c.dlc, err)
	}
}

// PH primitives

// PHDataIndication demultiplexes a received frame
func (i *Interface) PHDataIndication(f *frame.Frame) {
	switch {
	case f.IsManagement():
		i.counters.managementRx.Inc()
		i.management(f)
		return
	case f.SAPI == frame.SAPIManagement:
		i.counters.unknown.Inc()
		i.logger.Debug("Interface %s: ignoring %s", i.cfg.Name, f)
		return
	case f.TEI == frame.BroadcastTEI:
		i.broadcast(f)
		return
	}

	if i.cfg.Role == frame.RoleUser {
		// Frames for other terminals on the bus
		if own := i.TEI(); own == link.UnassignedTEI || f.TEI != own {
			return
		}
	}

	if d, ok := i.registry.Lookup(f.SAPI, f.TEI); ok {
		d.ReceiveFrame(f)
		return
	}
	switch {
	case f.Is(frame.SABME) && i.accept(f):
	case f.Is(frame.UI):
		i.unitData(nil, f)
	default:
		i.unknown(f)
	}
}

func (i *Interface) management(f *frame.Frame) {
	switch {
	case i.network != nil:
		i.network.HandleFrame(f)
	case i.terminal != nil:
		i.terminal.HandleFrame(f)
	}
}

// broadcast delivers a UI frame sent to every terminal
func (i *Interface) broadcast(f *frame.Frame) {
	if !f.Is(frame.UI) {
		i.counters.unknown.Inc()
		i.logger.Debug("Interface %s: ignoring broadcast %s", i.cfg.Name, f)
		return
	}
	i.counters.broadcastRx.Inc()

	var c *Conn
	if i.cfg.Role == frame.RoleUser {
		i.mu.Lock()
		c = i.local[f.SAPI]
		i.mu.Unlock()
	}
	i.unitData(c, f)
}

// unitData passes a UI frame up outside of any connection
func (i *Interface) unitData(c *Conn, f *frame.Frame) {
	i.handler.OnIndication(c, link.Indication{
		Primitive: link.DLUnitDataIndication,
		SAPI:      f.SAPI,
		TEI:       f.TEI,
		Payload:   f.Info,
	})
}

// unknown answers SABME and DISC for an address without a connection with
// DM; other frames are dropped
func (i *Interface) unknown(f *frame.Frame) {
	i.counters.unknown.Inc()
	if frame.IsCommand(i.cfg.Role, f.CR) && (f.Is(frame.SABME) || f.Is(frame.DISC)) {
		i.logger.Debug("Interface %s: no connection for %d/%d, DM", i.cfg.Name, f.SAPI, f.TEI)
		i.counters.dmTx.Inc()
		i.ch.SendFrame(frame.NewU(f.SAPI, f.TEI, frame.CRBit(i.cfg.Role, false), frame.DM, f.PF, nil))
		return
	}
	i.logger.Debug("Interface %s: no connection for %s", i.cfg.Name, f)
}

// PHActivateIndication records physical layer activation
func (i *Interface) PHActivateIndication() {
	i.active.Store(true)
	i.logger.Info("Interface %s: activated", i.cfg.Name)
	i.record(journal.KindActivated, 0, 0, "", "")
}

// PHDeactivateIndication releases every connection
func (i *Interface) PHDeactivateIndication() {
	i.active.Store(false)
	i.logger.Warn("Interface %s: deactivated", i.cfg.Name)
	for _, d := range i.registry.All() {
		d.Deactivate()
	}
	i.record(journal.KindDeactivated, 0, 0, "", "")
}

// MPHInformationIndication follows the connected state of the terminal
// equipment. A disconnected terminal gives up its dynamic TEI.
func (i *Interface) MPHInformationIndication(connected bool) {
	if connected || i.terminal == nil {
		return
	}
	if i.terminal.TEI() != link.UnassignedTEI {
		i.logger.Info("Interface %s: disconnected, removing TEI", i.cfg.Name)
		i.terminal.Remove()
	}
}

// Upward primitives

func (i *Interface) onIndication(d *link.DLC, ind link.Indication) {
	c := i.conn(d.Handle())
	switch ind.Primitive {
	case link.MDLErrorIndication:
		i.logger.Warn("Interface %s: %s", i.cfg.Name, ind)
		i.record(journal.KindMDLError, ind.SAPI, ind.TEI, string(rune(ind.Code)), ind.Code.String())
	case link.DLEstablishIndication, link.DLEstablishConfirm:
		i.logger.Info("Interface %s: %s", i.cfg.Name, ind)
		i.record(journal.KindEstablished, ind.SAPI, ind.TEI, "", ind.Primitive.String())
	case link.DLReleaseIndication, link.DLReleaseConfirm:
		i.logger.Info("Interface %s: %s", i.cfg.Name, ind)
		detail := ind.Primitive.String()
		if ind.Cause != nil {
			detail += ": " + ind.Cause.Error()
		}
		i.record(journal.KindReleased, ind.SAPI, ind.TEI, "", detail)
	default:
		i.logger.Debug("Interface %s: %s", i.cfg.Name, ind)
	}
	i.handler.OnIndication(c, ind)
}

func (i *Interface) recordTEI(ev tei.Event) {
	var kind journal.Kind
	switch ev.Type {
	case tei.EventAssigned:
		kind = journal.KindTEIAssigned
	case tei.EventDenied:
		kind = journal.KindTEIDenied
	case tei.EventRemoved:
		kind = journal.KindTEIRemoved
	case tei.EventFailed:
		kind = journal.KindTEIFailed
	default:
		kind = journal.KindTEICheck
	}
	i.record(kind, frame.SAPIManagement, ev.TEI, "", ev.String())
}

func (i *Interface) record(kind journal.Kind, sapi, teiValue uint8, code, detail string) {
	if i.journal == nil {
		return
	}
	err := i.journal.Record(&journal.Event{
		Interface: i.cfg.Name,
		SAPI:      sapi,
		TEI:       teiValue,
		Kind:      kind,
		Code:      code,
		Detail:    detail,
	})
	if err != nil {
		i.logger.Warn("Interface %s: journal: %v", i.cfg.Name, err)
	}
}

// Statistics returns interface statistics
func (i *Interface) Statistics() InterfaceStatistics {
	cs := i.ch.GetStatistics()
	ps := i.ch.GetPhysicalStatistics()

	st := InterfaceStatistics{
		FramesTx:        cs.GetFramesTx(),
		FramesRx:        cs.GetFramesRx(),
		BadFrames:       cs.GetBadFrames(),
		DroppedTx:       cs.GetDroppedTx(),
		FCSErrors:       ps.FCSErrors,
		PhysicalBytesTx: ps.BytesSent,
		PhysicalBytesRx: ps.BytesReceived,
		Activations:     cs.GetActivations(),
		Deactivations:   cs.GetDeactivations(),
		ManagementRx:    i.counters.managementRx.Load(),
		BroadcastTx:     i.counters.broadcastTx.Load(),
		BroadcastRx:     i.counters.broadcastRx.Load(),
		UnknownFrames:   i.counters.unknown.Load(),
		DMTx:            i.counters.dmTx.Load(),
	}

	for _, d := range i.registry.All() {
		st.Connections++
		if d.State().Established() {
			st.Established++
		}
		ds := d.Stats()
		st.IFramesTx += ds.IFramesTx
		st.IFramesRx += ds.IFramesRx
		st.Retransmissions += ds.Retransmissions
		st.MDLErrors += ds.MDLErrors
	}

	if i.network != nil {
		ns := i.network.Stats()
		st.TEIsInUse = uint64(i.network.InUse())
		st.TEIsAssigned = ns.Assigned
		st.TEIsRemoved = ns.Removed
	}
	return st
}

// Close releases every TEI (network side), stops every connection and
// closes the channel
func (i *Interface) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.logger.Info("Interface %s: closing", i.cfg.Name)
	if i.network != nil {
		i.network.RemoveAll()
		i.network.Close()
	}
	if i.terminal != nil {
		i.terminal.Close()
	}
	for _, d := range i.registry.All() {
		i.forget(d.Handle())
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.FlushTimeout)
	defer cancel()
	if err := i.ch.Flush(ctx); err != nil && !errors.Is(err, channel.ErrChannelClosed) {
		i.logger.Warn("Interface %s: flush: %v", i.cfg.Name, err)
	}
	return i.ch.Close()
}

// String returns string representation of the interface
func (i *Interface) String() string {
	return fmt.Sprintf("Interface{Name=%s, Role=%s, Mode=%s, Connections=%d}",
		i.cfg.Name, i.cfg.Role, i.cfg.Mode, i.registry.Count())
}
