package isdn

import (
	"context"
	"fmt"

	"avaneesh/lapd-go/pkg/link"
)

// Conn is the user handle of one data link connection
type Conn struct {
	iface *Interface
	dlc   *link.DLC
	bind  *binding // Set when the TEI comes from terminal TEI management
}

// Establish requests multiple frame operation and waits for the outcome.
// It must not be called from a Handler.
func (c *Conn) Establish(ctx context.Context) error {
	return c.dlc.Establish(ctx)
}

// EstablishRequest requests multiple frame operation without waiting; the
// outcome arrives as DL-ESTABLISH-CONFIRM or DL-RELEASE-INDICATION
func (c *Conn) EstablishRequest() error {
	return c.dlc.EstablishRequest()
}

// Release ends multiple frame operation and waits for the confirmation.
// It must not be called from a Handler.
func (c *Conn) Release(ctx context.Context) error {
	return c.dlc.Release(ctx)
}

// ReleaseRequest ends multiple frame operation without waiting
func (c *Conn) ReleaseRequest() error {
	return c.dlc.ReleaseRequest()
}

// Send queues payload for acknowledged transfer
func (c *Conn) Send(payload []byte) error {
	return c.dlc.DataRequest(payload)
}

// SendUnitData sends payload in a UI frame, after TEI assignment when the
// connection has no TEI yet
func (c *Conn) SendUnitData(payload []byte) error {
	return c.dlc.UnitDataRequest(payload)
}

// SetBusy sets or clears the own receiver busy condition
func (c *Conn) SetBusy(busy bool) error {
	return c.dlc.SetOwnBusy(busy)
}

// State returns the data link state
func (c *Conn) State() link.State {
	return c.dlc.State()
}

// Stats returns the connection counters
func (c *Conn) Stats() link.Stats {
	return c.dlc.Stats()
}

// Snapshot returns the connection variables
func (c *Conn) Snapshot() link.Snapshot {
	return c.dlc.Snapshot()
}

// SAPI returns the service access point identifier
func (c *Conn) SAPI() uint8 {
	return c.dlc.SAPI()
}

// TEI returns the current TEI, link.UnassignedTEI if none
func (c *Conn) TEI() uint8 {
	return c.dlc.TEI()
}

// Handle returns the registry handle of the connection
func (c *Conn) Handle() link.Handle {
	return c.dlc.Handle()
}

// Interface returns the interface the connection belongs to
func (c *Conn) Interface() *Interface {
	return c.iface
}

// Close removes the connection from its interface. An established link is
// sent DISC first but the release is not awaited.
func (c *Conn) Close() error {
	if c.dlc.State().Established() {
		_ = c.dlc.ReleaseRequest()
	}
	c.iface.forget(c.dlc.Handle())
	return nil
}

// String returns string representation of the connection
func (c *Conn) String() string {
	return fmt.Sprintf("%s:%s", c.iface.Name(), c.dlc)
}

// binding connects a terminal connection to the TEI entity. Address
// changes go through the interface so the registry follows the TEI.
type binding struct {
	conn *Conn
}

func (b *binding) MDLAssign(tei uint8) {
	b.conn.iface.assign(b.conn, tei)
}

func (b *binding) MDLRemove() {
	b.conn.iface.unassign(b.conn)
}

func (b *binding) MDLErrorResponse() {
	b.conn.dlc.MDLErrorResponse()
}
