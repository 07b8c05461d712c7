// Package tei implements LAPD TEI management: dynamic TEI allocation and
// duplicate checking on the network side, and TEI acquisition on the
// terminal side. Management messages travel in UI frames on SAPI 63,
// TEI 127 (see frame.Management).
package tei

import (
	"errors"
	"fmt"
)

// EventType classifies a TEI management event
type EventType int

const (
	EventAssigned     EventType = iota // TEI assigned (network: allocated, terminal: acquired)
	EventDenied                        // Request denied
	EventRemoved                       // TEI removed or reclaimed
	EventCheckStarted                  // Duplicate check or audit started
	EventVerify                        // Terminal verify received or sent
	EventFailed                        // Terminal gave up after N202 requests
)

// String returns string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventAssigned:
		return "assigned"
	case EventDenied:
		return "denied"
	case EventRemoved:
		return "removed"
	case EventCheckStarted:
		return "check"
	case EventVerify:
		return "verify"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports a management decision. Callbacks receive events after the
// entity lock is released.
type Event struct {
	Type EventType
	TEI  uint8
	Ri   uint16
}

// String returns string representation of Event
func (e Event) String() string {
	return fmt.Sprintf("%s tei=%d ri=0x%04X", e.Type, e.TEI, e.Ri)
}

// EventCallback receives management events
type EventCallback func(ev Event)

// Binding is a data link connection served by a terminal entity. It is
// satisfied by *link.DLC.
type Binding interface {
	MDLAssign(tei uint8)
	MDLRemove()
	MDLErrorResponse()
}

// Errors
var (
	ErrClosed      = errors.New("TEI entity closed")
	ErrNotDynamic  = errors.New("TEI outside the dynamic range")
	ErrInvalidTEI  = errors.New("invalid TEI")
	ErrNoBroadcast = errors.New("broadcast TEI not allowed")
)
