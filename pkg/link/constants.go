// Package link implements the LAPD data link connection: the per
// (SAPI, TEI) state machine, its modulo-128 sliding window and the
// registry that maps addresses to connections.
package link

import (
	"errors"
	"fmt"
)

// UnassignedTEI marks a connection that has no TEI yet
const UnassignedTEI uint8 = 0xFF

// State represents the data link connection state
type State int

const (
	StateNull                 State = iota // Not bound to an interface
	StateListening                         // TEI assigned, waiting for the peer to establish
	StateTeiUnassigned                     // No TEI
	StateAwaitingTei                       // TEI requested for unit data
	StateEstablishAwaitingTei              // TEI requested, establishment pending
	StateTeiAssigned                       // TEI assigned, multiple frame operation not established
	StateAwaitingEstablish                 // SABME sent
	StateAwaitingRelease                   // DISC sent
	StateLinkEstablished                   // Multiple frame operation established
	StateTimerRecovery                     // T200 expired, waiting for a final response
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateNull:
		return "Null"
	case StateListening:
		return "Listening"
	case StateTeiUnassigned:
		return "TeiUnassigned"
	case StateAwaitingTei:
		return "AwaitingTei"
	case StateEstablishAwaitingTei:
		return "EstablishAwaitingTei"
	case StateTeiAssigned:
		return "TeiAssigned"
	case StateAwaitingEstablish:
		return "AwaitingEstablish"
	case StateAwaitingRelease:
		return "AwaitingRelease"
	case StateLinkEstablished:
		return "LinkEstablished"
	case StateTimerRecovery:
		return "TimerRecovery"
	default:
		return "Unknown"
	}
}

// HasTEI reports whether a TEI is assigned in state s
func (s State) HasTEI() bool {
	return s >= StateTeiAssigned || s == StateListening
}

// Established reports whether multiple frame operation is up
func (s State) Established() bool {
	return s == StateLinkEstablished || s == StateTimerRecovery
}

// ErrorCode is the MDL-ERROR-INDICATION cause (Q.921 Appendix II)
type ErrorCode byte

const (
	ErrorA ErrorCode = 'A' // Supervisory response with F=1 received unsolicited
	ErrorB ErrorCode = 'B' // DM with F=1 received unsolicited
	ErrorC ErrorCode = 'C' // UA with F=1 received unsolicited
	ErrorD ErrorCode = 'D' // UA with F=0 received unsolicited
	ErrorE ErrorCode = 'E' // DM with F=0 received
	ErrorF ErrorCode = 'F' // Peer re-established the link
	ErrorG ErrorCode = 'G' // SABME retransmitted N200 times
	ErrorH ErrorCode = 'H' // DISC retransmitted N200 times
	ErrorI ErrorCode = 'I' // Status enquiry retransmitted N200 times
	ErrorJ ErrorCode = 'J' // N(R) sequence error
	ErrorK ErrorCode = 'K' // FRMR received
	ErrorL ErrorCode = 'L' // Unimplemented or undefined control field
	ErrorM ErrorCode = 'M' // Information field not permitted
	ErrorN ErrorCode = 'N' // Incorrect frame length
	ErrorO ErrorCode = 'O' // I frame exceeds N201
)

// String returns string representation of ErrorCode
func (c ErrorCode) String() string {
	var text string
	switch c {
	case ErrorA:
		text = "unsolicited supervisory response F=1"
	case ErrorB:
		text = "unsolicited DM F=1"
	case ErrorC:
		text = "unsolicited UA F=1"
	case ErrorD:
		text = "unsolicited UA F=0"
	case ErrorE:
		text = "DM F=0 received"
	case ErrorF:
		text = "peer re-establishment"
	case ErrorG:
		text = "SABME retries exhausted"
	case ErrorH:
		text = "DISC retries exhausted"
	case ErrorI:
		text = "status enquiry retries exhausted"
	case ErrorJ:
		text = "N(R) sequence error"
	case ErrorK:
		text = "FRMR received"
	case ErrorL:
		text = "undefined control field"
	case ErrorM:
		text = "information field not permitted"
	case ErrorN:
		text = "incorrect frame length"
	case ErrorO:
		text = "I frame too long"
	default:
		return fmt.Sprintf("MDL(%c)", byte(c))
	}
	return fmt.Sprintf("MDL(%c) %s", byte(c), text)
}

// Primitive identifies an indication passed up from a connection
type Primitive int

const (
	DLEstablishIndication Primitive = iota
	DLEstablishConfirm
	DLReleaseIndication
	DLReleaseConfirm
	DLDataIndication
	DLUnitDataIndication
	MDLErrorIndication
)

// String returns string representation of Primitive
func (p Primitive) String() string {
	switch p {
	case DLEstablishIndication:
		return "DL-ESTABLISH-INDICATION"
	case DLEstablishConfirm:
		return "DL-ESTABLISH-CONFIRM"
	case DLReleaseIndication:
		return "DL-RELEASE-INDICATION"
	case DLReleaseConfirm:
		return "DL-RELEASE-CONFIRM"
	case DLDataIndication:
		return "DL-DATA-INDICATION"
	case DLUnitDataIndication:
		return "DL-UNIT-DATA-INDICATION"
	case MDLErrorIndication:
		return "MDL-ERROR-INDICATION"
	default:
		return "Unknown"
	}
}

// Errors
var (
	ErrInvalidState     = errors.New("operation not valid in current link state")
	ErrNotEstablished   = errors.New("multiple frame operation not established")
	ErrFrameTooLong     = errors.New("payload exceeds N201")
	ErrQueueFull        = errors.New("transmit queue full")
	ErrTimeout          = errors.New("data link service request timed out")
	ErrReleased         = errors.New("data link released")
	ErrTEIUnavailable   = errors.New("TEI assignment failed")
	ErrRetriesExhausted = errors.New("N200 retransmissions exhausted")
	ErrDuplicateAddress = errors.New("connection already registered for address")
	ErrUnknownHandle    = errors.New("unknown connection handle")
	ErrInvalidParams    = errors.New("invalid SAP parameters")
	ErrRefused          = errors.New("peer refused establishment")
)
