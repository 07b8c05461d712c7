package link

import (
	"fmt"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/timer"
)

// Lower is the physical layer adapter (PH-DATA-REQUEST). SendFrame is
// called with the connection lock held and must not block or call back
// into the connection. The frame is owned by the callee.
type Lower interface {
	SendFrame(f *frame.Frame)
}

// TEIRequester receives MDL-ASSIGN-INDICATION requests from connections
// that need a TEI. It is called without the connection lock held.
type TEIRequester interface {
	RequestTEI(d *DLC)
}

// Indication is an upward DL or MDL primitive
type Indication struct {
	Primitive Primitive
	SAPI      uint8
	TEI       uint8
	Payload   []byte    // DL-DATA / DL-UNIT-DATA
	Code      ErrorCode // MDL-ERROR
	Cause     error     // Reason for an unrequested release
}

// String returns string representation of Indication
func (i Indication) String() string {
	s := fmt.Sprintf("%s sapi=%d tei=%d", i.Primitive, i.SAPI, i.TEI)
	switch i.Primitive {
	case DLDataIndication, DLUnitDataIndication:
		s += fmt.Sprintf(" len=%d", len(i.Payload))
	case MDLErrorIndication:
		s += " " + i.Code.String()
	}
	if i.Cause != nil {
		s += fmt.Sprintf(" cause=%v", i.Cause)
	}
	return s
}

// IndicationCallback is called for each upward primitive, in order, without
// the connection lock held
type IndicationCallback func(d *DLC, ind Indication)

// Config contains configuration for a data link connection
type Config struct {
	SAPI      uint8
	TEI       uint8 // UnassignedTEI when the TEI comes from TEI management
	Role      frame.Role
	Params    *SAPParams
	Scheduler timer.Scheduler

	Lower        Lower
	TEIRequester TEIRequester       // Optional, used when TEI is unassigned
	OnIndication IndicationCallback // Optional; a connection without one refuses SABME
	Logger       logger.Logger
}

// Stats are per-connection counters
type Stats struct {
	IFramesTx       uint64
	IFramesRx       uint64
	UIFramesTx      uint64
	UIFramesRx      uint64
	Retransmissions uint64
	RejectsTx       uint64
	Establishments  uint64
	MDLErrors       uint64
}
