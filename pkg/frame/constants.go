// Package frame implements the LAPD (Q.921) frame codec: the two-octet
// address field, the I/S/U control field variants and the layer 2
// management (TEI) message body.
package frame

import "errors"

// Address field
const (
	AddressSize = 2 // SAPI octet + TEI octet

	MaxSAPI        uint8 = 63
	MaxStaticTEI   uint8 = 63
	MinDynamicTEI  uint8 = 64
	MaxDynamicTEI  uint8 = 126
	BroadcastTEI   uint8 = 127
	NumDynamicTEIs       = int(MaxDynamicTEI-MinDynamicTEI) + 1

	addrEA uint8 = 0x01 // Extension bit (0 in octet 1, 1 in octet 2)
	addrCR uint8 = 0x02 // Command/response bit in octet 1
)

// Well-known SAPIs
const (
	SAPICallControl uint8 = 0  // Q.931 call control
	SAPIPacketMode  uint8 = 1  // Q.931 packet mode
	SAPIX25         uint8 = 16 // X.25 packet data
	SAPIManagement  uint8 = 63 // Layer 2 management (TEI assignment)
)

// Control field
const (
	ctrlNotI  uint8 = 0x01 // bit 0 set: S or U frame
	ctrlU     uint8 = 0x03 // bits 0-1 set: U frame
	ctrlUMask uint8 = 0xEC // modifier bits of a U frame
	ctrlSMask uint8 = 0xFE // function bits of an S frame octet 1
	ctrlPFU   uint8 = 0x10 // P/F bit of a U frame
	ctrlPFS   uint8 = 0x01 // P/F bit in octet 2 of I and S frames

	SeqModulus = 128 // Modulo for N(S), N(R), V(S), V(A), V(R)
)

// Minimum sizes, including the address field
const (
	MinUFrameSize = AddressSize + 1
	MinSFrameSize = AddressSize + 2
	MinIFrameSize = AddressSize + 2
)

// Kind discriminates the three control field formats
type Kind int

const (
	KindI Kind = iota // Numbered information transfer
	KindS             // Supervisory
	KindU             // Unnumbered
)

// String returns string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindS:
		return "S"
	case KindU:
		return "U"
	default:
		return "Unknown"
	}
}

// SFunction is the supervisory function, octet 1 of the control field with the low bit cleared
type SFunction uint8

const (
	RR  SFunction = 0x00 // Receive ready
	RNR SFunction = 0x04 // Receive not ready
	REJ SFunction = 0x08 // Reject
)

// Known reports whether f is a defined supervisory function
func (f SFunction) Known() bool {
	return f == RR || f == RNR || f == REJ
}

// String returns string representation of SFunction
func (f SFunction) String() string {
	switch f {
	case RR:
		return "RR"
	case RNR:
		return "RNR"
	case REJ:
		return "REJ"
	default:
		return "S?"
	}
}

// UFunction is the unnumbered function, the control octet masked with 0xEC
type UFunction uint8

const (
	SABME UFunction = 0x6C // Set asynchronous balanced mode extended
	DM    UFunction = 0x0C // Disconnected mode
	UI    UFunction = 0x00 // Unnumbered information
	DISC  UFunction = 0x40 // Disconnect
	UA    UFunction = 0x60 // Unnumbered acknowledgement
	FRMR  UFunction = 0x84 // Frame reject
	XID   UFunction = 0xAC // Exchange identification
)

// Known reports whether f is a defined unnumbered function
func (f UFunction) Known() bool {
	switch f {
	case SABME, DM, UI, DISC, UA, FRMR, XID:
		return true
	}
	return false
}

// String returns string representation of UFunction
func (f UFunction) String() string {
	switch f {
	case SABME:
		return "SABME"
	case DM:
		return "DM"
	case UI:
		return "UI"
	case DISC:
		return "DISC"
	case UA:
		return "UA"
	case FRMR:
		return "FRMR"
	case XID:
		return "XID"
	default:
		return "U?"
	}
}

// Role is the side of the user-network interface an entity sits on
type Role int

const (
	RoleNetwork Role = iota // Network side (NT, exchange)
	RoleUser                // User side (TE, terminal)
)

// String returns string representation of Role
func (r Role) String() string {
	switch r {
	case RoleNetwork:
		return "network"
	case RoleUser:
		return "user"
	default:
		return "unknown"
	}
}

// Peer returns the role of the entity at the other end of the link
func (r Role) Peer() Role {
	if r == RoleNetwork {
		return RoleUser
	}
	return RoleNetwork
}

// Errors
var (
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrMalformedManagement = errors.New("malformed layer 2 management message")
	ErrFieldRange          = errors.New("frame field out of range")
)
