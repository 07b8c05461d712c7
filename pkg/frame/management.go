package frame

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ManagementEntity identifies TEI management procedures in the first octet
// of a layer 2 management message.
const ManagementEntity uint8 = 0x0F

const minManagementSize = 5 // entity, Ri (2), type, one Ai

// MessageType is the TEI management message type
type MessageType uint8

const (
	TEIRequest       MessageType = 1
	TEIAssigned      MessageType = 2
	TEIDenied        MessageType = 3
	TEICheckRequest  MessageType = 4
	TEICheckResponse MessageType = 5
	TEIRemove        MessageType = 6
	TEIVerify        MessageType = 7
)

// String returns string representation of MessageType
func (m MessageType) String() string {
	switch m {
	case TEIRequest:
		return "ID_REQUEST"
	case TEIAssigned:
		return "ID_ASSIGNED"
	case TEIDenied:
		return "ID_DENIED"
	case TEICheckRequest:
		return "ID_CHECK_REQUEST"
	case TEICheckResponse:
		return "ID_CHECK_RESPONSE"
	case TEIRemove:
		return "ID_REMOVE"
	case TEIVerify:
		return "ID_VERIFY"
	default:
		return fmt.Sprintf("ID_TYPE(%d)", uint8(m))
	}
}

// Management is a TEI management message carried in a UI frame on
// SAPI 63, TEI 127
type Management struct {
	Ri   uint16      // Reference number
	Type MessageType // Message type
	Ai   []uint8     // Action indicators, usually exactly one
}

// NewManagement creates a message with a single action indicator
func NewManagement(t MessageType, ri uint16, ai uint8) *Management {
	return &Management{Ri: ri, Type: t, Ai: []uint8{ai}}
}

// Serialize encodes the message body
func (m *Management) Serialize() ([]byte, error) {
	if len(m.Ai) == 0 {
		return nil, fmt.Errorf("%w: no action indicator", ErrFieldRange)
	}

	buf := make([]byte, 4, 4+len(m.Ai))
	buf[0] = ManagementEntity
	binary.BigEndian.PutUint16(buf[1:3], m.Ri)
	buf[3] = uint8(m.Type)
	for i, ai := range m.Ai {
		if ai > BroadcastTEI {
			return nil, fmt.Errorf("%w: Ai %d", ErrFieldRange, ai)
		}
		octet := ai << 1
		if i == len(m.Ai)-1 {
			octet |= addrEA
		}
		buf = append(buf, octet)
	}
	return buf, nil
}

// ParseManagement decodes the information field of a management UI frame
func ParseManagement(info []byte) (*Management, error) {
	if len(info) < minManagementSize {
		return nil, fmt.Errorf("%w: %d octets", ErrMalformedManagement, len(info))
	}
	if info[0] != ManagementEntity {
		return nil, fmt.Errorf("%w: entity 0x%02X", ErrMalformedManagement, info[0])
	}

	m := &Management{
		Ri:   binary.BigEndian.Uint16(info[1:3]),
		Type: MessageType(info[3]),
	}
	if m.Type < TEIRequest || m.Type > TEIVerify {
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedManagement, info[3])
	}

	for _, octet := range info[4:] {
		m.Ai = append(m.Ai, octet>>1)
		if octet&addrEA != 0 {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: Ai list not terminated", ErrMalformedManagement)
}

// ManagementFrame wraps a management message in a UI command frame
// addressed to the broadcast TEI.
func ManagementFrame(sender Role, m *Management) (*Frame, error) {
	body, err := m.Serialize()
	if err != nil {
		return nil, err
	}
	return NewU(SAPIManagement, BroadcastTEI, CRBit(sender, true), UI, false, body), nil
}

// IsManagement reports whether f carries a TEI management message
func (f *Frame) IsManagement() bool {
	return f.Is(UI) && f.SAPI == SAPIManagement && f.TEI == BroadcastTEI
}

// String returns string representation of Management
func (m *Management) String() string {
	ai := make([]string, len(m.Ai))
	for i, v := range m.Ai {
		ai[i] = fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%s Ri=%d Ai=%s", m.Type, m.Ri, strings.Join(ai, ","))
}
