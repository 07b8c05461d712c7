package frame

import (
	"bytes"
	"fmt"
)

// Frame represents a LAPD frame without flags and FCS
type Frame struct {
	// Address fields
	SAPI uint8 // Service access point identifier (0-63)
	TEI  uint8 // Terminal endpoint identifier (0-127)
	CR   bool  // Command/response bit as carried on the wire

	// Control fields
	Kind Kind      // I, S or U
	NS   uint8     // Send sequence number (I frames)
	NR   uint8     // Receive sequence number (I and S frames)
	PF   bool      // Poll/final bit
	S    SFunction // Supervisory function (S frames)
	U    UFunction // Unnumbered function (U frames)

	// Information field
	Info []byte
}

// CRBit returns the C/R bit a sender of the given role puts on a command
// (command=true) or response frame. The network side marks commands with
// 1, the user side with 0.
func CRBit(sender Role, command bool) bool {
	return command == (sender == RoleNetwork)
}

// IsCommand interprets a received C/R bit from the point of view of the
// receiving entity.
func IsCommand(receiver Role, cr bool) bool {
	return CRBit(receiver.Peer(), true) == cr
}

// NewI creates an I frame
func NewI(sapi, tei uint8, cr bool, ns, nr uint8, poll bool, info []byte) *Frame {
	return &Frame{
		SAPI: sapi,
		TEI:  tei,
		CR:   cr,
		Kind: KindI,
		NS:   ns,
		NR:   nr,
		PF:   poll,
		Info: info,
	}
}

// NewS creates a supervisory frame
func NewS(sapi, tei uint8, cr bool, fn SFunction, nr uint8, pf bool) *Frame {
	return &Frame{
		SAPI: sapi,
		TEI:  tei,
		CR:   cr,
		Kind: KindS,
		S:    fn,
		NR:   nr,
		PF:   pf,
	}
}

// NewU creates an unnumbered frame
func NewU(sapi, tei uint8, cr bool, fn UFunction, pf bool, info []byte) *Frame {
	return &Frame{
		SAPI: sapi,
		TEI:  tei,
		CR:   cr,
		Kind: KindU,
		U:    fn,
		PF:   pf,
		Info: info,
	}
}

// Is reports whether f is a U frame carrying fn
func (f *Frame) Is(fn UFunction) bool {
	return f.Kind == KindU && f.U == fn
}

// EncodeAddress writes the two address octets
func EncodeAddress(sapi, tei uint8, cr bool) [2]byte {
	var a [2]byte
	a[0] = sapi << 2
	if cr {
		a[0] |= addrCR
	}
	a[1] = tei<<1 | addrEA
	return a
}

// DecodeAddress reads the two address octets
func DecodeAddress(data []byte) (sapi, tei uint8, cr bool, err error) {
	if len(data) < AddressSize {
		return 0, 0, false, fmt.Errorf("%w: %d octets, address needs %d", ErrMalformedFrame, len(data), AddressSize)
	}
	if data[0]&addrEA != 0 {
		return 0, 0, false, fmt.Errorf("%w: EA1 set in address octet 1 (0x%02X)", ErrMalformedFrame, data[0])
	}
	if data[1]&addrEA == 0 {
		return 0, 0, false, fmt.Errorf("%w: EA2 clear in address octet 2 (0x%02X)", ErrMalformedFrame, data[1])
	}
	return data[0] >> 2, data[1] >> 1, data[0]&addrCR != 0, nil
}

// DecodeControl classifies the first control octet
func DecodeControl(ctrl byte) Kind {
	switch {
	case ctrl&ctrlNotI == 0:
		return KindI
	case ctrl&ctrlU == ctrlNotI:
		return KindS
	default:
		return KindU
	}
}

// Serialize converts the frame to wire format
func (f *Frame) Serialize() ([]byte, error) {
	if f.SAPI > MaxSAPI || f.TEI > BroadcastTEI || f.NS >= SeqModulus || f.NR >= SeqModulus {
		return nil, fmt.Errorf("%w: %s", ErrFieldRange, f)
	}

	addr := EncodeAddress(f.SAPI, f.TEI, f.CR)
	var buf []byte

	switch f.Kind {
	case KindI:
		buf = make([]byte, 0, MinIFrameSize+len(f.Info))
		buf = append(buf, addr[0], addr[1], f.NS<<1, f.NR<<1|pfS(f.PF))
		buf = append(buf, f.Info...)
	case KindS:
		buf = make([]byte, 0, MinSFrameSize+len(f.Info))
		buf = append(buf, addr[0], addr[1], uint8(f.S)|ctrlNotI, f.NR<<1|pfS(f.PF))
		buf = append(buf, f.Info...)
	case KindU:
		ctrl := uint8(f.U)&ctrlUMask | ctrlU
		if f.PF {
			ctrl |= ctrlPFU
		}
		buf = make([]byte, 0, MinUFrameSize+len(f.Info))
		buf = append(buf, addr[0], addr[1], ctrl)
		buf = append(buf, f.Info...)
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrFieldRange, f.Kind)
	}

	return buf, nil
}

func pfS(set bool) uint8 {
	if set {
		return ctrlPFS
	}
	return 0
}

// Parse parses wire format data into a Frame. The information field is
// copied. Unknown S and U functions are returned as-is for the data link
// entity to reject.
func Parse(data []byte) (*Frame, error) {
	sapi, tei, cr, err := DecodeAddress(data)
	if err != nil {
		return nil, err
	}
	if len(data) < MinUFrameSize {
		return nil, fmt.Errorf("%w: no control field", ErrMalformedFrame)
	}

	f := &Frame{SAPI: sapi, TEI: tei, CR: cr}
	ctrl := data[AddressSize]
	f.Kind = DecodeControl(ctrl)

	var rest []byte
	switch f.Kind {
	case KindI, KindS:
		if len(data) < MinIFrameSize {
			return nil, fmt.Errorf("%w: %s frame of %d octets", ErrMalformedFrame, f.Kind, len(data))
		}
		octet2 := data[AddressSize+1]
		f.NR = octet2 >> 1
		f.PF = octet2&ctrlPFS != 0
		if f.Kind == KindI {
			f.NS = ctrl >> 1
		} else {
			f.S = SFunction(ctrl & ctrlSMask)
		}
		rest = data[MinIFrameSize:]
	case KindU:
		f.U = UFunction(ctrl & ctrlUMask)
		f.PF = ctrl&ctrlPFU != 0
		rest = data[MinUFrameSize:]
	}

	if len(rest) > 0 {
		f.Info = append([]byte(nil), rest...)
	}
	return f, nil
}

// Clone creates a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Info != nil {
		c.Info = append([]byte(nil), f.Info...)
	}
	return &c
}

// Name returns the mnemonic of the frame (I, RR, SABME ...)
func (f *Frame) Name() string {
	switch f.Kind {
	case KindI:
		return "I"
	case KindS:
		return f.S.String()
	default:
		return f.U.String()
	}
}

// String returns string representation of frame
func (f *Frame) String() string {
	var buf bytes.Buffer

	cr := 0
	if f.CR {
		cr = 1
	}
	pf := 0
	if f.PF {
		pf = 1
	}

	fmt.Fprintf(&buf, "%s sapi=%d tei=%d c/r=%d", f.Name(), f.SAPI, f.TEI, cr)
	switch f.Kind {
	case KindI:
		fmt.Fprintf(&buf, " N(S)=%d N(R)=%d P=%d", f.NS, f.NR, pf)
	case KindS:
		fmt.Fprintf(&buf, " N(R)=%d P/F=%d", f.NR, pf)
	default:
		fmt.Fprintf(&buf, " P/F=%d", pf)
	}
	if len(f.Info) > 0 {
		fmt.Fprintf(&buf, " len=%d", len(f.Info))
	}
	return buf.String()
}
