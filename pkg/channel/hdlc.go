package channel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/sigurn/crc16"
)

// HDLC asynchronous framing for stream transports: frames are delimited by
// flag octets, flag and escape octets inside a frame are escaped, and a
// CRC-16/X-25 FCS is appended least significant octet first.
const (
	hdlcFlag   byte = 0x7E
	hdlcEscape byte = 0x7D
	hdlcXor    byte = 0x20

	fcsSize = 2

	// MaxFrameSize bounds a decoded frame: address, 2 control octets, the
	// largest N201 plus FCS
	MaxFrameSize = 4 + 512 + fcsSize
)

var (
	ErrInvalidFrame = errors.New("invalid HDLC frame")
	ErrBadFCS       = errors.New("frame check sequence mismatch")
	ErrFrameTooLong = errors.New("HDLC frame exceeds maximum size")
)

var fcsTable = crc16.MakeTable(crc16.CRC16_X_25)

// FCS computes the frame check sequence of data
func FCS(data []byte) uint16 {
	return crc16.Checksum(data, fcsTable)
}

// EncodeHDLC wraps a frame in flags, appends the FCS and escapes the body
func EncodeHDLC(data []byte) []byte {
	var fcs [fcsSize]byte
	binary.LittleEndian.PutUint16(fcs[:], FCS(data))

	out := make([]byte, 0, len(data)+2*fcsSize+2)
	out = append(out, hdlcFlag)
	for _, part := range [][]byte{data, fcs[:]} {
		for _, b := range part {
			if b == hdlcFlag || b == hdlcEscape {
				out = append(out, hdlcEscape, b^hdlcXor)
			} else {
				out = append(out, b)
			}
		}
	}
	return append(out, hdlcFlag)
}

// HDLCDecoder reads HDLC framed LAPD frames from a byte stream
type HDLCDecoder struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewHDLCDecoder returns a decoder that reads from r
func NewHDLCDecoder(r io.Reader) *HDLCDecoder {
	return &HDLCDecoder{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame without FCS. Octets before the first
// flag and empty frames between consecutive flags are skipped. ErrBadFCS,
// ErrInvalidFrame and ErrFrameTooLong are per-frame errors; the decoder
// stays usable after them. Any other error comes from the reader.
func (d *HDLCDecoder) ReadFrame() ([]byte, error) {
	for {
		raw, err := d.r.ReadBytes(hdlcFlag)
		if err != nil {
			return nil, err
		}
		raw = raw[:len(raw)-1]
		if len(raw) == 0 {
			continue
		}
		return d.decode(raw)
	}
}

func (d *HDLCDecoder) decode(raw []byte) ([]byte, error) {
	d.buf.Reset()
	escaped := false
	for _, b := range raw {
		switch {
		case escaped:
			d.buf.WriteByte(b ^ hdlcXor)
			escaped = false
		case b == hdlcEscape:
			escaped = true
		default:
			d.buf.WriteByte(b)
		}
	}

	body := d.buf.Bytes()
	switch {
	case escaped:
		return nil, ErrInvalidFrame
	case len(body) > MaxFrameSize:
		return nil, ErrFrameTooLong
	case len(body) < fcsSize+1:
		return nil, ErrInvalidFrame
	}

	data := body[:len(body)-fcsSize]
	if binary.LittleEndian.Uint16(body[len(body)-fcsSize:]) != FCS(data) {
		return nil, ErrBadFCS
	}
	return bytes.Clone(data), nil
}

// isFramingError reports whether err concerns a single frame rather than
// the underlying stream
func isFramingError(err error) bool {
	return errors.Is(err, ErrBadFCS) || errors.Is(err, ErrInvalidFrame) || errors.Is(err, ErrFrameTooLong)
}
