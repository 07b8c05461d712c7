// Package capture records LAPD frames to pcap files readable by Wireshark
// and tcpdump (link type LINUX_LAPD).
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/atomic"

	"avaneesh/lapd-go/pkg/frame"
)

// LinkTypeLinuxLAPD is the pcap link type of LAPD frames carrying the Linux
// pseudo-header
const LinkTypeLinuxLAPD = layers.LinkType(177)

// Linux LAPD pseudo-header
const (
	HeaderSize = 16

	packetIncoming uint16 = 0 // PACKET_HOST
	packetOutgoing uint16 = 4 // PACKET_OUTGOING
	arphrdLAPD     uint16 = 8445
	ethPLAPD       uint16 = 0x0030

	snapLen = 65535
)

var ErrClosed = errors.New("capture is closed")

// Writer appends frames to a pcap stream. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	pcap   *pcapgo.Writer
	closer io.Closer
	closed bool
	now    func() time.Time

	packets atomic.Uint64
	errors  atomic.Uint64
}

// Create creates (or truncates) a pcap file
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture %s: %w", path, err)
	}
	w, err := newWriter(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes a pcap stream to w
func NewWriter(w io.Writer) (*Writer, error) {
	return newWriter(w, nil)
}

func newWriter(w io.Writer, c io.Closer) (*Writer, error) {
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(snapLen, LinkTypeLinuxLAPD); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{
		buf:    buf,
		pcap:   pw,
		closer: c,
		now:    time.Now,
	}, nil
}

// PseudoHeader builds the 16 octet Linux LAPD header. The address octet is
// 1 when the capturing entity is on the network side.
func PseudoHeader(role frame.Role, outgoing bool) [HeaderSize]byte {
	var h [HeaderSize]byte
	pkt := packetIncoming
	if outgoing {
		pkt = packetOutgoing
	}
	binary.BigEndian.PutUint16(h[0:2], pkt)
	binary.BigEndian.PutUint16(h[2:4], arphrdLAPD)
	binary.BigEndian.PutUint16(h[4:6], 1)
	if role == frame.RoleNetwork {
		h[6] = 1
	}
	binary.BigEndian.PutUint16(h[14:16], ethPLAPD)
	return h
}

// WriteFrame records one frame as seen by an entity of the given role
func (w *Writer) WriteFrame(role frame.Role, outgoing bool, data []byte) error {
	hdr := PseudoHeader(role, outgoing)
	pkt := make([]byte, 0, HeaderSize+len(data))
	pkt = append(pkt, hdr[:]...)
	pkt = append(pkt, data...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	err := w.pcap.WritePacket(gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}, pkt)
	if err != nil {
		w.errors.Inc()
		return err
	}
	w.packets.Inc()
	return nil
}

// Tap returns a frame observer for a channel whose entity has the given role
func (w *Writer) Tap(role frame.Role) func(outgoing bool, data []byte) {
	return func(outgoing bool, data []byte) {
		_ = w.WriteFrame(role, outgoing, data)
	}
}

// Flush writes buffered packets to the underlying writer
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buf.Flush()
}

// Packets returns the number of frames written
func (w *Writer) Packets() uint64 {
	return w.packets.Load()
}

// Errors returns the number of frames that could not be written
func (w *Writer) Errors() uint64 {
	return w.errors.Load()
}

// Close flushes the capture and closes the file it was created with
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
