package channel

import (
	"context"
	"sync"
)

// ConnectionStateListener receives notifications about connection state changes.
// For LAPD these are the PH-ACTIVATE and PH-DEACTIVATE indications.
type ConnectionStateListener interface {
	// OnConnectionEstablished is called when a new connection is established
	OnConnectionEstablished()

	// OnConnectionLost is called when a connection is lost
	OnConnectionLost()
}

// PhysicalChannel represents a pluggable physical layer.
// Implementations carry whole LAPD frames (address, control and
// information octets, no flags and no FCS). Stream transports delimit and
// protect frames with HDLC framing; datagram transports send one frame per
// datagram.
type PhysicalChannel interface {
	// Read reads the next frame from the physical medium.
	// Blocks until a frame is available, the context is cancelled or the
	// channel is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write writes one frame to the physical medium.
	// Must be safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close closes the physical connection and unblocks pending Read/Write
	Close() error

	// Statistics returns transport-level statistics
	Statistics() TransportStats

	// SetConnectionStateListener sets a listener for connection state changes.
	// Channels that are always up may report OnConnectionEstablished once.
	SetConnectionStateListener(listener ConnectionStateListener)
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	FCSErrors     uint64 // Frames dropped for a bad frame check sequence
	Connects      uint64 // Number of connections (for connection-oriented transports)
	Disconnects   uint64 // Number of disconnections
}

// ChannelState represents the state of a channel
type ChannelState int

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosed
)

// String returns string representation of ChannelState
func (s ChannelState) String() string {
	switch s {
	case ChannelStateOpen:
		return "Open"
	case ChannelStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// listenerSlot holds the ConnectionStateListener of a physical channel
type listenerSlot struct {
	mu       sync.RWMutex
	listener ConnectionStateListener
}

func (s *listenerSlot) set(l ConnectionStateListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *listenerSlot) get() ConnectionStateListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

func (s *listenerSlot) established() {
	if l := s.get(); l != nil {
		l.OnConnectionEstablished()
	}
}

func (s *listenerSlot) lost() {
	if l := s.get(); l != nil {
		l.OnConnectionLost()
	}
}
