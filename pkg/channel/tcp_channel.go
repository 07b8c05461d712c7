package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TCPChannel implements PhysicalChannel over a TCP stream with HDLC framing.
// Connection setup and loss are reported as PH-ACTIVATE and PH-DEACTIVATE.
type TCPChannel struct {
	// Connection
	conn     net.Conn
	decoder  *HDLCDecoder
	connLock sync.RWMutex
	writeMu  sync.Mutex

	// Configuration
	address        string
	isServer       bool
	listener       net.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	state listenerSlot

	// Statistics
	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		fcsErrors     atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// TCPChannelConfig configures a TCP channel
type TCPChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Idle read timeout (0 = no timeout)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
}

// NewTCPChannel creates a new TCP channel. A client that cannot connect
// keeps retrying in the background.
func NewTCPChannel(config TCPChannelConfig) (*TCPChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	tc := &TCPChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := tc.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		tc.wg.Add(1)
		go tc.reconnectLoop()
	}

	return tc, nil
}

// startServer starts listening for incoming connections
func (tc *TCPChannel) startServer() error {
	listener, err := net.Listen("tcp", tc.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", tc.address, err)
	}

	tc.listener = listener

	tc.wg.Add(1)
	go tc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections; a new peer replaces the old one
func (tc *TCPChannel) acceptLoop() {
	defer tc.wg.Done()

	for {
		conn, err := tc.listener.Accept()
		if err != nil {
			if tc.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-tc.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		tc.attach(conn)
	}
}

// reconnectLoop keeps a client connection up
func (tc *TCPChannel) reconnectLoop() {
	defer tc.wg.Done()

	dialer := net.Dialer{Timeout: 10 * time.Second}
	for {
		if !tc.IsConnected() {
			conn, err := dialer.DialContext(tc.ctx, "tcp", tc.address)
			if err == nil {
				tc.attach(conn)
			}
		}

		select {
		case <-tc.ctx.Done():
			return
		case <-time.After(tc.reconnectDelay):
		}
	}
}

// attach makes conn the active connection
func (tc *TCPChannel) attach(conn net.Conn) {
	if tc.closed.Load() {
		conn.Close()
		return
	}

	tc.connLock.Lock()
	replaced := tc.conn != nil
	if replaced {
		tc.conn.Close()
		tc.stats.disconnects.Inc()
	}
	tc.conn = conn
	tc.decoder = NewHDLCDecoder(conn)
	tc.stats.connects.Inc()
	tc.connLock.Unlock()

	if replaced {
		tc.state.lost()
	}
	tc.state.established()
}

// detach drops conn if it is still the active connection
func (tc *TCPChannel) detach(conn net.Conn) {
	tc.connLock.Lock()
	if tc.conn != conn {
		tc.connLock.Unlock()
		return
	}
	tc.conn.Close()
	tc.conn = nil
	tc.decoder = nil
	tc.stats.disconnects.Inc()
	tc.connLock.Unlock()

	tc.state.lost()
}

func (tc *TCPChannel) current() (net.Conn, *HDLCDecoder) {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	return tc.conn, tc.decoder
}

// Read implements PhysicalChannel.Read
func (tc *TCPChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		conn, decoder := tc.current()
		if conn == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tc.ctx.Done():
				return nil, ErrChannelClosed
			}
		}

		if tc.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(tc.readTimeout))
		}

		data, err := decoder.ReadFrame()
		switch {
		case err == nil:
			tc.stats.bytesReceived.Add(uint64(len(data)))
			return data, nil
		case errors.Is(err, ErrBadFCS):
			tc.stats.fcsErrors.Inc()
		case isFramingError(err):
			tc.stats.readErrors.Inc()
		default:
			if tc.closed.Load() {
				return nil, ErrChannelClosed
			}
			tc.stats.readErrors.Inc()
			tc.detach(conn)
		}
	}
}

// Write implements PhysicalChannel.Write
func (tc *TCPChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	conn, _ := tc.current()
	if conn == nil {
		tc.stats.writeErrors.Inc()
		return fmt.Errorf("no connection")
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()

	if tc.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout))
	}

	n, err := conn.Write(EncodeHDLC(data))
	if err != nil {
		tc.stats.writeErrors.Inc()
		tc.detach(conn)
		return err
	}

	tc.stats.bytesSent.Add(uint64(n))
	return nil
}

// Close implements PhysicalChannel.Close
func (tc *TCPChannel) Close() error {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil
	}

	tc.cancel()

	if tc.listener != nil {
		tc.listener.Close()
	}

	tc.connLock.Lock()
	if tc.conn != nil {
		tc.conn.Close()
		tc.stats.disconnects.Inc()
		tc.conn = nil
		tc.decoder = nil
	}
	tc.connLock.Unlock()

	tc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (tc *TCPChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     tc.stats.bytesSent.Load(),
		BytesReceived: tc.stats.bytesReceived.Load(),
		WriteErrors:   tc.stats.writeErrors.Load(),
		ReadErrors:    tc.stats.readErrors.Load(),
		FCSErrors:     tc.stats.fcsErrors.Load(),
		Connects:      tc.stats.connects.Load(),
		Disconnects:   tc.stats.disconnects.Load(),
	}
}

// SetConnectionStateListener implements PhysicalChannel
func (tc *TCPChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	tc.state.set(listener)
	if tc.IsConnected() {
		tc.state.established()
	}
}

// IsConnected returns true if there is an active connection
func (tc *TCPChannel) IsConnected() bool {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	return tc.conn != nil
}

// LocalAddr returns the local address of the connection, or of the
// listener when no peer is connected
func (tc *TCPChannel) LocalAddr() net.Addr {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.LocalAddr()
	}
	if tc.listener != nil {
		return tc.listener.Addr()
	}
	return nil
}

// RemoteAddr returns the remote address of the connection
func (tc *TCPChannel) RemoteAddr() net.Addr {
	tc.connLock.RLock()
	defer tc.connLock.RUnlock()
	if tc.conn != nil {
		return tc.conn.RemoteAddr()
	}
	return nil
}
