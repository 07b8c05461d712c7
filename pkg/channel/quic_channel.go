package channel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/atomic"
)

// quicALPN is the application protocol negotiated on QUIC channels
const quicALPN = "lapd-quic"

// QUICChannel implements PhysicalChannel over a single bidirectional QUIC
// stream carrying HDLC framed LAPD frames
type QUICChannel struct {
	// Connection
	connection *quic.Conn
	stream     *quic.Stream
	decoder    *HDLCDecoder
	connLock   sync.RWMutex
	writeMu    sync.Mutex

	// Configuration
	address        string
	isServer       bool
	listener       *quic.Listener
	reconnectDelay time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config

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

// QUICChannelConfig configures a QUIC channel
type QUICChannelConfig struct {
	Address        string        // "host:port" format
	IsServer       bool          // true = listen, false = connect
	ReconnectDelay time.Duration // Delay between reconnection attempts (client only)
	ReadTimeout    time.Duration // Idle read timeout (0 = no timeout)
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
	TLSConfig      *tls.Config   // Optional TLS config (if nil, will generate self-signed cert)
}

// NewQUICChannel creates a new QUIC channel. The client dials once
// synchronously and then keeps the connection up in the background.
func NewQUICChannel(config QUICChannelConfig) (*QUICChannel, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	qc := &QUICChannel{
		address:        config.Address,
		isServer:       config.IsServer,
		reconnectDelay: config.ReconnectDelay,
		readTimeout:    config.ReadTimeout,
		writeTimeout:   config.WriteTimeout,
		tlsConfig:      tlsConfig,
		ctx:            ctx,
		cancel:         cancel,
	}

	if config.IsServer {
		if err := qc.startServer(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		if err := qc.connect(); err != nil {
			cancel()
			return nil, err
		}
		qc.wg.Add(1)
		go qc.reconnectLoop()
	}

	return qc, nil
}

// generateTLSConfig generates a self-signed certificate for QUIC
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicALPN},
		InsecureSkipVerify: true, // self-signed
	}, nil
}

// startServer starts listening for incoming QUIC connections
func (qc *QUICChannel) startServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", qc.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", qc.address, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", qc.address, err)
	}

	listener, err := quic.Listen(udpConn, qc.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	qc.listener = listener

	qc.wg.Add(1)
	go qc.acceptLoop()

	return nil
}

// acceptLoop accepts incoming QUIC connections; a new peer replaces the old one
func (qc *QUICChannel) acceptLoop() {
	defer qc.wg.Done()

	for {
		conn, err := qc.listener.Accept(qc.ctx)
		if err != nil {
			if qc.closed.Load() || qc.ctx.Err() != nil {
				return
			}
			continue
		}

		qc.wg.Add(1)
		go qc.acceptStream(conn)
	}
}

// acceptStream waits for the peer's stream and attaches it. The stream
// surfaces once the client sends its first frame.
func (qc *QUICChannel) acceptStream(conn *quic.Conn) {
	defer qc.wg.Done()

	stream, err := conn.AcceptStream(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	qc.attach(conn, stream)
}

// dial opens a connection and its stream
func (qc *QUICChannel) dial() (*quic.Conn, *quic.Stream, error) {
	conn, err := quic.DialAddr(qc.ctx, qc.address, qc.tlsConfig, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", qc.address, err)
	}

	stream, err := conn.OpenStreamSync(qc.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return conn, stream, nil
}

// connect establishes a QUIC connection to the remote server
func (qc *QUICChannel) connect() error {
	conn, stream, err := qc.dial()
	if err != nil {
		return err
	}
	qc.attach(conn, stream)
	return nil
}

// reconnectLoop handles automatic reconnection for client mode
func (qc *QUICChannel) reconnectLoop() {
	defer qc.wg.Done()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-time.After(qc.reconnectDelay):
		}

		if !qc.IsConnected() {
			_ = qc.connect()
		}
	}
}

// attach makes conn and stream the active pair
func (qc *QUICChannel) attach(conn *quic.Conn, stream *quic.Stream) {
	if qc.closed.Load() {
		conn.CloseWithError(0, "channel closed")
		return
	}

	qc.connLock.Lock()
	replaced := qc.connection != nil
	if replaced {
		qc.stream.Close()
		qc.connection.CloseWithError(0, "new connection")
		qc.stats.disconnects.Inc()
	}
	qc.connection = conn
	qc.stream = stream
	qc.decoder = NewHDLCDecoder(stream)
	qc.stats.connects.Inc()
	qc.connLock.Unlock()

	if replaced {
		qc.state.lost()
	}
	qc.state.established()
}

// detach drops stream if it still belongs to the active connection
func (qc *QUICChannel) detach(stream *quic.Stream, reason string) {
	qc.connLock.Lock()
	if qc.stream != stream || stream == nil {
		qc.connLock.Unlock()
		return
	}
	qc.stream.Close()
	qc.connection.CloseWithError(0, reason)
	qc.stream = nil
	qc.connection = nil
	qc.decoder = nil
	qc.stats.disconnects.Inc()
	qc.connLock.Unlock()

	qc.state.lost()
}

func (qc *QUICChannel) current() (*quic.Stream, *HDLCDecoder) {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.stream, qc.decoder
}

// Read implements PhysicalChannel.Read
func (qc *QUICChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-qc.ctx.Done():
			return nil, ErrChannelClosed
		default:
		}

		stream, decoder := qc.current()
		if stream == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-qc.ctx.Done():
				return nil, ErrChannelClosed
			}
		}

		if qc.readTimeout > 0 {
			stream.SetReadDeadline(time.Now().Add(qc.readTimeout))
		}

		data, err := decoder.ReadFrame()
		switch {
		case err == nil:
			qc.stats.bytesReceived.Add(uint64(len(data)))
			return data, nil
		case errors.Is(err, ErrBadFCS):
			qc.stats.fcsErrors.Inc()
		case isFramingError(err):
			qc.stats.readErrors.Inc()
		default:
			if qc.closed.Load() {
				return nil, ErrChannelClosed
			}
			qc.stats.readErrors.Inc()
			qc.detach(stream, "read error")
		}
	}
}

// Write implements PhysicalChannel.Write
func (qc *QUICChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-qc.ctx.Done():
		return ErrChannelClosed
	default:
	}

	stream, _ := qc.current()
	if stream == nil {
		qc.stats.writeErrors.Inc()
		return fmt.Errorf("no stream")
	}

	qc.writeMu.Lock()
	defer qc.writeMu.Unlock()

	if qc.writeTimeout > 0 {
		stream.SetWriteDeadline(time.Now().Add(qc.writeTimeout))
	}

	n, err := stream.Write(EncodeHDLC(data))
	if err != nil {
		qc.stats.writeErrors.Inc()
		qc.detach(stream, "write error")
		return err
	}

	qc.stats.bytesSent.Add(uint64(n))
	return nil
}

// Close implements PhysicalChannel.Close
func (qc *QUICChannel) Close() error {
	if !qc.closed.CompareAndSwap(false, true) {
		return nil
	}

	qc.cancel()

	if qc.listener != nil {
		qc.listener.Close()
	}

	qc.connLock.Lock()
	if qc.connection != nil {
		qc.stream.Close()
		qc.connection.CloseWithError(0, "channel closed")
		qc.stats.disconnects.Inc()
		qc.connection = nil
		qc.stream = nil
		qc.decoder = nil
	}
	qc.connLock.Unlock()

	qc.wg.Wait()

	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (qc *QUICChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     qc.stats.bytesSent.Load(),
		BytesReceived: qc.stats.bytesReceived.Load(),
		WriteErrors:   qc.stats.writeErrors.Load(),
		ReadErrors:    qc.stats.readErrors.Load(),
		FCSErrors:     qc.stats.fcsErrors.Load(),
		Connects:      qc.stats.connects.Load(),
		Disconnects:   qc.stats.disconnects.Load(),
	}
}

// IsConnected returns true if there is an active connection
func (qc *QUICChannel) IsConnected() bool {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	return qc.connection != nil && qc.connection.Context().Err() == nil
}

// LocalAddr returns the local address of the connection
func (qc *QUICChannel) LocalAddr() net.Addr {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.connection != nil {
		return qc.connection.LocalAddr()
	}
	if qc.listener != nil {
		return qc.listener.Addr()
	}
	return nil
}

// RemoteAddr returns the remote address of the connection
func (qc *QUICChannel) RemoteAddr() net.Addr {
	qc.connLock.RLock()
	defer qc.connLock.RUnlock()
	if qc.connection != nil {
		return qc.connection.RemoteAddr()
	}
	return nil
}

// SetConnectionStateListener sets a listener for connection state changes
func (qc *QUICChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	qc.state.set(listener)
	if qc.IsConnected() {
		qc.state.established()
	}
}
