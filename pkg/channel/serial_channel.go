package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/atomic"
)

// SerialChannel implements PhysicalChannel on a serial line with HDLC
// framing. The line counts as active while the port is open.
type SerialChannel struct {
	port    *serial.Port
	decoder *HDLCDecoder
	writeMu sync.Mutex

	name  string
	state listenerSlot

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		fcsErrors     atomic.Uint64
	}

	closed atomic.Bool
}

// SerialChannelConfig configures a serial channel
type SerialChannelConfig struct {
	Device      string        // e.g. /dev/ttyUSB0 or COM3
	BaudRate    int           // default 115200
	DataBits    byte          // default 8
	Parity      serial.Parity // default none
	StopBits    serial.StopBits
	ReadTimeout time.Duration // Poll interval for close checks, default 500ms
}

// NewSerialChannel opens the serial port
func NewSerialChannel(config SerialChannelConfig) (*SerialChannel, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("device is required")
	}
	if config.BaudRate == 0 {
		config.BaudRate = 115200
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.Parity == 0 {
		config.Parity = serial.ParityNone
	}
	if config.StopBits == 0 {
		config.StopBits = serial.Stop1
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 500 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Device,
		Baud:        config.BaudRate,
		ReadTimeout: config.ReadTimeout,
		Size:        config.DataBits,
		Parity:      config.Parity,
		StopBits:    config.StopBits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", config.Device, err)
	}

	sc := &SerialChannel{
		port: port,
		name: config.Device,
	}
	sc.decoder = NewHDLCDecoder(&pollingReader{r: port, closed: &sc.closed})
	return sc, nil
}

// pollingReader hides read timeouts, which the port reports as empty
// reads, so that partial frames survive in the decoder
type pollingReader struct {
	r      io.Reader
	closed *atomic.Bool
}

func (p *pollingReader) Read(b []byte) (int, error) {
	for {
		n, err := p.r.Read(b)
		if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
			if p.closed.Load() {
				return 0, ErrChannelClosed
			}
			continue
		}
		return n, err
	}
}

// Read implements PhysicalChannel.Read
func (sc *SerialChannel) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if sc.closed.Load() {
			return nil, ErrChannelClosed
		}

		data, err := sc.decoder.ReadFrame()
		switch {
		case err == nil:
			sc.stats.bytesReceived.Add(uint64(len(data)))
			return data, nil
		case errors.Is(err, ErrBadFCS):
			sc.stats.fcsErrors.Inc()
		case isFramingError(err):
			sc.stats.readErrors.Inc()
		default:
			if sc.closed.Load() {
				return nil, ErrChannelClosed
			}
			sc.stats.readErrors.Inc()
			return nil, err
		}
	}
}

// Write implements PhysicalChannel.Write
func (sc *SerialChannel) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sc.closed.Load() {
		return ErrChannelClosed
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	n, err := sc.port.Write(EncodeHDLC(data))
	if err != nil {
		sc.stats.writeErrors.Inc()
		return err
	}
	sc.stats.bytesSent.Add(uint64(n))
	return nil
}

// Close implements PhysicalChannel.Close
func (sc *SerialChannel) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return nil
	}
	return sc.port.Close()
}

// Statistics implements PhysicalChannel.Statistics
func (sc *SerialChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     sc.stats.bytesSent.Load(),
		BytesReceived: sc.stats.bytesReceived.Load(),
		WriteErrors:   sc.stats.writeErrors.Load(),
		ReadErrors:    sc.stats.readErrors.Load(),
		FCSErrors:     sc.stats.fcsErrors.Load(),
		Connects:      1,
	}
}

// SetConnectionStateListener implements PhysicalChannel
func (sc *SerialChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	sc.state.set(listener)
	if !sc.closed.Load() {
		sc.state.established()
	}
}

// Device returns the serial device name
func (sc *SerialChannel) Device() string {
	return sc.name
}
