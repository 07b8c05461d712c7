package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
)

var (
	ErrChannelClosed = errors.New("channel is closed")
	ErrChannelOpen   = errors.New("channel is already open")
)

const writeQueueSize = 256

// Receiver consumes the upward physical layer primitives of a channel
type Receiver interface {
	PHDataIndication(f *frame.Frame)
	PHActivateIndication()
	PHDeactivateIndication()
}

// InformationReceiver is implemented by receivers that follow the
// connected state of the interface (MPH-INFORMATION-INDICATION)
type InformationReceiver interface {
	MPHInformationIndication(connected bool)
}

// Tap observes every frame crossing the channel, before encoding on the way
// out and after decoding on the way in
type Tap func(outgoing bool, data []byte)

// Channel runs the read and write loops of one physical channel and turns
// them into PH primitives for a Receiver
type Channel struct {
	id              string
	physicalChannel PhysicalChannel
	stats           *Statistics
	logger          logger.Logger

	receiver Receiver
	tap      Tap
	hookMu   sync.RWMutex

	// State
	state   ChannelState
	stateMu sync.RWMutex

	// Concurrency
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Write queue for serializing writes
	writeQueue chan *writeRequest
}

// writeRequest represents a write request; resp is nil for fire-and-forget
type writeRequest struct {
	data []byte
	resp chan error
}

// New creates a new channel
func New(id string, physical PhysicalChannel, log logger.Logger) *Channel {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		id:              id,
		physicalChannel: physical,
		stats:           NewStatistics(),
		logger:          log,
		state:           ChannelStateClosed,
		ctx:             ctx,
		cancel:          cancel,
		writeQueue:      make(chan *writeRequest, writeQueueSize),
	}
}

// ID returns the channel ID
func (c *Channel) ID() string {
	return c.id
}

// SetReceiver sets the consumer of PH indications. Set it before Open.
func (c *Channel) SetReceiver(r Receiver) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.receiver = r
}

// SetTap installs a frame observer, nil removes it
func (c *Channel) SetTap(t Tap) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.tap = t
}

func (c *Channel) hooks() (Receiver, Tap) {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.receiver, c.tap
}

// Open opens the channel and starts processing
func (c *Channel) Open() error {
	c.stateMu.Lock()
	if c.state == ChannelStateOpen {
		c.stateMu.Unlock()
		return ErrChannelOpen
	}
	if c.ctx.Err() != nil {
		c.stateMu.Unlock()
		return ErrChannelClosed
	}
	c.state = ChannelStateOpen
	c.stateMu.Unlock()

	c.logger.Info("Channel %s opening", c.id)

	// Listeners may report activation at once; the receiver can send from it
	c.physicalChannel.SetConnectionStateListener(c)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()

	c.logger.Info("Channel %s opened", c.id)
	return nil
}

// Close closes the channel. A closed channel cannot be reopened.
func (c *Channel) Close() error {
	c.stateMu.Lock()
	if c.state == ChannelStateClosed {
		c.stateMu.Unlock()
		c.cancel()
		return nil
	}
	c.state = ChannelStateClosed
	c.stateMu.Unlock()

	c.logger.Info("Channel %s closing", c.id)

	c.cancel()
	if err := c.physicalChannel.Close(); err != nil {
		c.logger.Error("Error closing physical channel: %v", err)
	}
	c.wg.Wait()

	c.logger.Info("Channel %s closed", c.id)
	return nil
}

// OnConnectionEstablished implements ConnectionStateListener
func (c *Channel) OnConnectionEstablished() {
	c.stats.Activation()
	c.logger.Info("Channel %s: PH-ACTIVATE-INDICATION", c.id)
	r, _ := c.hooks()
	if r == nil {
		return
	}
	if info, ok := r.(InformationReceiver); ok {
		info.MPHInformationIndication(true)
	}
	r.PHActivateIndication()
}

// OnConnectionLost implements ConnectionStateListener
func (c *Channel) OnConnectionLost() {
	c.stats.Deactivation()
	c.logger.Warn("Channel %s: PH-DEACTIVATE-INDICATION", c.id)
	r, _ := c.hooks()
	if r == nil {
		return
	}
	r.PHDeactivateIndication()
	if info, ok := r.(InformationReceiver); ok {
		info.MPHInformationIndication(false)
	}
}

// readLoop continuously reads from physical channel
func (c *Channel) readLoop() {
	c.logger.Debug("Channel %s read loop started", c.id)
	defer c.logger.Debug("Channel %s read loop stopped", c.id)

	for {
		data, err := c.physicalChannel.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrChannelClosed) {
				c.logger.Warn("Channel %s: physical channel closed", c.id)
				return
			}
			c.logger.Error("Channel %s read error: %v", c.id, err)
			c.stats.BadFrame()
			continue
		}

		receiver, tap := c.hooks()
		if tap != nil {
			tap(false, data)
		}
		if logger.FrameDebug() {
			c.logger.Debug("Channel %s RX %s", c.id, hex.EncodeToString(data))
		}

		f, err := frame.Parse(data)
		if err != nil {
			c.logger.Warn("Channel %s parse error: %v", c.id, err)
			c.stats.BadFrame()
			continue
		}

		c.stats.FrameRx()
		c.logger.Debug("Channel %s received frame: %s", c.id, f)

		if receiver != nil {
			receiver.PHDataIndication(f)
		}
	}
}

// writeLoop processes write requests
func (c *Channel) writeLoop() {
	c.logger.Debug("Channel %s write loop started", c.id)
	defer c.logger.Debug("Channel %s write loop stopped", c.id)

	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case req := <-c.writeQueue:
					req.done(ErrChannelClosed)
				default:
					return
				}
			}

		case req := <-c.writeQueue:
			if req.data == nil {
				req.done(nil)
				continue
			}
			err := c.physicalChannel.Write(c.ctx, req.data)
			if err != nil {
				c.logger.Error("Channel %s write error: %v", c.id, err)
				c.stats.WriteError()
			} else {
				c.stats.FrameTx()
			}
			req.done(err)
		}
	}
}

func (r *writeRequest) done(err error) {
	if r.resp != nil {
		r.resp <- err
	}
}

// encode serializes f, reports it to the tap and dumps it when frame
// debugging is on
func (c *Channel) encode(f *frame.Frame) ([]byte, error) {
	data, err := f.Serialize()
	if err != nil {
		return nil, err
	}
	if _, tap := c.hooks(); tap != nil {
		tap(true, data)
	}
	if logger.FrameDebug() {
		c.logger.Debug("Channel %s TX %s %s", c.id, f, hex.EncodeToString(data))
	}
	return data, nil
}

func (c *Channel) isOpen() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state == ChannelStateOpen
}

// SendFrame queues a PH-DATA-REQUEST without waiting. Frames are dropped
// when the channel is closed or the queue is full.
func (c *Channel) SendFrame(f *frame.Frame) {
	if !c.isOpen() {
		c.stats.DroppedTx()
		return
	}
	data, err := c.encode(f)
	if err != nil {
		c.logger.Error("Channel %s: cannot encode %s: %v", c.id, f, err)
		return
	}

	select {
	case c.writeQueue <- &writeRequest{data: data}:
	default:
		c.stats.DroppedTx()
		c.logger.Warn("Channel %s: write queue full, dropped %s", c.id, f)
	}
}

// Write sends a frame and waits until the physical channel accepted it
func (c *Channel) Write(ctx context.Context, f *frame.Frame) error {
	if !c.isOpen() {
		return ErrChannelClosed
	}
	data, err := c.encode(f)
	if err != nil {
		return err
	}

	return c.submit(ctx, &writeRequest{
		data: data,
		resp: make(chan error, 1),
	})
}

func (c *Channel) submit(ctx context.Context, req *writeRequest) error {
	select {
	case c.writeQueue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// Flush waits until every frame queued before the call has been handed to
// the physical channel
func (c *Channel) Flush(ctx context.Context) error {
	if !c.isOpen() {
		return ErrChannelClosed
	}
	return c.submit(ctx, &writeRequest{resp: make(chan error, 1)})
}

// GetStatistics returns channel statistics
func (c *Channel) GetStatistics() *Statistics {
	return c.stats
}

// GetPhysicalStatistics returns physical channel statistics
func (c *Channel) GetPhysicalStatistics() TransportStats {
	return c.physicalChannel.Statistics()
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// String returns string representation of channel
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{ID=%s, State=%s, Tx=%d, Rx=%d}",
		c.id, c.State(), c.stats.GetFramesTx(), c.stats.GetFramesRx())
}
