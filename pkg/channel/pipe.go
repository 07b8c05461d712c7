package channel

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

const pipeDepth = 256

// PipeChannel is one end of an in-memory physical channel. Writes on one end
// are read from the other; closing either end deactivates the peer.
type PipeChannel struct {
	inbox chan []byte
	peer  *PipeChannel
	done  chan struct{}
	once  sync.Once

	filter   func(data []byte) bool
	filterMu sync.RWMutex

	state listenerSlot

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		dropped       atomic.Uint64
	}
}

// Pipe returns two connected in-memory physical channels
func Pipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{inbox: make(chan []byte, pipeDepth), done: make(chan struct{})}
	b := &PipeChannel{inbox: make(chan []byte, pipeDepth), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetFilter installs a predicate applied to every frame written on this end.
// Frames for which it returns false are silently lost.
func (p *PipeChannel) SetFilter(f func(data []byte) bool) {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	p.filter = f
}

func (p *PipeChannel) pass(data []byte) bool {
	p.filterMu.RLock()
	defer p.filterMu.RUnlock()
	return p.filter == nil || p.filter(data)
}

// Read implements PhysicalChannel.Read
func (p *PipeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.inbox:
		p.stats.bytesReceived.Add(uint64(len(data)))
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrChannelClosed
	}
}

// Write implements PhysicalChannel.Write
func (p *PipeChannel) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	case <-p.peer.done:
		p.stats.writeErrors.Inc()
		return ErrChannelClosed
	default:
	}

	if !p.pass(data) {
		p.stats.dropped.Inc()
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.peer.inbox <- buf:
		p.stats.bytesSent.Add(uint64(len(data)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrChannelClosed
	case <-p.peer.done:
		p.stats.writeErrors.Inc()
		return ErrChannelClosed
	}
}

// Close implements PhysicalChannel.Close
func (p *PipeChannel) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.peer.state.lost()
	})
	return nil
}

// Statistics implements PhysicalChannel.Statistics
func (p *PipeChannel) Statistics() TransportStats {
	return TransportStats{
		BytesSent:     p.stats.bytesSent.Load(),
		BytesReceived: p.stats.bytesReceived.Load(),
		WriteErrors:   p.stats.writeErrors.Load(),
		Connects:      1,
	}
}

// Dropped returns the number of frames removed by the filter
func (p *PipeChannel) Dropped() uint64 {
	return p.stats.dropped.Load()
}

// SetConnectionStateListener implements PhysicalChannel. An open pipe is
// reported as active right away.
func (p *PipeChannel) SetConnectionStateListener(listener ConnectionStateListener) {
	p.state.set(listener)
	select {
	case <-p.done:
	default:
		p.state.established()
	}
}
