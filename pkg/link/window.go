package link

import "avaneesh/lapd-go/pkg/frame"

const seqMask = frame.SeqModulus - 1

// seqAdd returns (a + n) mod 128
func seqAdd(a uint8, n int) uint8 {
	return uint8((int(a) + n) & seqMask)
}

// seqDiff returns (a - b) mod 128
func seqDiff(a, b uint8) int {
	return int((a - b) & seqMask)
}

// IsValidNR reports whether nr lies in the closed modulo-128 interval
// [va, vs], i.e. acknowledges only frames that were actually sent.
func IsValidNR(va, vs, nr uint8) bool {
	return seqDiff(nr, va) <= seqDiff(vs, va)
}

// The I queue holds payloads only. Entries [0, unacked) have been sent and
// carry N(S) = V(A)+i; the rest are waiting for the window to open.

func (d *DLC) unacked() int {
	return seqDiff(d.vs, d.va)
}

func (d *DLC) pending() int {
	return len(d.iQueue) - d.unacked()
}

func (d *DLC) windowOpen() bool {
	return d.unacked() < d.params.K
}

// consumeAck drops the frames acknowledged by nr and sets V(A) = nr.
// nr must already be validated.
func (d *DLC) consumeAck(nr uint8) {
	n := seqDiff(nr, d.va)
	if n > len(d.iQueue) {
		n = len(d.iQueue)
	}
	if n > 0 {
		clear(d.iQueue[:n])
		d.iQueue = d.iQueue[n:]
	}
	d.va = nr
}

// rewind resets V(S) to V(A) so runQueue retransmits every unacknowledged frame
func (d *DLC) rewind() {
	if n := d.unacked(); n > 0 {
		d.stats.Retransmissions += uint64(n)
		d.vs = d.va
	}
}

// runQueue transmits pending I frames while the window is open, the peer
// is not busy and the connection is not in timer recovery.
func (d *DLC) runQueue() {
	if d.state != StateLinkEstablished || d.peerBusy {
		return
	}
	for d.windowOpen() {
		idx := d.unacked()
		if idx >= len(d.iQueue) {
			return
		}
		d.sendI(d.iQueue[idx])
		d.vs = seqAdd(d.vs, 1)
		d.ackPending = false
		if !d.t200.Running() {
			d.t200.Start()
		}
		d.t203.Stop()
	}
}

// discardIQueue drops every queued and outstanding I frame. Nothing is left
// to acknowledge, so the sequence variables restart from zero.
func (d *DLC) discardIQueue() {
	clear(d.iQueue)
	d.iQueue = d.iQueue[:0]
	d.resetSequence()
}
