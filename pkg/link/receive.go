package link

import (
	"slices"

	"avaneesh/lapd-go/pkg/frame"
)

// receive dispatches a frame addressed to this connection. Called with mu held.
func (d *DLC) receive(f *frame.Frame) {
	if d.state == StateNull {
		return
	}
	command := frame.IsCommand(d.role, f.CR)

	switch f.Kind {
	case frame.KindI:
		d.receiveI(f, command)
	case frame.KindS:
		d.receiveS(f, command)
	case frame.KindU:
		d.receiveU(f, command)
	}
}

// Unnumbered frames

func (d *DLC) receiveU(f *frame.Frame, command bool) {
	if !f.U.Known() {
		d.formatError(ErrorL)
		return
	}

	switch f.U {
	case frame.SABME, frame.DISC, frame.UA, frame.DM:
		if len(f.Info) > 0 {
			d.formatError(ErrorM)
			return
		}
	}

	switch f.U {
	case frame.SABME, frame.DISC:
		if !command {
			d.formatError(ErrorL)
			return
		}
	case frame.UA, frame.DM:
		if command {
			d.formatError(ErrorL)
			return
		}
	}

	switch f.U {
	case frame.SABME:
		d.receiveSABME(f)
	case frame.DISC:
		d.receiveDISC(f)
	case frame.UA:
		d.receiveUA(f)
	case frame.DM:
		d.receiveDM(f)
	case frame.FRMR:
		if d.state.Established() {
			d.mdlError(ErrorK)
			d.reestablish()
		}
	case frame.XID:
		if command && d.state.HasTEI() {
			d.sendU(frame.XID, false, f.PF)
		}
	case frame.UI:
		if !d.state.HasTEI() && d.state != StateAwaitingTei && d.state != StateEstablishAwaitingTei {
			return
		}
		d.stats.UIFramesRx++
		d.emit(Indication{Primitive: DLUnitDataIndication, Payload: slices.Clone(f.Info)})
	}
}

func (d *DLC) receiveSABME(f *frame.Frame) {
	switch d.state {
	case StateTeiAssigned, StateListening:
		if d.state == StateTeiAssigned && d.onInd == nil {
			d.sendU(frame.DM, false, f.PF)
			return
		}
		d.sendU(frame.UA, false, f.PF)
		d.clearExceptions()
		d.resetSequence()
		d.rc = 0
		d.t200.Stop()
		d.t203.Start()
		d.stats.Establishments++
		d.setState(StateLinkEstablished)
		d.emit(Indication{Primitive: DLEstablishIndication})

	case StateAwaitingEstablish:
		// Collision: answer and keep waiting for our own UA
		d.sendU(frame.UA, false, f.PF)

	case StateAwaitingRelease:
		d.sendU(frame.DM, false, f.PF)

	case StateLinkEstablished, StateTimerRecovery:
		d.sendU(frame.UA, false, f.PF)
		d.clearExceptions()
		d.mdlError(ErrorF)
		if d.vs != d.va {
			d.discardIQueue()
			d.emit(Indication{Primitive: DLEstablishIndication})
		}
		d.t200.Stop()
		d.t203.Start()
		d.resetSequence()
		d.rc = 0
		d.setState(StateLinkEstablished)
		d.runQueue()
	}
}

func (d *DLC) receiveDISC(f *frame.Frame) {
	switch d.state {
	case StateTeiAssigned, StateListening, StateAwaitingEstablish, StateAwaitingRelease:
		d.sendU(frame.DM, false, f.PF)

	case StateLinkEstablished, StateTimerRecovery:
		d.discardIQueue()
		d.sendU(frame.UA, false, f.PF)
		d.t200.Stop()
		d.t203.Stop()
		d.setState(d.idle())
		d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrReleased})
	}
}

func (d *DLC) receiveUA(f *frame.Frame) {
	switch d.state {
	case StateAwaitingEstablish, StateTimerRecovery:
		if !f.PF {
			d.mdlError(ErrorD)
			return
		}
		if d.state == StateTimerRecovery {
			d.mdlError(ErrorC)
			return
		}
		d.completeEstablish()

	case StateAwaitingRelease:
		if !f.PF {
			d.mdlError(ErrorD)
			return
		}
		d.t200.Stop()
		d.setState(d.idle())
		d.emit(Indication{Primitive: DLReleaseConfirm})

	case StateLinkEstablished:
		if f.PF {
			d.mdlError(ErrorC)
		} else {
			d.mdlError(ErrorD)
		}
	}
}

// completeEstablish enters multiple frame operation after UA F=1
func (d *DLC) completeEstablish() {
	if d.l3Initiated {
		d.l3Initiated = false
		d.emit(Indication{Primitive: DLEstablishConfirm})
	} else if d.vs != d.va {
		d.discardIQueue()
		d.emit(Indication{Primitive: DLEstablishIndication})
	}
	d.t200.Stop()
	d.t203.Start()
	d.resetSequence()
	d.rc = 0
	d.stats.Establishments++
	d.setState(StateLinkEstablished)
	d.runQueue()
}

func (d *DLC) receiveDM(f *frame.Frame) {
	switch d.state {
	case StateAwaitingEstablish:
		if !f.PF {
			return
		}
		d.discardIQueue()
		d.t200.Stop()
		d.l3Initiated = false
		d.setState(d.idle())
		d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrRefused})

	case StateAwaitingRelease:
		if !f.PF {
			return
		}
		d.t200.Stop()
		d.setState(d.idle())
		d.emit(Indication{Primitive: DLReleaseConfirm})

	case StateLinkEstablished:
		if f.PF {
			d.mdlError(ErrorB)
			return
		}
		d.mdlError(ErrorE)
		d.reestablish()

	case StateTimerRecovery:
		if f.PF {
			d.mdlError(ErrorB)
		} else {
			d.mdlError(ErrorE)
		}
		d.reestablish()
	}
}

// Supervisory frames

func (d *DLC) receiveS(f *frame.Frame, command bool) {
	if !d.state.Established() {
		if (d.state == StateTeiAssigned || d.state == StateListening) && command && f.PF {
			d.sendU(frame.DM, false, true)
		}
		return
	}
	if !f.S.Known() {
		d.formatError(ErrorL)
		return
	}
	if len(f.Info) > 0 {
		d.formatError(ErrorN)
		return
	}

	d.peerBusy = f.S == frame.RNR

	if d.state == StateLinkEstablished {
		d.receiveSEstablished(f, command)
	} else {
		d.receiveSRecovery(f, command)
	}
	d.runQueue()
}

func (d *DLC) receiveSEstablished(f *frame.Frame, command bool) {
	if command && f.PF {
		d.enquiryResponse()
	} else if !command && f.PF {
		d.mdlError(ErrorA)
	}

	if !IsValidNR(d.va, d.vs, f.NR) {
		d.nrErrorRecovery()
		return
	}

	switch f.S {
	case frame.RR:
		switch {
		case f.NR == d.vs:
			d.consumeAck(f.NR)
			d.t200.Stop()
			d.t203.Start()
		case f.NR != d.va:
			d.consumeAck(f.NR)
			d.t200.Start()
		}
	case frame.RNR:
		d.consumeAck(f.NR)
		d.t203.Stop()
		d.t200.Start()
	case frame.REJ:
		d.consumeAck(f.NR)
		d.t200.Stop()
		d.t203.Start()
		d.rewind()
	}
}

func (d *DLC) receiveSRecovery(f *frame.Frame, command bool) {
	if !command && f.PF {
		if !IsValidNR(d.va, d.vs, f.NR) {
			d.nrErrorRecovery()
			return
		}
		d.consumeAck(f.NR)
		if f.S == frame.RNR {
			d.t200.Start()
		} else {
			d.t200.Stop()
			d.t203.Start()
		}
		d.rewind()
		d.setState(StateLinkEstablished)
		return
	}

	if command && f.PF {
		d.enquiryResponse()
	}
	if !IsValidNR(d.va, d.vs, f.NR) {
		d.nrErrorRecovery()
		return
	}
	// Retransmission waits for the final response to the enquiry
	d.consumeAck(f.NR)
}

// Information frames

func (d *DLC) receiveI(f *frame.Frame, command bool) {
	if !d.state.Established() {
		if (d.state == StateTeiAssigned || d.state == StateListening) && f.PF {
			d.sendU(frame.DM, false, true)
		}
		return
	}
	if !command {
		d.formatError(ErrorL)
		return
	}
	if len(f.Info) > d.params.N201 {
		d.formatError(ErrorO)
		return
	}
	if !IsValidNR(d.va, d.vs, f.NR) {
		d.nrErrorRecovery()
		return
	}

	switch {
	case d.ownBusy:
		if f.PF {
			d.sendS(frame.RNR, false, true)
			d.ackPending = false
		}
	case f.NS == d.vr:
		d.vr = seqAdd(d.vr, 1)
		d.rejectException = false
		d.stats.IFramesRx++
		d.emit(Indication{Primitive: DLDataIndication, Payload: slices.Clone(f.Info)})
		if f.PF {
			d.sendS(frame.RR, false, true)
			d.ackPending = false
		} else {
			d.ackPending = true
		}
	case d.rejectException:
		if f.PF {
			d.sendS(frame.RR, false, true)
			d.ackPending = false
		}
	default:
		d.rejectException = true
		d.stats.RejectsTx++
		d.sendS(frame.REJ, false, f.PF)
		d.ackPending = false
	}

	if d.state == StateLinkEstablished {
		switch {
		case d.peerBusy:
			d.consumeAck(f.NR)
		case f.NR == d.vs:
			d.consumeAck(f.NR)
			d.t200.Stop()
			d.t203.Start()
		case f.NR != d.va:
			d.consumeAck(f.NR)
			d.t200.Start()
		}
	} else {
		d.consumeAck(f.NR)
	}

	d.runQueue()
	if d.ackPending {
		d.sendS(frame.RR, false, false)
		d.ackPending = false
	}
}

// Timer expiry

func (d *DLC) onT200(gen uint64) {
	d.exec(func() error {
		if !d.t200.Expired(gen) {
			return nil
		}
		d.logger.Debug("DLC %s: T200 expired in %s rc=%d", d, d.state, d.rc)

		switch d.state {
		case StateAwaitingEstablish:
			if d.rc >= d.params.N200 {
				d.discardIQueue()
				d.mdlError(ErrorG)
				d.l3Initiated = false
				d.setState(d.idle())
				d.emit(Indication{Primitive: DLReleaseIndication, Cause: ErrRetriesExhausted})
				return nil
			}
			d.rc++
			d.sendU(frame.SABME, true, true)
			d.t200.Start()

		case StateAwaitingRelease:
			if d.rc >= d.params.N200 {
				d.mdlError(ErrorH)
				d.setState(d.idle())
				d.emit(Indication{Primitive: DLReleaseConfirm})
				return nil
			}
			d.rc++
			d.sendU(frame.DISC, true, true)
			d.t200.Start()

		case StateLinkEstablished:
			d.rc = 0
			d.enquiry()
			d.t200.Start()
			d.setState(StateTimerRecovery)

		case StateTimerRecovery:
			if d.rc >= d.params.N200 {
				d.mdlError(ErrorI)
				d.reestablish()
				return nil
			}
			d.rc++
			d.enquiry()
			d.t200.Start()
		}
		return nil
	})
}

func (d *DLC) onT203(gen uint64) {
	d.exec(func() error {
		if !d.t203.Expired(gen) {
			return nil
		}
		if d.state != StateLinkEstablished {
			return nil
		}
		d.rc = 0
		d.enquiry()
		d.t200.Start()
		d.setState(StateTimerRecovery)
		return nil
	})
}
