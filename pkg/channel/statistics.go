package channel

import "go.uber.org/atomic"

// Statistics tracks channel-level statistics
type Statistics struct {
	// Frame statistics
	numFramesTx    atomic.Uint64
	numFramesRx    atomic.Uint64
	numBadFrames   atomic.Uint64
	numDroppedTx   atomic.Uint64
	numWriteErrors atomic.Uint64

	// Physical layer state changes
	numActivations   atomic.Uint64
	numDeactivations atomic.Uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// FrameTx increments transmitted frames
func (s *Statistics) FrameTx() {
	s.numFramesTx.Inc()
}

// FrameRx increments received frames
func (s *Statistics) FrameRx() {
	s.numFramesRx.Inc()
}

// BadFrame increments frames that could not be read or decoded
func (s *Statistics) BadFrame() {
	s.numBadFrames.Inc()
}

// DroppedTx increments frames dropped because the write queue was full
func (s *Statistics) DroppedTx() {
	s.numDroppedTx.Inc()
}

// WriteError increments failed physical writes
func (s *Statistics) WriteError() {
	s.numWriteErrors.Inc()
}

// Activation increments PH-ACTIVATE indications
func (s *Statistics) Activation() {
	s.numActivations.Inc()
}

// Deactivation increments PH-DEACTIVATE indications
func (s *Statistics) Deactivation() {
	s.numDeactivations.Inc()
}

// GetFramesTx returns transmitted frames
func (s *Statistics) GetFramesTx() uint64 {
	return s.numFramesTx.Load()
}

// GetFramesRx returns received frames
func (s *Statistics) GetFramesRx() uint64 {
	return s.numFramesRx.Load()
}

// GetBadFrames returns bad frames
func (s *Statistics) GetBadFrames() uint64 {
	return s.numBadFrames.Load()
}

// GetDroppedTx returns frames dropped before transmission
func (s *Statistics) GetDroppedTx() uint64 {
	return s.numDroppedTx.Load()
}

// GetWriteErrors returns failed physical writes
func (s *Statistics) GetWriteErrors() uint64 {
	return s.numWriteErrors.Load()
}

// GetActivations returns PH-ACTIVATE indications
func (s *Statistics) GetActivations() uint64 {
	return s.numActivations.Load()
}

// GetDeactivations returns PH-DEACTIVATE indications
func (s *Statistics) GetDeactivations() uint64 {
	return s.numDeactivations.Load()
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	s.numFramesTx.Store(0)
	s.numFramesRx.Store(0)
	s.numBadFrames.Store(0)
	s.numDroppedTx.Store(0)
	s.numWriteErrors.Store(0)
	s.numActivations.Store(0)
	s.numDeactivations.Store(0)
}
