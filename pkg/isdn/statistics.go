package isdn

import "go.uber.org/atomic"

// InterfaceStatistics provides interface-level statistics
type InterfaceStatistics struct {
	FramesTx        uint64 // Frames handed to the physical channel
	FramesRx        uint64 // Frames decoded from the physical channel
	BadFrames       uint64 // Frames that could not be read or decoded
	DroppedTx       uint64 // Frames dropped on a full or closed channel
	FCSErrors       uint64 // Stream frames with a bad FCS
	PhysicalBytesTx uint64 // Physical bytes transmitted
	PhysicalBytesRx uint64 // Physical bytes received
	Activations     uint64 // PH-ACTIVATE indications
	Deactivations   uint64 // PH-DEACTIVATE indications

	ManagementRx  uint64 // TEI management messages received
	BroadcastTx   uint64 // Broadcast UI frames sent
	BroadcastRx   uint64 // Broadcast UI frames received
	UnknownFrames uint64 // Frames for which no connection exists
	DMTx          uint64 // DM responses to unknown connections

	Connections     uint64 // Registered data link connections
	Established     uint64 // Connections in multiple frame operation
	IFramesTx       uint64 // I frames sent, all connections
	IFramesRx       uint64 // I frames received, all connections
	Retransmissions uint64 // I frames retransmitted, all connections
	MDLErrors       uint64 // MDL-ERROR indications, all connections

	TEIsInUse    uint64 // Network side: allocated dynamic TEIs
	TEIsAssigned uint64 // Network side: TEI_ASSIGNED messages sent
	TEIsRemoved  uint64 // Network side: TEIs removed or reclaimed
}

// counters are the events counted by the interface itself
type counters struct {
	managementRx atomic.Uint64
	broadcastTx  atomic.Uint64
	broadcastRx  atomic.Uint64
	unknown      atomic.Uint64
	dmTx         atomic.Uint64
}
