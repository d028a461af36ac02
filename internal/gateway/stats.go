package gateway

import "sync/atomic"

// Stats counts gateway traffic and connection churn. All fields are safe for
// concurrent use; Snapshot returns a consistent-enough view for display.
type Stats struct {
	FramesSent     atomic.Int64 // frames written to the socket
	FramesReceived atomic.Int64 // DISPATCH frames delivered to the bus
	FramesDropped  atomic.Int64 // malformed inbound frames + sends while not open
	Reconnects     atomic.Int64 // reconnect attempts scheduled
	LastAckUnix    atomic.Int64 // unix seconds of the last HEARTBEAT_ACK, 0 if none
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent     int64
	FramesReceived int64
	FramesDropped  int64
	Reconnects     int64
	LastAckUnix    int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:     s.FramesSent.Load(),
		FramesReceived: s.FramesReceived.Load(),
		FramesDropped:  s.FramesDropped.Load(),
		Reconnects:     s.Reconnects.Load(),
		LastAckUnix:    s.LastAckUnix.Load(),
	}
}
