// Package gateway implements the persistent push-event connection between
// the client and the server: a single multiplexed WebSocket carrying typed
// frames, with heartbeat, automatic reconnection with capped exponential
// backoff, and a typed publish/subscribe event bus for dispatched events.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Op identifies the kind of gateway frame.
type Op string

const (
	OpDispatch       Op = "DISPATCH"        // server→client named event
	OpHeartbeat      Op = "HEARTBEAT"       // client→server keepalive
	OpHeartbeatAck   Op = "HEARTBEAT_ACK"   // server→client keepalive reply
	OpPresenceUpdate Op = "PRESENCE_UPDATE" // client→server presence state
	OpVoiceSignal    Op = "VOICE_SIGNAL"    // bidirectional voice signaling
)

// Wire event names dispatched by the server.
const (
	EventReady            = "READY"
	EventVoiceStateUpdate = "VOICE_STATE_UPDATE"
	EventVoiceSignal      = "VOICE_SIGNAL"
)

// Synthetic event names emitted locally by the Session, never seen on the wire.
const (
	EventConnected             = "connected"
	EventDisconnected          = "disconnected"
	EventPermanentDisconnected = "permanently_disconnected"
)

// Frame is the JSON structure exchanged over the gateway socket.
// T and D are set if and only if Op is DISPATCH; for every other operation
// T must be empty (D may carry an operation-specific payload).
type Frame struct {
	Op Op              `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// knownOps is the set of operations this client understands.
var knownOps = map[Op]bool{
	OpDispatch:       true,
	OpHeartbeat:      true,
	OpHeartbeatAck:   true,
	OpPresenceUpdate: true,
	OpVoiceSignal:    true,
}

// EncodeFrame serializes a frame, enforcing the op/event invariant.
// The payload d may be nil for operations that carry no data.
func EncodeFrame(op Op, event string, d any) ([]byte, error) {
	if !knownOps[op] {
		return nil, fmt.Errorf("unknown gateway op: %q", op)
	}
	f := Frame{Op: op, T: event}
	if d != nil {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal frame payload: %w", err)
		}
		f.D = raw
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&f)
}

// DecodeFrame deserializes a frame received from the socket.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	if !knownOps[f.Op] {
		return nil, fmt.Errorf("unknown gateway op: %q", f.Op)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// validate enforces the frame invariant: a DISPATCH frame names an event and
// carries a payload; no other operation names an event.
func (f *Frame) validate() error {
	if f.Op == OpDispatch {
		if f.T == "" {
			return fmt.Errorf("DISPATCH frame without event name")
		}
		if len(f.D) == 0 {
			return fmt.Errorf("DISPATCH frame %q without payload", f.T)
		}
		return nil
	}
	if f.T != "" {
		return fmt.Errorf("%s frame carries event name %q", f.Op, f.T)
	}
	return nil
}
