package voice

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/venn-chat/venn/internal/util"
)

// Default STUN servers for ICE candidate gathering when the config names none.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// AudioSink consumes received audio packets. Playback is someone else's
// problem; this layer only delivers or withholds (deafen) the packets.
type AudioSink interface {
	WriteRTP(trackID string, pkt *rtp.Packet)
}

// MediaConn is the capability set this package needs from one real-time
// media connection. The pion implementation is the only real one; tests
// substitute fakes.
type MediaConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// AttachLocal adds the local capture tracks to the outbound side.
	AttachLocal(tracks []webrtc.TrackLocal) error
	// SetLocalMuted detaches (true) or reattaches (false) the local tracks
	// from their senders. The capture keeps running; no renegotiation happens.
	SetLocalMuted(muted bool) error

	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnRemoteTrack(fn func(*RemoteTrack))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState

	Close() error
}

// RemoteTrack is one received audio track with a client-side enable gate.
// Disabling it (deafen) silences delivery to the sink without touching the
// underlying connection.
type RemoteTrack struct {
	id      string
	enabled atomic.Bool
}

func newRemoteTrack(id string) *RemoteTrack {
	t := &RemoteTrack{id: id}
	t.enabled.Store(true)
	return t
}

func (t *RemoteTrack) ID() string         { return t.id }
func (t *RemoteTrack) Enabled() bool      { return t.enabled.Load() }
func (t *RemoteTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// MediaConfig configures NewMediaConn.
type MediaConfig struct {
	STUNServers []string
	Sink        AudioSink
	// ConfigureEngine registers the codecs the local capture produces.
	// Nil means the default codec set (receive-only connections).
	ConfigureEngine func(*webrtc.MediaEngine) error
}

// pionConn implements MediaConn over a *webrtc.PeerConnection.
type pionConn struct {
	pc   *webrtc.PeerConnection
	sink AudioSink

	mu      sync.Mutex
	state   webrtc.PeerConnectionState
	tracks  []webrtc.TrackLocal
	senders []*webrtc.RTPSender
	onTrack func(*RemoteTrack)
}

// NewMediaConn creates a pion-backed media connection with an audio
// transceiver already in place, so offers are valid even before (or without)
// local capture.
func NewMediaConn(cfg MediaConfig) (MediaConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.ConfigureEngine != nil {
		if err := cfg.ConfigureEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	stun := cfg.STUNServers
	if len(stun) == 0 {
		stun = defaultSTUNServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	// Recvonly audio transceiver so the SDP always has a valid audio m-line
	// with ICE credentials, even in listen-only mode.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	c := &pionConn{pc: pc, sink: cfg.Sink, state: webrtc.PeerConnectionStateNew}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := newRemoteTrack(remote.ID())
		go c.pump(remote, rt)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(rt)
		}
	})

	return c, nil
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error)  { return c.pc.CreateOffer(nil) }
func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) { return c.pc.CreateAnswer(nil) }

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AttachLocal(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, track := range tracks {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
		c.tracks = append(c.tracks, track)
		c.senders = append(c.senders, sender)
	}
	return nil
}

func (c *pionConn) SetLocalMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sender := range c.senders {
		var track webrtc.TrackLocal
		if !muted {
			track = c.tracks[i]
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

func (c *pionConn) OnRemoteTrack(fn func(*RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
		fn(state)
	})
}

func (c *pionConn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// pump reads RTP from a remote track and forwards it to the sink while the
// track's gate is enabled. Exits when the track ends.
func (c *pionConn) pump(remote *webrtc.TrackRemote, rt *RemoteTrack) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			util.LogDebug("remote track %s ended: %v", rt.ID(), err)
			return
		}
		if c.sink != nil && rt.Enabled() {
			c.sink.WriteRTP(rt.ID(), pkt)
		}
	}
}
