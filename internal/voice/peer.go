package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/venn-chat/venn/internal/util"
)

// ErrUnexpectedAnswer marks an answer that arrived for a session with no
// outstanding local offer. Callers drop it without affecting other peers.
var ErrUnexpectedAnswer = errors.New("no outstanding offer for this answer")

// PeerSession owns one media connection to one remote participant: the local
// track attachment, the remote track gates, and the offer/answer state. At
// most one exists per remote participant at any time; the Manager enforces
// that.
type PeerSession struct {
	userID string
	conn   MediaConn

	mu             sync.Mutex
	awaitingAnswer bool // local offer set, no remote description yet
	hasRemote      bool
	localAttached  bool
	remoteEnabled  bool
	remoteTracks   []*RemoteTrack
	closed         bool
}

func newPeerSession(userID string, conn MediaConn) *PeerSession {
	p := &PeerSession{
		userID:        userID,
		conn:          conn,
		remoteEnabled: true,
	}
	conn.OnRemoteTrack(func(rt *RemoteTrack) {
		p.mu.Lock()
		rt.SetEnabled(p.remoteEnabled)
		p.remoteTracks = append(p.remoteTracks, rt)
		p.mu.Unlock()
	})
	return p
}

// UserID returns the remote participant this session belongs to.
func (p *PeerSession) UserID() string { return p.userID }

// CreateOffer produces the local offer SDP and marks the session as waiting
// for the matching answer.
func (p *PeerSession) CreateOffer() (string, error) {
	offer, err := p.conn.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	p.mu.Lock()
	p.awaitingAnswer = true
	p.mu.Unlock()
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and produces the answer SDP.
func (p *PeerSession) HandleOffer(sdp string) (string, error) {
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.conn.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	p.mu.Lock()
	p.hasRemote = true
	p.awaitingAnswer = false
	p.mu.Unlock()
	return answer.SDP, nil
}

// HandleAnswer applies a remote answer, but only when this session has a
// local offer outstanding and no remote description yet. Answers received
// out of order or for already-answered sessions return ErrUnexpectedAnswer.
func (p *PeerSession) HandleAnswer(sdp string) error {
	p.mu.Lock()
	if !p.awaitingAnswer || p.hasRemote {
		p.mu.Unlock()
		return ErrUnexpectedAnswer
	}
	p.mu.Unlock()

	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.mu.Lock()
	p.hasRemote = true
	p.awaitingAnswer = false
	p.mu.Unlock()
	return nil
}

// AddCandidate applies a remote ICE candidate (JSON-encoded ICECandidateInit).
func (p *PeerSession) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	if err := p.conn.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// AttachLocal adds the shared capture tracks to the outbound connection.
// Attaching twice is a no-op.
func (p *PeerSession) AttachLocal(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	if p.localAttached || len(tracks) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.localAttached = true
	p.mu.Unlock()
	return p.conn.AttachLocal(tracks)
}

// SetMuted detaches or reattaches the local tracks. No-op before AttachLocal.
func (p *PeerSession) SetMuted(muted bool) error {
	p.mu.Lock()
	attached := p.localAttached
	p.mu.Unlock()
	if !attached {
		return nil
	}
	return p.conn.SetLocalMuted(muted)
}

// SetRemoteEnabled gates every remote track (deafen) without touching the
// connection. New tracks inherit the gate.
func (p *PeerSession) SetRemoteEnabled(on bool) {
	p.mu.Lock()
	p.remoteEnabled = on
	tracks := make([]*RemoteTrack, len(p.remoteTracks))
	copy(tracks, p.remoteTracks)
	p.mu.Unlock()
	for _, rt := range tracks {
		rt.SetEnabled(on)
	}
}

// Terminal reports whether the underlying connection reached a terminal state.
func (p *PeerSession) Terminal() bool {
	switch p.conn.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}

// Close shuts the underlying connection down. Idempotent.
func (p *PeerSession) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		util.LogDebug("close peer %s: %v", p.userID, err)
	}
}
