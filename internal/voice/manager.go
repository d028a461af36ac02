package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/venn-chat/venn/internal/gateway"
	"github.com/venn-chat/venn/internal/util"
)

var (
	// ErrAlreadyJoined is returned by Join while voice mode is active.
	ErrAlreadyJoined = errors.New("already in a voice channel")

	// ErrNoSelfID is returned by Join before the local user id is known.
	ErrNoSelfID = errors.New("local user id not set")
)

// SignalTransport is the slice of the gateway session this package needs:
// a subscription to dispatched events and a best-effort outbound signal send.
type SignalTransport interface {
	Subscribe(event string, fn func(d json.RawMessage)) func()
	SendVoiceSignal(d any)
}

// Directory is the REST collaborator that owns authoritative channel
// membership. The gateway's VOICE_STATE_UPDATE events are the fan-out
// notification of the same facts.
type Directory interface {
	ListVoiceParticipants(ctx context.Context, channelID string) ([]string, error)
	JoinVoiceChannel(ctx context.Context, channelID string) error
	LeaveVoiceChannel(ctx context.Context, channelID string) error
	UpdateVoiceState(ctx context.Context, channelID string, muted, deafened bool) error
}

// stateUpdate is the VOICE_STATE_UPDATE payload slice this package consumes.
type stateUpdate struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Options configure a Manager.
type Options struct {
	SelfID      string
	STUNServers []string
	Sink        AudioSink

	// OnPeerError receives per-peer signaling failures. One peer's failure
	// never affects the others; without a callback it is only logged.
	OnPeerError func(userID string, err error)

	// NewConn and NewCapture are substituted by tests; nil means the pion
	// connection and the platform microphone.
	NewConn    func(capt Capture) (MediaConn, error)
	NewCapture func() (Capture, error)
}

// Manager drives the full-mesh set of peer sessions for one voice channel.
//
// The initiator rule is asymmetric: when this client joins, it sends the
// initial offer to every participant already present; participants who join
// later offer to us instead. Applied symmetrically on every client this
// prevents duplicate simultaneous offers without an external tie-breaker.
type Manager struct {
	ts   SignalTransport
	dir  Directory
	opts Options

	mu        sync.Mutex
	selfID    string
	channelID string
	joined    bool
	muted     bool
	deafened  bool
	capture   Capture
	peers     map[string]*PeerSession
	roster    map[string]bool
	unsubs    []func()
}

// NewManager creates a Manager bound to the given transport and directory.
// It is inert until Join.
func NewManager(ts SignalTransport, dir Directory, opts Options) *Manager {
	m := &Manager{
		ts:     ts,
		dir:    dir,
		opts:   opts,
		selfID: opts.SelfID,
		peers:  make(map[string]*PeerSession),
		roster: make(map[string]bool),
	}
	if m.opts.NewConn == nil {
		m.opts.NewConn = func(capt Capture) (MediaConn, error) {
			cfg := MediaConfig{STUNServers: opts.STUNServers, Sink: opts.Sink}
			if capt != nil {
				cfg.ConfigureEngine = capt.ConfigureEngine
			}
			return NewMediaConn(cfg)
		}
	}
	if m.opts.NewCapture == nil {
		m.opts.NewCapture = newPlatformCapture
	}
	return m
}

// SetSelfID records the local user id, learned from the READY event.
func (m *Manager) SetSelfID(id string) {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()
}

// Peers returns the user ids with an active peer session, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Join enables voice mode for channelID: acquires the local capture (failure
// degrades to listen-only, it does not abort), registers membership,
// seeds the roster, subscribes to signaling, and sends exactly one offer to
// each participant that was already present.
func (m *Manager) Join(ctx context.Context, channelID string) error {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	selfID := m.selfID
	m.mu.Unlock()
	if selfID == "" {
		return ErrNoSelfID
	}

	capt, err := m.opts.NewCapture()
	if err != nil {
		util.LogWarning("audio capture unavailable, joining listen-only: %v", err)
		capt = nil
	}

	if err := m.dir.JoinVoiceChannel(ctx, channelID); err != nil {
		if capt != nil {
			_ = capt.Close()
		}
		return fmt.Errorf("join voice channel: %w", err)
	}
	participants, err := m.dir.ListVoiceParticipants(ctx, channelID)
	if err != nil {
		if capt != nil {
			_ = capt.Close()
		}
		_ = m.dir.LeaveVoiceChannel(ctx, channelID)
		return fmt.Errorf("list voice participants: %w", err)
	}

	m.mu.Lock()
	m.joined = true
	m.channelID = channelID
	m.capture = capt
	m.peers = make(map[string]*PeerSession)
	m.roster = make(map[string]bool)
	for _, id := range participants {
		if id != selfID {
			m.roster[id] = true
		}
	}
	incumbents := make([]string, 0, len(m.roster))
	for id := range m.roster {
		incumbents = append(incumbents, id)
	}
	m.unsubs = []func(){
		m.ts.Subscribe(gateway.EventVoiceSignal, m.handleSignalEvent),
		m.ts.Subscribe(gateway.EventVoiceStateUpdate, m.handleStateEvent),
	}
	m.mu.Unlock()

	sort.Strings(incumbents)
	for _, id := range incumbents {
		if err := m.offerTo(id); err != nil {
			m.peerError(id, err)
		}
	}
	util.LogInfo("joined voice channel %s with %d participant(s)", channelID, len(incumbents))
	return nil
}

// Leave disables voice mode. The visible state is cleared synchronously
// (peer map emptied, subscriptions removed, capture released) while the
// underlying connection closes finish in the background. Safe to call when
// not joined.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.joined = false
	unsubs := m.unsubs
	m.unsubs = nil
	peers := m.peers
	m.peers = make(map[string]*PeerSession)
	m.roster = make(map[string]bool)
	capt := m.capture
	m.capture = nil
	channelID := m.channelID
	m.channelID = ""
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, p := range peers {
		go p.Close()
	}
	if capt != nil {
		_ = capt.Close()
	}
	if err := m.dir.LeaveVoiceChannel(ctx, channelID); err != nil {
		util.LogWarning("leave voice channel %s: %v", channelID, err)
	}
	util.LogInfo("left voice channel %s", channelID)
}

// SetMuted toggles the local tracks on every peer session and pushes the new
// state to the directory. The capture keeps running; nothing renegotiates.
func (m *Manager) SetMuted(ctx context.Context, muted bool) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.muted = muted
	peers := m.snapshotPeersLocked()
	channelID := m.channelID
	deafened := m.deafened
	m.mu.Unlock()

	for id, p := range peers {
		if err := p.SetMuted(muted); err != nil {
			m.peerError(id, err)
		}
	}
	if err := m.dir.UpdateVoiceState(ctx, channelID, muted, deafened); err != nil {
		util.LogWarning("update voice state: %v", err)
	}
}

// SetDeafened gates received audio on every peer session without closing any
// connection, and pushes the new state to the directory.
func (m *Manager) SetDeafened(ctx context.Context, deafened bool) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.deafened = deafened
	peers := m.snapshotPeersLocked()
	channelID := m.channelID
	muted := m.muted
	m.mu.Unlock()

	for _, p := range peers {
		p.SetRemoteEnabled(!deafened)
	}
	if err := m.dir.UpdateVoiceState(ctx, channelID, muted, deafened); err != nil {
		util.LogWarning("update voice state: %v", err)
	}
}

// Reconcile replaces the roster wholesale and tears down sessions for
// participants no longer present. New participants get no proactive session;
// per the initiator rule they offer to us.
func (m *Manager) Reconcile(participants []string) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	m.roster = make(map[string]bool)
	for _, id := range participants {
		if id != m.selfID {
			m.roster[id] = true
		}
	}
	removed := m.reconcileLocked()
	m.mu.Unlock()

	for _, p := range removed {
		go p.Close()
	}
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

func (m *Manager) handleSignalEvent(d json.RawMessage) {
	sig, err := DecodeSignal(d)
	if err != nil {
		util.LogWarning("dropping voice signal: %v", err)
		return
	}

	m.mu.Lock()
	joined := m.joined
	selfID := m.selfID
	m.mu.Unlock()
	if !joined {
		return
	}
	if sig.From == "" || sig.From == selfID {
		return
	}
	if sig.To != "" && sig.To != selfID {
		return
	}

	switch sig.Kind {
	case KindOffer:
		m.handleOffer(sig)
	case KindAnswer:
		m.handleAnswer(sig)
	case KindCandidate:
		m.handleCandidate(sig)
	}
}

// handleOffer creates or reuses the sender's session, applies the offer and
// answers back through the gateway. A duplicate offer from a sender with a
// live session reuses it instead of recreating.
func (m *Manager) handleOffer(sig *Signal) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	p, err := m.ensurePeerLocked(sig.From)
	selfID := m.selfID
	m.mu.Unlock()
	if err != nil {
		m.peerError(sig.From, err)
		return
	}

	answer, err := p.HandleOffer(sig.SDP)
	if err != nil {
		m.peerError(sig.From, err)
		return
	}
	m.sendSignal(Signal{Kind: KindAnswer, From: selfID, To: sig.From, SDP: answer})
}

func (m *Manager) handleAnswer(sig *Signal) {
	m.mu.Lock()
	p := m.peers[sig.From]
	m.mu.Unlock()
	if p == nil {
		util.LogDebug("answer from %s with no session, dropped", sig.From)
		return
	}
	if err := p.HandleAnswer(sig.SDP); err != nil {
		if errors.Is(err, ErrUnexpectedAnswer) {
			util.LogDebug("out-of-order answer from %s, dropped", sig.From)
			return
		}
		m.peerError(sig.From, err)
	}
}

// handleCandidate forwards a candidate to the addressed session if it exists.
// Candidates for unknown peers are tolerated, not fatal: they may simply have
// raced ahead of the offer/answer exchange.
func (m *Manager) handleCandidate(sig *Signal) {
	m.mu.Lock()
	p := m.peers[sig.From]
	m.mu.Unlock()
	if p == nil {
		util.LogDebug("candidate from %s with no session, dropped", sig.From)
		return
	}
	if err := p.AddCandidate(sig.Candidate); err != nil {
		util.LogDebug("candidate from %s not applied: %v", sig.From, err)
	}
}

func (m *Manager) handleStateEvent(d json.RawMessage) {
	var ev stateUpdate
	if err := json.Unmarshal(d, &ev); err != nil {
		util.LogWarning("dropping voice state update: %v", err)
		return
	}

	m.mu.Lock()
	if !m.joined || ev.UserID == "" || ev.UserID == m.selfID {
		m.mu.Unlock()
		return
	}
	if ev.ChannelID == m.channelID {
		m.roster[ev.UserID] = true
	} else {
		delete(m.roster, ev.UserID)
	}
	removed := m.reconcileLocked()
	m.mu.Unlock()

	for _, p := range removed {
		go p.Close()
	}
}

// ---------------------------------------------------------------------------
// Peer arena
// ---------------------------------------------------------------------------

// offerTo creates (or reuses) the session for userID and sends the initial
// offer.
func (m *Manager) offerTo(userID string) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil
	}
	p, err := m.ensurePeerLocked(userID)
	selfID := m.selfID
	m.mu.Unlock()
	if err != nil {
		return err
	}

	sdp, err := p.CreateOffer()
	if err != nil {
		return err
	}
	m.sendSignal(Signal{Kind: KindOffer, From: selfID, To: userID, SDP: sdp})
	return nil
}

// ensurePeerLocked returns the live session for userID, creating one lazily.
// A session in a terminal state is replaced; a live one is reused, never
// recreated.
func (m *Manager) ensurePeerLocked(userID string) (*PeerSession, error) {
	if p, ok := m.peers[userID]; ok {
		if !p.Terminal() {
			return p, nil
		}
		delete(m.peers, userID)
		go p.Close()
	}

	conn, err := m.opts.NewConn(m.capture)
	if err != nil {
		return nil, fmt.Errorf("create media connection: %w", err)
	}
	p := newPeerSession(userID, conn)

	selfID := m.selfID
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		m.sendSignal(Signal{Kind: KindCandidate, From: selfID, To: userID, Candidate: string(data)})
	})
	conn.OnStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.dropPeer(userID, p)
		}
	})

	if m.capture != nil {
		if err := p.AttachLocal(m.capture.Tracks()); err != nil {
			go p.Close()
			return nil, err
		}
		if m.muted {
			if err := p.SetMuted(true); err != nil {
				util.LogWarning("mute new peer %s: %v", userID, err)
			}
		}
	}
	if m.deafened {
		p.SetRemoteEnabled(false)
	}

	m.peers[userID] = p
	m.roster[userID] = true
	return p, nil
}

// dropPeer tears down exactly one session after its connection reached a
// terminal state. Other sessions are untouched.
func (m *Manager) dropPeer(userID string, p *PeerSession) {
	m.mu.Lock()
	if m.peers[userID] != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, userID)
	m.mu.Unlock()

	util.LogInfo("peer %s connection ended, session removed", userID)
	go p.Close()
}

// reconcileLocked removes every session whose participant left the roster
// and returns them for closing outside the lock.
func (m *Manager) reconcileLocked() []*PeerSession {
	var removed []*PeerSession
	for id, p := range m.peers {
		if !m.roster[id] {
			delete(m.peers, id)
			removed = append(removed, p)
		}
	}
	return removed
}

func (m *Manager) snapshotPeersLocked() map[string]*PeerSession {
	peers := make(map[string]*PeerSession, len(m.peers))
	for id, p := range m.peers {
		peers[id] = p
	}
	return peers
}

func (m *Manager) sendSignal(sig Signal) {
	m.ts.SendVoiceSignal(sig)
}

func (m *Manager) peerError(userID string, err error) {
	if m.opts.OnPeerError != nil {
		m.opts.OnPeerError(userID, err)
		return
	}
	util.LogWarning("peer %s signaling failed: %v", userID, err)
}
