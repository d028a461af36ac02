package gateway

import (
	"context"
	"encoding/json"
	"errors"
	neturl "net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venn-chat/venn/internal/util"
)

// State is the connection state of a Session.
type State int

const (
	StateIdle            State = iota // never connected, or deliberately reset before any attempt
	StateConnecting                   // dial in flight
	StateOpen                         // transport open, heartbeat running
	StateClosedRetrying               // transport lost, reconnect scheduled
	StateClosedPermanent              // retries exhausted or explicit disconnect
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedRetrying:
		return "closed-retrying"
	case StateClosedPermanent:
		return "closed-permanent"
	}
	return "unknown"
}

var (
	// ErrNoCredential is returned by Connect when no bearer token is supplied;
	// no connection attempt is made without one.
	ErrNoCredential = errors.New("no credential set")

	// ErrNoServerURL is returned by Connect when no gateway address is
	// configured. This is a setup problem, not a transient condition.
	ErrNoServerURL = errors.New("no gateway address configured")
)

// Options configure a Session. Zero values fall back to the defaults below.
type Options struct {
	ServerURL         string
	HeartbeatInterval time.Duration // default 30s
	MaxAttempts       int           // reconnect give-up cap, default 5
	BaseDelay         time.Duration // first reconnect delay, default 1s
	MaxDelay          time.Duration // backoff ceiling, default 30s
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
}

// Session owns the gateway connection for the whole process: one active
// Socket at a time, a heartbeat timer while open, and a reconnect timer while
// retrying. Construct one at application start and tear it down at shutdown.
//
// A missed HEARTBEAT_ACK never forces a close; the transport's own close
// signal is the sole disconnect trigger. The last ack time is recorded in
// Stats so a silently dead socket is at least observable.
type Session struct {
	dialer Dialer
	bus    *bus
	stats  *Stats

	mu            sync.Mutex
	opts          Options
	credential    string
	state         State
	attempts      int
	gen           uint64 // bumped whenever the owned socket is replaced; stales old callbacks
	socket        Socket
	sessionID     string
	hbStop        chan struct{}
	reconnect     *time.Timer
	permanentSent bool
	urlWarned     bool

	// newTimer defaults to time.AfterFunc; tests substitute it to observe
	// scheduled delays and fire reconnects deterministically.
	newTimer func(time.Duration, func()) *time.Timer
}

// New creates a Session that dials through dialer. The session does not
// connect until Connect is called with a credential.
func New(dialer Dialer, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		dialer:   dialer,
		bus:      newBus(),
		stats:    &Stats{},
		opts:     opts,
		newTimer: time.AfterFunc,
	}
}

// Stats returns the session's traffic counters.
func (s *Session) Stats() *Stats { return s.stats }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id of the current connection, regenerated on every
// successful open. Empty before the first open.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Subscribe registers fn for the named event and returns an unsubscribe
// capability. Safe to call from inside a handler; unsubscribing twice is a
// no-op.
func (s *Session) Subscribe(event string, fn func(d json.RawMessage)) func() {
	return s.bus.subscribe(event, fn)
}

// Connect stores the credential and opens a fresh connection, replacing any
// prior one. The attempt counter resets to zero. Calling Connect while
// already connected always reconnects; it is not an idempotent re-entry.
func (s *Session) Connect(credential string) error {
	if credential == "" {
		return ErrNoCredential
	}

	s.mu.Lock()
	if s.opts.ServerURL == "" {
		if !s.urlWarned {
			s.urlWarned = true
			util.LogError("cannot connect: no gateway address configured")
		}
		s.mu.Unlock()
		return ErrNoServerURL
	}
	s.credential = credential
	s.attempts = 0
	s.permanentSent = false
	s.stopTimersLocked()
	old := s.socket
	s.socket = nil
	s.gen++
	gen := s.gen
	url := s.gatewayURLLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go s.dial(gen, url)
	return nil
}

// Disconnect tears the session down from any state: timers are stopped
// synchronously before it returns, so no reconnect can be scheduled
// afterwards, and the socket (if any) is closed. It never errors and is safe
// to call repeatedly. The terminal notification fires once per Connect, and
// only if a credential had been set.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopTimersLocked()
	s.attempts = s.opts.MaxAttempts
	sock := s.socket
	s.socket = nil
	s.gen++
	hadCred := s.credential != ""
	emit := hadCred && !s.permanentSent
	if emit {
		s.permanentSent = true
	}
	if hadCred {
		s.state = StateClosedPermanent
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	if emit {
		s.bus.emit(EventPermanentDisconnected, nil)
	}
}

// SetServerURL changes the gateway address. If a credential is set the
// current connection is torn down and a new dial starts immediately,
// bypassing backoff. The attempt counter is not reset; only Connect or a
// successful open does that.
func (s *Session) SetServerURL(url string) {
	s.mu.Lock()
	s.opts.ServerURL = url
	s.urlWarned = false
	if s.credential == "" {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	old := s.socket
	s.socket = nil
	s.gen++
	gen := s.gen
	target := s.gatewayURLLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go s.dial(gen, target)
}

// Send writes one frame, best-effort: if the session is not open the frame
// is silently dropped, with no queueing and no error. Appropriate for
// ephemeral state like presence and signaling.
func (s *Session) Send(op Op, event string, d any) {
	s.mu.Lock()
	sock := s.socket
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || sock == nil {
		s.stats.FramesDropped.Add(1)
		return
	}
	data, err := EncodeFrame(op, event, d)
	if err != nil {
		util.LogError("encode %s frame: %v", op, err)
		return
	}
	if err := sock.Send(data); err != nil {
		util.LogWarning("gateway send failed: %v", err)
		return
	}
	s.stats.FramesSent.Add(1)
}

// SendPresenceUpdate sends a PRESENCE_UPDATE frame.
func (s *Session) SendPresenceUpdate(d any) { s.Send(OpPresenceUpdate, "", d) }

// SendVoiceSignal sends a VOICE_SIGNAL frame.
func (s *Session) SendVoiceSignal(d any) { s.Send(OpVoiceSignal, "", d) }

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// dial opens a socket for generation gen. Open and close signals from stale
// generations are discarded, so a replaced socket can never mutate the
// session after its successor took over.
func (s *Session) dial(gen uint64, url string) {
	sock, err := s.dialer.Dial(context.Background(), url, Callbacks{
		OnMessage: func(data []byte) { s.handleMessage(gen, data) },
		OnClose:   func(err error) { s.handleClose(gen, err) },
	})
	if err != nil {
		s.handleClose(gen, err)
		return
	}
	s.handleOpen(gen, sock)
}

func (s *Session) handleOpen(gen uint64, sock Socket) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateClosedPermanent {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.socket = sock
	s.state = StateOpen
	s.attempts = 0
	s.sessionID = uuid.NewString()
	stop := make(chan struct{})
	s.hbStop = stop
	every := s.opts.HeartbeatInterval
	s.mu.Unlock()

	util.LogInfo("gateway connected")
	go s.heartbeatLoop(every, stop)
	s.bus.emit(EventConnected, nil)
}

func (s *Session) handleClose(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stopHeartbeatLocked()
	s.socket = nil

	if s.credential == "" {
		s.state = StateIdle
		s.mu.Unlock()
		return
	}

	if s.attempts >= s.opts.MaxAttempts {
		s.state = StateClosedPermanent
		emit := !s.permanentSent
		s.permanentSent = true
		s.mu.Unlock()

		util.LogError("gateway closed and retries exhausted: %v", err)
		if emit {
			s.bus.emit(EventPermanentDisconnected, nil)
		}
		return
	}

	delay := backoffDelay(s.attempts, s.opts.BaseDelay, s.opts.MaxDelay)
	s.attempts++
	s.state = StateClosedRetrying
	s.stats.Reconnects.Add(1)
	s.reconnect = s.newTimer(delay, s.redial)
	s.mu.Unlock()

	util.LogWarning("gateway closed (%v), reconnecting in %s", err, delay)
	s.bus.emit(EventDisconnected, nil)
}

// redial fires when the reconnect timer elapses.
func (s *Session) redial() {
	s.mu.Lock()
	if s.state != StateClosedRetrying || s.credential == "" {
		s.mu.Unlock()
		return
	}
	s.reconnect = nil
	s.gen++
	gen := s.gen
	url := s.gatewayURLLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	s.dial(gen, url)
}

func (s *Session) handleMessage(gen uint64, data []byte) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	f, err := DecodeFrame(data)
	if err != nil {
		s.stats.FramesDropped.Add(1)
		util.LogWarning("dropping inbound frame: %v", err)
		return
	}

	switch f.Op {
	case OpHeartbeatAck:
		s.stats.LastAckUnix.Store(time.Now().Unix())
	case OpDispatch:
		s.stats.FramesReceived.Add(1)
		s.bus.emit(f.T, f.D)
	case OpVoiceSignal:
		// Some gateways send signaling as a bare VOICE_SIGNAL op instead of
		// wrapping it in DISPATCH; route both to the same subscribers.
		s.stats.FramesReceived.Add(1)
		s.bus.emit(EventVoiceSignal, f.D)
	}
}

func (s *Session) heartbeatLoop(every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Send(OpHeartbeat, "", nil)
		}
	}
}

func (s *Session) stopHeartbeatLocked() {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

func (s *Session) stopTimersLocked() {
	s.stopHeartbeatLocked()
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

// gatewayURLLocked builds the dial target: the configured base address with
// the bearer credential as a query parameter.
func (s *Session) gatewayURLLocked() string {
	u, err := neturl.Parse(s.opts.ServerURL)
	if err != nil {
		return s.opts.ServerURL
	}
	q := u.Query()
	q.Set("token", s.credential)
	u.RawQuery = q.Encode()
	return u.String()
}

// backoffDelay computes min(base << attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
