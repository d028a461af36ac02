// vennd is the realtime client daemon: it holds the gateway session open,
// keeps presence fresh and drives the voice mesh for one channel at a time.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"

	"github.com/venn-chat/venn/internal/api"
	"github.com/venn-chat/venn/internal/config"
	"github.com/venn-chat/venn/internal/credstore"
	"github.com/venn-chat/venn/internal/gateway"
	"github.com/venn-chat/venn/internal/util"
	"github.com/venn-chat/venn/internal/voice"
)

// readyEvent is the slice of the READY payload the daemon consumes.
type readyEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// voiceDirectory adapts the REST client to the voice manager's directory
// interface, reducing full voice states to participant ids.
type voiceDirectory struct {
	client *api.Client
}

func (d *voiceDirectory) ListVoiceParticipants(ctx context.Context, channelID string) ([]string, error) {
	states, err := d.client.ListVoiceParticipants(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.UserID)
	}
	return ids, nil
}

func (d *voiceDirectory) JoinVoiceChannel(ctx context.Context, channelID string) error {
	return d.client.JoinVoiceChannel(ctx, channelID)
}

func (d *voiceDirectory) LeaveVoiceChannel(ctx context.Context, channelID string) error {
	return d.client.LeaveVoiceChannel(ctx, channelID)
}

func (d *voiceDirectory) UpdateVoiceState(ctx context.Context, channelID string, muted, deafened bool) error {
	return d.client.UpdateVoiceState(ctx, channelID, muted, deafened)
}

// countingSink counts received audio packets; playback is out of scope for
// the daemon, but the counter makes inbound media observable.
type countingSink struct {
	packets atomic.Int64
}

func (s *countingSink) WriteRTP(_ string, _ *rtp.Packet) {
	s.packets.Add(1)
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	token := flag.String("token", "", "store this credential before connecting")
	channel := flag.String("channel", "", "voice channel to join after READY")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		util.EnableDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("load config: %v", err)
		os.Exit(1)
	}

	store, err := credstore.Open(cfg.DataDir)
	if err != nil {
		util.LogError("open credential store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if *token != "" {
		if err := store.SetToken(*token); err != nil {
			util.LogError("store token: %v", err)
			os.Exit(1)
		}
	}
	credential, err := store.Token()
	if err != nil {
		util.LogError("no credential available, pass -token once to store one: %v", err)
		os.Exit(1)
	}

	client := api.NewClient(cfg.APIURL, func() string {
		tok, err := store.Token()
		if err != nil {
			return ""
		}
		return tok
	})

	session := gateway.New(gateway.WSDialer{}, gateway.Options{
		ServerURL:         cfg.GatewayURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
	})

	sink := &countingSink{}
	mesh := voice.NewManager(session, &voiceDirectory{client: client}, voice.Options{
		STUNServers: cfg.STUNServers,
		Sink:        sink,
	})

	session.Subscribe(gateway.EventReady, func(d json.RawMessage) {
		var ev readyEvent
		if err := json.Unmarshal(d, &ev); err != nil {
			util.LogWarning("malformed READY payload: %v", err)
			return
		}
		util.LogInfo("ready as %s (%s), session %s", ev.Username, ev.UserID, session.SessionID())
		mesh.SetSelfID(ev.UserID)
		if *channel != "" {
			if err := mesh.Join(ctx, *channel); err != nil {
				util.LogError("join voice channel %s: %v", *channel, err)
			}
		}
	})
	session.Subscribe(gateway.EventPermanentDisconnected, func(json.RawMessage) {
		util.LogError("gateway permanently disconnected, shutting down")
		stop()
	})

	// Gateway address changes in the config file take effect live; the session
	// redials immediately.
	loader.Watch(func(next *config.Config) {
		if next.GatewayURL != cfg.GatewayURL {
			util.LogInfo("gateway address changed to %s", next.GatewayURL)
			cfg.GatewayURL = next.GatewayURL
			session.SetServerURL(next.GatewayURL)
		}
	})

	if err := session.Connect(credential); err != nil {
		util.LogError("connect: %v", err)
		os.Exit(1)
	}

	go reportStats(ctx, session, sink)

	<-ctx.Done()
	util.LogInfo("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mesh.Leave(shutdownCtx)
	session.Disconnect()
}

// reportStats logs traffic counters every 30 seconds until ctx ends.
func reportStats(ctx context.Context, session *gateway.Session, sink *countingSink) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := session.Stats().Snapshot()
			util.LogDebug("gateway sent=%d recv=%d dropped=%d reconnects=%d audio_pkts=%d",
				snap.FramesSent, snap.FramesReceived, snap.FramesDropped,
				snap.Reconnects, sink.packets.Load())
		}
	}
}
