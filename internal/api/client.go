// Package api is the thin REST collaborator: authoritative channel
// membership and voice state live server-side; the gateway only fans the
// same facts out to other participants.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VoiceState is one participant's state in a voice channel as the server
// reports it.
type VoiceState struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	Username   string `json:"username,omitempty"`
	IsMuted    bool   `json:"is_muted"`
	IsDeafened bool   `json:"is_deafened"`
}

// Client calls the REST API with a bearer token. The token func is consulted
// per request so a refreshed credential takes effect without rebuilding the
// client.
type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
}

// NewClient creates a Client for baseURL. token may be nil for
// unauthenticated use (tests).
func NewClient(baseURL string, token func() string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListVoiceParticipants returns the current participants of a voice channel.
func (c *Client) ListVoiceParticipants(ctx context.Context, channelID string) ([]VoiceState, error) {
	var states []VoiceState
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/voice", nil, &states)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// JoinVoiceChannel registers this client as a participant.
func (c *Client) JoinVoiceChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPut, "/channels/"+channelID+"/voice/self", nil, nil)
}

// LeaveVoiceChannel removes this client from the participant list.
func (c *Client) LeaveVoiceChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/voice/self", nil, nil)
}

// UpdateVoiceState pushes the local mute/deafen flags server-side.
func (c *Client) UpdateVoiceState(ctx context.Context, channelID string, muted, deafened bool) error {
	body := map[string]bool{"is_muted": muted, "is_deafened": deafened}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/voice/self", body, nil)
}

// do issues one request and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
