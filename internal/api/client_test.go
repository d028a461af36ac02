package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListVoiceParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/channels/ch1/voice" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode([]VoiceState{
			{UserID: "u1", ChannelID: "ch1", Username: "alice"},
			{UserID: "u2", ChannelID: "ch1", IsMuted: true},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" })
	states, err := c.ListVoiceParticipants(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 || states[0].UserID != "u1" || !states[1].IsMuted {
		t.Fatalf("states = %+v", states)
	}
}

func TestJoinAndLeaveVoiceChannel(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if err := c.JoinVoiceChannel(context.Background(), "ch1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.LeaveVoiceChannel(context.Background(), "ch1"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	want := []string{"PUT /channels/ch1/voice/self", "DELETE /channels/ch1/voice/self"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestUpdateVoiceState(t *testing.T) {
	var body map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if err := c.UpdateVoiceState(context.Background(), "ch1", true, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !body["is_muted"] || body["is_deafened"] {
		t.Fatalf("body = %v", body)
	}
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.ListVoiceParticipants(context.Background(), "ch1"); err == nil {
		t.Fatal("expected error for 403")
	}
	if err := c.JoinVoiceChannel(context.Background(), "ch1"); err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(srv.URL, nil)
	if err := c.JoinVoiceChannel(ctx, "ch1"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
