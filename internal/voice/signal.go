// Package voice turns a roster of channel participants plus inbound
// signaling messages into a working full mesh of audio peer connections,
// using the gateway as the signaling transport.
package voice

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the kind of voice signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Signal is the discriminated union carried in VOICE_SIGNAL frames. The
// payload shape is determined entirely by Kind: SDP is present only for
// offer/answer, Candidate (a JSON-encoded ICECandidateInit) only for
// candidate.
type Signal struct {
	Kind      Kind   `json:"kind"`
	From      string `json:"from_user_id,omitempty"`
	To        string `json:"to_user_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Validate enforces the kind/payload exclusivity.
func (s *Signal) Validate() error {
	switch s.Kind {
	case KindOffer, KindAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s signal without sdp", s.Kind)
		}
		if s.Candidate != "" {
			return fmt.Errorf("%s signal carries a candidate", s.Kind)
		}
	case KindCandidate:
		if s.Candidate == "" {
			return fmt.Errorf("candidate signal without candidate")
		}
		if s.SDP != "" {
			return fmt.Errorf("candidate signal carries sdp")
		}
	default:
		return fmt.Errorf("unknown signal kind: %q", s.Kind)
	}
	return nil
}

// DecodeSignal parses and validates a VOICE_SIGNAL payload.
func DecodeSignal(d json.RawMessage) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(d, &s); err != nil {
		return nil, fmt.Errorf("malformed voice signal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
