//go:build linux && cgo

package voice

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"

	"github.com/venn-chat/venn/internal/util"
)

// micCapture captures the microphone via pion/mediadevices (malgo on Linux)
// and encodes it as Opus.
type micCapture struct {
	selector *mediadevices.CodecSelector
	stream   mediadevices.MediaStream
	tracks   []webrtc.TrackLocal
}

func newPlatformCapture() (Capture, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var tracks []webrtc.TrackLocal
	for _, track := range stream.GetAudioTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				util.LogWarning("local audio track ended: %v", err)
			}
		})
		tracks = append(tracks, track)
	}
	util.LogInfo("microphone captured, %d audio track(s)", len(tracks))

	return &micCapture{selector: selector, stream: stream, tracks: tracks}, nil
}

func (c *micCapture) Tracks() []webrtc.TrackLocal { return c.tracks }

func (c *micCapture) ConfigureEngine(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *micCapture) Close() error {
	for _, track := range c.stream.GetTracks() {
		_ = track.Close()
	}
	return nil
}
