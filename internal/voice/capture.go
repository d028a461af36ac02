package voice

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrCaptureUnsupported is returned on platforms without a microphone driver.
var ErrCaptureUnsupported = errors.New("audio capture not supported on this platform")

// Capture is a single local audio acquisition, shared by every peer session.
// It is acquired once when voice mode is enabled and released when disabled.
type Capture interface {
	// Tracks returns the local tracks to attach to each outbound connection.
	Tracks() []webrtc.TrackLocal
	// ConfigureEngine registers the codecs these tracks produce.
	ConfigureEngine(*webrtc.MediaEngine) error
	Close() error
}
