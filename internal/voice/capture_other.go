//go:build !linux || !cgo

package voice

// Microphone capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux (malgo). Other platforms run listen-only.
func newPlatformCapture() (Capture, error) {
	return nil, ErrCaptureUnsupported
}
