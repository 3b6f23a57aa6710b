//go:build !linux || !cgo

package media

import (
	"fmt"
	"runtime"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
)

// newEngine registers the default codecs. Local capture needs the cgo
// encoders and V4L2 drivers, so it always reports no device here.
func newEngine() (*webrtc.MediaEngine, capturer, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return engine, func(models.Mode) (*capture, error) {
		return nil, fmt.Errorf("%w: local capture is not built for %s", call.ErrDeviceUnavailable, runtime.GOOS)
	}, nil
}
