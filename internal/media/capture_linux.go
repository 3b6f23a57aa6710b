//go:build linux && cgo

package media

import (
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newEngine registers VP8 and Opus encoders and captures from V4L2 and the
// system microphone.
func newEngine() (*webrtc.MediaEngine, capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	engine := &webrtc.MediaEngine{}
	selector.Populate(engine)

	return engine, func(mode models.Mode) (*capture, error) {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: selector,
			Audio: func(*mediadevices.MediaTrackConstraints) {},
		}
		if mode.WantsVideo() {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras yield frames
				// the VP8 encoder cannot take.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			return nil, err
		}
		tracks := stream.GetTracks()
		local := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			local = append(local, t)
		}
		return &capture{
			tracks: local,
			stop: func() {
				for _, t := range tracks {
					_ = t.Close()
				}
			},
		}, nil
	}, nil
}
