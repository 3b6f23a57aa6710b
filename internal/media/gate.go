// Package media builds pion peer connections and local capture for the call
// controller.
package media

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Config struct {
	ICEServers []string
	// ReceiveOnly lets a call go ahead without local capture when no device
	// can be opened. Permission errors still fail the attempt.
	ReceiveOnly bool
}

// capture is a set of live local tracks.
type capture struct {
	tracks []webrtc.TrackLocal
	stop   func()
}

type capturer func(mode models.Mode) (*capture, error)

// Gate is the pion-backed call.MediaGate.
type Gate struct {
	api         *webrtc.API
	rtcConfig   webrtc.Configuration
	capture     capturer
	receiveOnly bool
	log         zerolog.Logger
}

func NewGate(cfg Config, logger zerolog.Logger) (*Gate, error) {
	engine, capture, err := newEngine()
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}

	// Relay paths can stall briefly; do not give up on the first hiccup.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Gate{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		rtcConfig:   webrtc.Configuration{ICEServers: servers},
		capture:     capture,
		receiveOnly: cfg.ReceiveOnly,
		log:         logger.With().Str("component", "media-gate").Logger(),
	}, nil
}

func (g *Gate) Acquire(ctx context.Context, mode models.Mode) (call.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := g.capture(mode)
	if err != nil {
		err = classify(err)
		if !g.receiveOnly || errors.Is(err, call.ErrMediaPermissionDenied) {
			g.log.Warn().Err(err).Str("mode", string(mode)).Msg("Local capture failed")
			return nil, err
		}
		g.log.Warn().Err(err).Str("mode", string(mode)).Msg("Local capture failed, continuing receive-only")
		c = &capture{}
	}
	return &Local{mode: mode, capture: c, log: g.log}, nil
}

func (g *Gate) NewPeerConnection() (call.PeerConnection, error) {
	pc, err := g.api.NewPeerConnection(g.rtcConfig)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc, log: g.log}, nil
}

// classify maps a capture failure onto the call error taxonomy.
func classify(err error) error {
	if errors.Is(err, call.ErrMediaPermissionDenied) || errors.Is(err, call.ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed") {
		return errors.Join(call.ErrMediaPermissionDenied, err)
	}
	return errors.Join(call.ErrDeviceUnavailable, err)
}

// Local is the capture acquired for one call.
type Local struct {
	mode    models.Mode
	capture *capture
	once    sync.Once
	log     zerolog.Logger
}

func (l *Local) Mode() models.Mode { return l.mode }

// AttachTo adds the local tracks to pc. Without tracks it adds receive-only
// transceivers so the description still carries the expected m-lines.
func (l *Local) AttachTo(pc call.PeerConnection) error {
	p, ok := pc.(*PeerConnection)
	if !ok {
		return errors.New("media: peer connection was not created by this gate")
	}
	if len(l.capture.tracks) == 0 {
		return addRecvOnly(p.pc, l.mode)
	}
	for _, t := range l.capture.tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Release() {
	l.once.Do(func() {
		if l.capture.stop != nil {
			l.capture.stop()
		}
		l.log.Debug().Str("mode", string(l.mode)).Msg("Local media released")
	})
}

func addRecvOnly(pc *webrtc.PeerConnection, mode models.Mode) error {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if mode.WantsVideo() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}
