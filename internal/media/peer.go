package media

import (
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PeerConnection adapts *webrtc.PeerConnection to call.PeerConnection.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger
}

func (p *PeerConnection) CreateOffer() (models.SessionDescription, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (p *PeerConnection) CreateAnswer() (models.SessionDescription, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (p *PeerConnection) SetLocalDescription(desc models.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *PeerConnection) SetRemoteDescription(desc models.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *PeerConnection) AddICECandidate(c models.CandidateRecord) error {
	return p.pc.AddICECandidate(candidateInit(c))
}

func (p *PeerConnection) OnICECandidate(fn func(models.CandidateRecord)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(candidateRecord(c.ToJSON()))
	})
}

// OnTrack reports each remote track and keeps reading its RTP so the
// receiver's interceptors keep running. Media is not rendered here.
func (p *PeerConnection) OnTrack(fn func(models.RemoteMedia)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug().Str("kind", track.Kind().String()).Str("stream_id", track.StreamID()).Msg("Received remote track")
		fn(models.RemoteMedia{
			StreamID: track.StreamID(),
			TrackID:  track.ID(),
			Kind:     track.Kind().String(),
		})
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(call.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func candidateRecord(init webrtc.ICECandidateInit) models.CandidateRecord {
	rec := models.CandidateRecord{Candidate: init.Candidate}
	if init.SDPMid != nil {
		rec.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		rec.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return rec
}

func candidateInit(c models.CandidateRecord) webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := uint16(c.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func connectionState(s webrtc.PeerConnectionState) call.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnectionClosed
	default:
		return call.ConnectionNew
	}
}
