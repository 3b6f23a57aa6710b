package call

import (
	"context"

	"github.com/mossy-p/call-signaling/internal/models"
)

// ConnectionState is the aggregate transport state of a peer connection.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "new"
	}
}

// PeerConnection is the platform peer-connection primitive. Callbacks may
// fire on any goroutine.
type PeerConnection interface {
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(c models.CandidateRecord) error
	OnICECandidate(fn func(models.CandidateRecord))
	OnTrack(fn func(models.RemoteMedia))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// Media is local capture acquired for one session.
type Media interface {
	Mode() models.Mode
	// AttachTo adds the local tracks to pc.
	AttachTo(pc PeerConnection) error
	// Release stops every local track. Calls after the first are no-ops.
	Release()
}

// MediaGate acquires local capture and builds peer connections. Acquire
// fails with ErrMediaPermissionDenied or ErrDeviceUnavailable.
type MediaGate interface {
	Acquire(ctx context.Context, mode models.Mode) (Media, error)
	NewPeerConnection() (PeerConnection, error)
}
