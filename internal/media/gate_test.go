package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"os permission", &fs.PathError{Op: "open", Path: "/dev/video0", Err: fs.ErrPermission}, call.ErrMediaPermissionDenied},
		{"permission text", errors.New("open /dev/snd/pcmC0D0c: Permission denied"), call.ErrMediaPermissionDenied},
		{"no device", errors.New("failed to find the best driver that fits the constraints"), call.ErrDeviceUnavailable},
		{"already classified", fmt.Errorf("wrapped: %w", call.ErrDeviceUnavailable), call.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
}

func failingGate(t *testing.T, receiveOnly bool, captureErr error) *Gate {
	t.Helper()
	g, err := NewGate(Config{ReceiveOnly: receiveOnly}, zerolog.Nop())
	require.NoError(t, err)
	g.capture = func(models.Mode) (*capture, error) { return nil, captureErr }
	return g
}

func TestAcquireFailures(t *testing.T) {
	ctx := context.Background()

	_, err := failingGate(t, false, errors.New("no such device")).Acquire(ctx, models.ModeAudio)
	assert.ErrorIs(t, err, call.ErrDeviceUnavailable)

	_, err = failingGate(t, true, errors.New("permission denied")).Acquire(ctx, models.ModeAudio)
	assert.ErrorIs(t, err, call.ErrMediaPermissionDenied, "receive-only never masks a denial")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = failingGate(t, true, nil).Acquire(cancelled, models.ModeAudio)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveOnlyOfferFollowsMode(t *testing.T) {
	for _, mode := range []models.Mode{models.ModeAudio, models.ModeVideo} {
		t.Run(string(mode), func(t *testing.T) {
			g := failingGate(t, true, errors.New("no such device"))

			local, err := g.Acquire(context.Background(), mode)
			require.NoError(t, err)
			defer local.Release()
			assert.Equal(t, mode, local.Mode())

			pc, err := g.NewPeerConnection()
			require.NoError(t, err)
			defer pc.Close()

			require.NoError(t, local.AttachTo(pc))
			offer, err := pc.CreateOffer()
			require.NoError(t, err)

			assert.Equal(t, models.SDPTypeOffer, offer.Type)
			assert.Contains(t, offer.SDP, "m=audio")
			assert.Equal(t, mode.WantsVideo(), strings.Contains(offer.SDP, "m=video"))
		})
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	g := failingGate(t, true, errors.New("no such device"))
	ctx := context.Background()

	newPeer := func() call.PeerConnection {
		local, err := g.Acquire(ctx, models.ModeAudio)
		require.NoError(t, err)
		t.Cleanup(local.Release)
		pc, err := g.NewPeerConnection()
		require.NoError(t, err)
		t.Cleanup(func() { _ = pc.Close() })
		require.NoError(t, local.AttachTo(pc))
		return pc
	}
	a, b := newPeer(), newPeer()

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, a.SetLocalDescription(offer))
	require.NoError(t, b.SetRemoteDescription(offer))

	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, models.SDPTypeAnswer, answer.Type)
	require.NoError(t, b.SetLocalDescription(answer))
	require.NoError(t, a.SetRemoteDescription(answer))
}

func TestAttachRejectsForeignPeerConnection(t *testing.T) {
	local := &Local{mode: models.ModeAudio, capture: &capture{}}
	assert.Error(t, local.AttachTo(nil))
}

func TestReleaseRunsOnce(t *testing.T) {
	stops := 0
	local := &Local{mode: models.ModeAudio, capture: &capture{stop: func() { stops++ }}}
	local.Release()
	local.Release()
	assert.Equal(t, 1, stops)
}

func TestCandidateConversion(t *testing.T) {
	rec := models.CandidateRecord{Candidate: "candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host", SDPMid: "1", SDPMLineIndex: 1}
	init := candidateInit(rec)
	require.NotNil(t, init.SDPMid)
	require.NotNil(t, init.SDPMLineIndex)
	assert.Equal(t, "1", *init.SDPMid)
	assert.Equal(t, uint16(1), *init.SDPMLineIndex)
	assert.Equal(t, rec, candidateRecord(init))

	assert.Equal(t, models.CandidateRecord{Candidate: "candidate:x"}, candidateRecord(webrtc.ICECandidateInit{Candidate: "candidate:x"}))
}

func TestConnectionStateMapping(t *testing.T) {
	assert.Equal(t, call.ConnectionFailed, connectionState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, call.ConnectionConnected, connectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, call.ConnectionClosed, connectionState(webrtc.PeerConnectionStateClosed))
	assert.Equal(t, call.ConnectionNew, connectionState(webrtc.PeerConnectionStateUnknown))
}
