package call

import (
	"context"
	"time"

	"github.com/mossy-p/call-signaling/internal/mailbox"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

// session is one call attempt. All fields are owned by the controller's
// event loop; goroutines started for a session only read the immutable
// identity fields (ctx, role, callID, log).
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	role   models.Role
	callID string
	mode   models.Mode
	peer   string
	state  State

	offer  *models.Offer
	answer *models.Answer
	media  Media
	pc     PeerConnection
	relay  *IceRelay
	outbox *outbox
	remote *mailbox.Subscription[models.CandidateRecord]
	ring   *time.Timer

	// wrote is set once our offer or answer is in the record.
	wrote      bool
	remoteSeen bool
	reason     EndReason

	// publishes counts record writes started, inflight those not yet done.
	publishes int
	inflight  int
}

func (s *session) stopRing() {
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}
}

// release stops every goroutine and local resource of the session. It runs
// at most once per session.
func (s *session) release() {
	s.cancel()
	s.stopRing()
	if s.remote != nil {
		s.remote.Cancel()
	}
	s.outbox.Stop()
	if s.relay != nil {
		s.relay.Reset()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Error closing peer connection")
		}
	}
	if s.media != nil {
		s.media.Release()
	}
	s.pc, s.media = nil, nil
}

func dispose(media Media, pc PeerConnection) {
	if pc != nil {
		_ = pc.Close()
	}
	if media != nil {
		media.Release()
	}
}
