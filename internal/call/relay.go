package call

import (
	"errors"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

// CandidateSink is whatever remote candidates are finally applied to.
type CandidateSink interface {
	AddICECandidate(c models.CandidateRecord) error
}

// IceRelay holds remote candidates until the peer connection has a remote
// description, then applies them in arrival order. It is owned by the
// controller's event loop and is not safe for concurrent use.
type IceRelay struct {
	sink    CandidateSink
	ready   bool
	pending []models.CandidateRecord
	log     zerolog.Logger
}

func NewIceRelay(sink CandidateSink, logger zerolog.Logger) *IceRelay {
	return &IceRelay{sink: sink, log: logger}
}

// Add applies c now if the remote description is set, otherwise buffers it.
func (r *IceRelay) Add(c models.CandidateRecord) error {
	if r.sink == nil {
		return nil
	}
	if !r.ready {
		r.pending = append(r.pending, c)
		r.log.Debug().Int("buffered", len(r.pending)).Msg("Buffered remote candidate")
		return nil
	}
	return r.sink.AddICECandidate(c)
}

// RemoteDescriptionSet drains the buffer and switches to immediate apply.
// A candidate that fails to apply does not stop the others.
func (r *IceRelay) RemoteDescriptionSet() error {
	if r.ready || r.sink == nil {
		return nil
	}
	r.ready = true
	pending := r.pending
	r.pending = nil

	var errs []error
	for _, c := range pending {
		if err := r.sink.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		r.log.Debug().Int("applied", len(pending)-len(errs)).Msg("Drained buffered candidates")
	}
	return errors.Join(errs...)
}

// Pending is the number of buffered candidates.
func (r *IceRelay) Pending() int { return len(r.pending) }

// Reset drops the buffer and detaches the relay from its sink.
func (r *IceRelay) Reset() {
	r.pending = nil
	r.ready = false
	r.sink = nil
}
