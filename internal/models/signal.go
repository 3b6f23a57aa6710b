package models

import (
	"errors"
	"fmt"
)

// Mode is the media mode an offer was made with.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

var ErrInvalidMode = errors.New("mode must be audio or video")

func (m Mode) Validate() error {
	switch m {
	case ModeAudio, ModeVideo:
		return nil
	}
	return ErrInvalidMode
}

// WantsVideo reports whether local capture must include a camera track.
func (m Mode) WantsVideo() bool { return m == ModeVideo }

// Role is the side of a call a participant plays.
type Role string

const (
	RoleOriginator Role = "originator"
	RoleResponder  Role = "responder"
)

// LogName is the name of the candidate log written by this role.
func (r Role) LogName() string {
	if r == RoleOriginator {
		return "offerCandidates"
	}
	return "answerCandidates"
}

// Opposite returns the role of the other participant.
func (r Role) Opposite() Role {
	if r == RoleOriginator {
		return RoleResponder
	}
	return RoleOriginator
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an SDP payload as produced by a peer connection.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Offer struct {
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	Mode         Mode   `json:"mode"`
	OriginatorID string `json:"originatorId"`
}

func (o *Offer) Description() SessionDescription {
	return SessionDescription{Type: o.Type, SDP: o.SDP}
}

func (o *Offer) Validate() error {
	if o.SDP == "" {
		return errors.New("offer: empty sdp")
	}
	if o.Type != SDPTypeOffer {
		return fmt.Errorf("offer: unexpected type %q", o.Type)
	}
	if err := o.Mode.Validate(); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	if o.OriginatorID == "" {
		return errors.New("offer: missing originatorId")
	}
	return nil
}

type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (a *Answer) Description() SessionDescription {
	return SessionDescription{Type: a.Type, SDP: a.SDP}
}

func (a *Answer) Validate() error {
	if a.SDP == "" {
		return errors.New("answer: empty sdp")
	}
	if a.Type != SDPTypeAnswer {
		return fmt.Errorf("answer: unexpected type %q", a.Type)
	}
	return nil
}

// CallSignal is the single mutable record that occupies a call slot.
// Its presence in the mailbox means the slot is taken.
type CallSignal struct {
	CallID string  `json:"callId"`
	Offer  *Offer  `json:"offer,omitempty"`
	Answer *Answer `json:"answer,omitempty"`
}

// Validate checks a full record as read back from the mailbox.
func (s *CallSignal) Validate() error {
	if s.Offer == nil {
		if s.Answer != nil {
			return errors.New("call signal: answer without offer")
		}
		return errors.New("call signal: missing offer")
	}
	if s.CallID == "" {
		return errors.New("call signal: missing callId")
	}
	if err := s.Offer.Validate(); err != nil {
		return err
	}
	if s.Answer != nil {
		return s.Answer.Validate()
	}
	return nil
}

// CandidateRecord is one entry of an append-only candidate log.
type CandidateRecord struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

func (c CandidateRecord) Validate() error {
	if c.Candidate == "" {
		return errors.New("candidate: empty candidate line")
	}
	if c.SDPMLineIndex < 0 {
		return errors.New("candidate: negative sdpMLineIndex")
	}
	return nil
}

// RemoteMedia describes a remote track once media starts flowing.
type RemoteMedia struct {
	StreamID string `json:"streamId"`
	TrackID  string `json:"trackId"`
	Kind     string `json:"kind"`
}
