// Package call drives the lifecycle of a two-party call over a signal
// channel: origination, answering, glare resolution and teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

const eventQueueSize = 64

// Options configures a Controller.
type Options struct {
	ParticipantID string
	// RingTimeout ends an unanswered or unattended call. Zero disables it.
	RingTimeout  time.Duration
	WriteTimeout time.Duration
}

// Controller is the public surface of the call subsystem. Every state change
// happens on the goroutine running Run; the exported methods post work to it
// and wait for the result.
type Controller struct {
	opts     Options
	signals  SignalChannel
	gate     MediaGate
	listener Listener
	log      zerolog.Logger

	events  chan func()
	started atomic.Bool
	done    chan struct{}

	mu     sync.RWMutex
	state  State
	status models.CallStatus

	// Loop-owned.
	ctx     context.Context
	sess    *session
	last    *models.CallSignal
	ignored map[string]struct{}
}

// NewController returns a controller for one participant. Nothing happens
// until Run is called.
func NewController(opts Options, signals SignalChannel, gate MediaGate, listener Listener, logger zerolog.Logger) *Controller {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Controller{
		opts:     opts,
		signals:  signals,
		gate:     gate,
		listener: listener,
		log:      logger.With().Str("component", "call-controller").Str("participant_id", opts.ParticipantID).Logger(),
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		status:   models.CallStatus{ParticipantID: opts.ParticipantID, State: StateIdle.String()},
		ignored:  make(map[string]struct{}),
	}
}

// Run processes slot snapshots and posted work until ctx is cancelled. A live
// call is hung up on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("call: controller already running")
	}
	defer close(c.done)

	sub, err := c.signals.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to call slot: %w", err)
	}
	defer sub.Cancel()

	c.ctx = ctx
	c.log.Info().Msg("Call controller started")
	defer c.log.Info().Msg("Call controller stopped")

	for {
		select {
		case <-ctx.Done():
			c.end(ReasonHangup, nil)
			return nil
		case sig, ok := <-sub.C:
			if !ok {
				c.end(ReasonHangup, nil)
				if ctx.Err() != nil {
					return nil
				}
				if err := sub.Err(); err != nil {
					return fmt.Errorf("call slot subscription: %w", err)
				}
				return errors.New("call slot subscription closed")
			}
			c.observe(sig)
		case fn := <-c.events:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// within wraps fn so it only runs while s is still the live session.
func (c *Controller) within(s *session, fn func()) func() {
	return func() {
		if c.sess == s {
			fn()
		}
	}
}

func (c *Controller) do(fn func() error) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// StartCall originates a call in the given mode. It returns once the attempt
// is under way; progress is reported to the Listener.
func (c *Controller) StartCall(mode models.Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	return c.do(func() error {
		if c.sess != nil {
			return ErrBusy
		}
		if sig := c.last; sig != nil && sig.Offer.OriginatorID != c.opts.ParticipantID {
			return fmt.Errorf("%w: slot is held by %s", ErrBusy, sig.Offer.OriginatorID)
		}

		s := c.newSession(models.RoleOriginator, uuid.NewString(), mode, "")
		c.setState(StateOriginating)
		s.log.Info().Str("mode", string(mode)).Msg("Originating call")

		go c.prepare(s, mode, nil)
		return nil
	})
}

// AnswerIncoming answers the call currently in IncomingDetected.
func (c *Controller) AnswerIncoming() error {
	return c.do(func() error {
		s := c.sess
		if s == nil || s.state != StateIncomingDetected {
			return ErrNoIncomingCall
		}
		s.stopRing()
		c.setState(StateAnswering)
		s.log.Info().Str("from", s.peer).Msg("Answering call")

		go c.answer(s)
		return nil
	})
}

// EndCall hangs up whatever call is live. It is a no-op when idle.
func (c *Controller) EndCall() error {
	err := c.do(func() error {
		c.end(ReasonHangup, nil)
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// State is the current session state, StateIdle when there is no call.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns a snapshot of the local participant's call.
func (c *Controller) Status() models.CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Controller) newSession(role models.Role, callID string, mode models.Mode, peer string) *session {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		log:    c.log.With().Str("call_id", callID).Str("role", string(role)).Logger(),
		role:   role,
		callID: callID,
		mode:   mode,
		peer:   peer,
	}
	s.outbox = newOutbox(ctx,
		func(ctx context.Context, cand models.CandidateRecord) error {
			return retryOnce(ctx, c.opts.WriteTimeout, s.log, "append candidate", func(ctx context.Context) error {
				return c.signals.AppendCandidate(ctx, callID, role, cand)
			})
		},
		func(err error) {
			go c.post(c.within(s, func() { c.end(ReasonFailed, err) }))
		},
	)
	c.sess = s
	return s
}

func (c *Controller) setState(st State) {
	status := models.CallStatus{ParticipantID: c.opts.ParticipantID, State: st.String()}
	if s := c.sess; s != nil && st != StateIdle {
		s.state = st
		status.CallID = s.callID
		status.Role = s.role
		status.Mode = s.mode
		status.Peer = s.peer
	}

	c.mu.Lock()
	c.state = st
	c.status = status
	c.mu.Unlock()

	c.listener.OnStateChange(status)
}

// prepare acquires media and builds the local description off the loop. With
// a remote offer it builds an answer, otherwise an offer.
func (c *Controller) prepare(s *session, mode models.Mode, remote *models.Offer) {
	media, pc, desc, err := c.build(s, mode, remote)
	ready := func() {
		if c.sess != s {
			dispose(media, pc)
			return
		}
		if err != nil {
			c.end(ReasonFailed, err)
			return
		}
		s.media, s.pc = media, pc
		s.relay = NewIceRelay(pc, s.log)
		if remote != nil {
			c.onAnswerReady(s, desc)
		} else {
			c.onOfferReady(s, desc)
		}
	}
	if !c.post(ready) {
		dispose(media, pc)
	}
}

func (c *Controller) build(s *session, mode models.Mode, remote *models.Offer) (Media, PeerConnection, models.SessionDescription, error) {
	var desc models.SessionDescription

	media, err := c.gate.Acquire(s.ctx, mode)
	if err != nil {
		if !errors.Is(err, ErrMediaPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, nil, desc, err
	}

	pc, err := c.gate.NewPeerConnection()
	if err != nil {
		media.Release()
		return nil, nil, desc, fmt.Errorf("%w: create peer connection: %v", ErrConnectionFailed, err)
	}
	c.wire(s, pc)

	fail := func(step string, err error) (Media, PeerConnection, models.SessionDescription, error) {
		dispose(media, pc)
		return nil, nil, desc, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, step, err)
	}
	if err := media.AttachTo(pc); err != nil {
		return fail("attach media", err)
	}
	if remote != nil {
		if err := pc.SetRemoteDescription(remote.Description()); err != nil {
			return fail("set remote offer", err)
		}
		if desc, err = pc.CreateAnswer(); err != nil {
			return fail("create answer", err)
		}
	} else if desc, err = pc.CreateOffer(); err != nil {
		return fail("create offer", err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return fail("set local description", err)
	}
	return media, pc, desc, nil
}

// wire connects peer-connection callbacks to the session. Local candidates go
// straight to the outbox so gathering order is kept.
func (c *Controller) wire(s *session, pc PeerConnection) {
	pc.OnICECandidate(s.outbox.Push)
	pc.OnTrack(func(m models.RemoteMedia) {
		go c.post(c.within(s, func() { c.onRemoteMedia(s, m) }))
	})
	pc.OnConnectionStateChange(func(st ConnectionState) {
		go c.post(c.within(s, func() { c.onConnectionState(s, st) }))
	})
}

func (c *Controller) onOfferReady(s *session, desc models.SessionDescription) {
	s.offer = &models.Offer{
		SDP:          desc.SDP,
		Type:         desc.Type,
		Mode:         s.mode,
		OriginatorID: c.opts.ParticipantID,
	}
	c.setState(StateAwaitingAnswer)
	if !c.followCandidates(s) {
		return
	}
	c.publish(s)
	c.armRing(s)
}

// publish writes our record. Once connected the answer goes with it, so a
// republish restores the whole call.
func (c *Controller) publish(s *session) {
	sig := models.CallSignal{CallID: s.callID, Offer: s.offer, Answer: s.answer}
	s.publishes++
	s.inflight++
	go func() {
		err := retryOnce(c.ctx, c.opts.WriteTimeout, s.log, "publish offer", func(ctx context.Context) error {
			return c.signals.Publish(ctx, sig)
		})
		c.post(func() { c.onPublished(s, err) })
	}()
}

func (c *Controller) onPublished(s *session, err error) {
	s.inflight--
	if c.sess != s {
		if err == nil {
			c.retractStale(s)
		}
		return
	}
	if err != nil {
		c.end(ReasonFailed, err)
		return
	}
	s.wrote = true
	s.outbox.Open()
	s.log.Debug().Msg("Offer published")
	if c.last == nil {
		c.confirmAbsent(s)
	}
}

// confirmAbsent re-reads the slot after an empty snapshot. The snapshot may
// predate our own publish, so only a fresh read proves the record is gone.
// A publish started meanwhile makes the read meaningless; its completion
// checks again.
func (c *Controller) confirmAbsent(s *session) {
	if s.inflight > 0 {
		return
	}
	gen := s.publishes
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, c.opts.WriteTimeout)
		sig, err := c.signals.Fetch(ctx)
		cancel()
		if err != nil || sig != nil {
			return
		}
		c.post(c.within(s, func() {
			if s.inflight > 0 || s.publishes != gen {
				return
			}
			c.end(ReasonPeerVanished, nil)
		}))
	}()
}

func (c *Controller) answer(s *session) {
	var sig *models.CallSignal
	err := retryOnce(s.ctx, c.opts.WriteTimeout, s.log, "fetch offer", func(ctx context.Context) error {
		var err error
		sig, err = c.signals.Fetch(ctx)
		return err
	})
	if err == nil && (sig == nil || sig.CallID != s.callID || sig.Answer != nil ||
		sig.Offer.OriginatorID == c.opts.ParticipantID) {
		err = ErrPeerVanished
	}
	if err != nil {
		c.post(c.within(s, func() {
			if errors.Is(err, ErrPeerVanished) {
				c.end(ReasonPeerVanished, nil)
				return
			}
			c.end(ReasonFailed, err)
		}))
		return
	}

	// Media follows the offer's mode, never a local preference.
	c.prepare(s, sig.Offer.Mode, sig.Offer)
}

func (c *Controller) onAnswerReady(s *session, desc models.SessionDescription) {
	if !c.followCandidates(s) {
		return
	}
	if err := s.relay.RemoteDescriptionSet(); err != nil {
		s.log.Warn().Err(err).Msg("Some buffered candidates were rejected")
	}

	ans := &models.Answer{SDP: desc.SDP, Type: desc.Type}
	go func() {
		err := retryOnce(c.ctx, c.opts.WriteTimeout, s.log, "attach answer", func(ctx context.Context) error {
			return c.signals.Patch(ctx, s.callID, models.CallSignal{Answer: ans})
		})
		c.post(func() { c.onPatched(s, err) })
	}()
}

func (c *Controller) onPatched(s *session, err error) {
	if c.sess != s {
		if err == nil {
			c.retractStale(s)
		}
		return
	}
	if err != nil {
		reason := ReasonFailed
		if KindOf(err) == KindSignalWriteConflict {
			reason = ReasonPeerVanished
		}
		c.end(reason, err)
		return
	}
	s.wrote = true
	s.outbox.Open()
	c.setState(StateConnected)
}

// followCandidates feeds the other side's candidate log into the relay.
func (c *Controller) followCandidates(s *session) bool {
	sub, err := c.signals.SubscribeCandidates(s.ctx, s.callID, s.role.Opposite())
	if err != nil {
		c.end(ReasonFailed, fmt.Errorf("%w: follow candidates: %v", ErrConnectionFailed, err))
		return false
	}
	s.remote = sub
	go func() {
		for cand := range sub.C {
			if !c.post(c.within(s, func() { c.onRemoteCandidate(s, cand) })) {
				return
			}
		}
	}()
	return true
}

func (c *Controller) onRemoteCandidate(s *session, cand models.CandidateRecord) {
	if err := s.relay.Add(cand); err != nil {
		s.log.Warn().Err(err).Str("candidate", cand.Candidate).Msg("Failed to apply remote candidate")
	}
}

func (c *Controller) onRemoteMedia(s *session, m models.RemoteMedia) {
	s.log.Info().Str("kind", m.Kind).Str("stream_id", m.StreamID).Msg("Remote media arrived")
	if s.remoteSeen {
		return
	}
	s.remoteSeen = true
	c.listener.OnRemoteMediaAvailable(s.callID, m)
}

func (c *Controller) onConnectionState(s *session, st ConnectionState) {
	s.log.Debug().Str("connection", st.String()).Msg("Peer connection state changed")
	if st == ConnectionFailed {
		c.end(ReasonFailed, ErrConnectionFailed)
	}
}

func (c *Controller) armRing(s *session) {
	if c.opts.RingTimeout <= 0 {
		return
	}
	s.ring = time.AfterFunc(c.opts.RingTimeout, func() {
		c.post(c.within(s, func() {
			if s.state == StateAwaitingAnswer || s.state == StateIncomingDetected {
				s.log.Info().Dur("after", c.opts.RingTimeout).Msg("Call was not answered")
				c.end(ReasonTimeout, nil)
			}
		}))
	})
}

// observe interprets one snapshot of the call slot. A nil signal means the
// slot is free.
func (c *Controller) observe(sig *models.CallSignal) {
	c.last = sig
	if s := c.sess; s != nil {
		if s.role == models.RoleOriginator {
			c.observeAsOriginator(s, sig)
		} else {
			c.observeAsResponder(s, sig)
		}
	}
	if c.sess == nil {
		c.detectIncoming(sig)
	}
}

func (c *Controller) observeAsOriginator(s *session, sig *models.CallSignal) {
	switch {
	case sig == nil:
		if s.wrote {
			c.confirmAbsent(s)
		}

	case sig.CallID == s.callID:
		if sig.Answer != nil && s.state == StateAwaitingAnswer {
			c.applyAnswer(s, sig.Answer)
		}

	case sig.Offer.OriginatorID == c.opts.ParticipantID:
		// A late write from one of our own earlier attempts.
		if s.offer != nil {
			c.publish(s)
		}

	case c.opts.ParticipantID < sig.Offer.OriginatorID:
		// Both sides originated; the smaller id keeps the call and writes
		// it back over the loser's offer, which can land even after we
		// connected.
		s.log.Info().Str("other", sig.Offer.OriginatorID).Msg("Won simultaneous origination")
		if s.offer != nil {
			c.publish(s)
		}

	case s.state == StateConnected:
		c.end(ReasonPeerVanished, nil)

	default:
		s.log.Info().Str("other", sig.Offer.OriginatorID).Msg("Lost simultaneous origination")
		c.end(ReasonSuperseded, nil)
	}
}

func (c *Controller) observeAsResponder(s *session, sig *models.CallSignal) {
	switch {
	case sig == nil:
		c.end(ReasonPeerVanished, nil)

	case sig.CallID == s.callID:
		if sig.Answer != nil && s.state == StateIncomingDetected {
			s.log.Info().Msg("Call was answered elsewhere")
			c.end(ReasonPeerVanished, nil)
		}

	case sig.Offer.OriginatorID == c.opts.ParticipantID:
		// Our own superseded offer landing late; the winner writes over it.

	default:
		c.end(ReasonPeerVanished, nil)
	}
}

func (c *Controller) applyAnswer(s *session, ans *models.Answer) {
	if err := s.pc.SetRemoteDescription(ans.Description()); err != nil {
		c.end(ReasonFailed, fmt.Errorf("%w: set remote answer: %v", ErrConnectionFailed, err))
		return
	}
	if err := s.relay.RemoteDescriptionSet(); err != nil {
		s.log.Warn().Err(err).Msg("Some buffered candidates were rejected")
	}
	s.answer = ans
	s.stopRing()
	c.setState(StateConnected)
}

func (c *Controller) detectIncoming(sig *models.CallSignal) {
	if sig == nil {
		clear(c.ignored)
		return
	}
	if sig.Answer != nil || sig.Offer.OriginatorID == c.opts.ParticipantID {
		return
	}
	if _, skip := c.ignored[sig.CallID]; skip {
		return
	}

	s := c.newSession(models.RoleResponder, sig.CallID, sig.Offer.Mode, sig.Offer.OriginatorID)
	c.setState(StateIncomingDetected)
	c.armRing(s)
	s.log.Info().Str("from", s.peer).Str("mode", string(s.mode)).Msg("Incoming call detected")

	c.listener.OnIncomingCallDetected(IncomingCall{CallID: s.callID, From: s.peer, Mode: s.mode})
}

// end tears down the live session and returns to Idle. The shared record is
// removed when we own it (we originated or answered) or when the user hung
// up. A responder that fails before answering leaves it alone and ignores
// the call from then on.
func (c *Controller) end(reason EndReason, cause error) {
	s := c.sess
	if s == nil {
		return
	}
	if cause != nil {
		kind := KindOf(cause)
		s.log.Warn().Err(cause).Str("kind", string(kind)).Msg("Call failed")
		c.listener.OnError(kind, kind.Notice())
	}

	s.reason = reason
	c.setState(StateEnding)
	s.release()

	switch {
	case reason == ReasonSuperseded:
		// The slot belongs to the winner, who overwrites anything of ours
		// that lands late.
		c.discard(s)
	case reason == ReasonHangup || s.role == models.RoleOriginator || s.wrote:
		c.retract(s)
	default:
		c.ignored[s.callID] = struct{}{}
	}

	c.sess = nil
	c.setState(StateIdle)
	s.log.Info().Str("reason", string(reason)).Msg("Call ended")
	c.listener.OnCallEnded(s.callID, reason)
}

func (c *Controller) retract(s *session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.WriteTimeout)
	defer cancel()

	deleted, err := c.signals.Retract(ctx, s.callID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to clear call signal, leaving it to expire")
	}
	if !deleted {
		c.discard(s)
	}
}

func (c *Controller) discard(s *session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.WriteTimeout)
	defer cancel()

	if err := c.signals.Discard(ctx, s.callID); err != nil {
		s.log.Debug().Err(err).Msg("Failed to discard candidate logs")
	}
}

// retractStale removes a record written by a session that ended while the
// write was in flight. Retract only matches that session's callId, so it
// never touches a call that replaced it. A superseded offer landing while we
// are in the winner's call is left to the winner, who writes its record
// back; deleting it first would end the call on both sides.
func (c *Controller) retractStale(s *session) {
	if s.reason == ReasonSuperseded && c.sess != nil {
		s.log.Debug().Msg("Superseded offer landed late, leaving it to the winner")
		return
	}
	s.log.Debug().Msg("Write landed after the call ended, retracting")
	c.retract(s)
}
