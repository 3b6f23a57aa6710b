package call

import (
	"context"

	"github.com/mossy-p/call-signaling/internal/mailbox"
	"github.com/mossy-p/call-signaling/internal/models"
)

// State is the lifecycle position of the local participant's call.
type State int

const (
	StateIdle State = iota
	StateOriginating
	StateAwaitingAnswer
	StateIncomingDetected
	StateAnswering
	StateConnected
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateOriginating:
		return "originating"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateIncomingDetected:
		return "incoming"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	default:
		return "idle"
	}
}

// IncomingCall describes a foreign offer found in the call slot.
type IncomingCall struct {
	CallID string
	From   string
	Mode   models.Mode
}

// Listener receives call notifications. Methods are invoked from the
// controller's event loop; they must return quickly and must not call back
// into the controller synchronously.
type Listener interface {
	OnIncomingCallDetected(call IncomingCall)
	OnRemoteMediaAvailable(callID string, media models.RemoteMedia)
	OnCallEnded(callID string, reason EndReason)
	OnError(kind ErrorKind, detail string)
	OnStateChange(status models.CallStatus)
}

// SignalChannel is the part of signaling.Channel the controller drives.
type SignalChannel interface {
	Publish(ctx context.Context, sig models.CallSignal) error
	Patch(ctx context.Context, callID string, partial models.CallSignal) error
	Fetch(ctx context.Context) (*models.CallSignal, error)
	Subscribe(ctx context.Context) (*mailbox.Subscription[*models.CallSignal], error)
	Retract(ctx context.Context, callID string) (bool, error)
	Discard(ctx context.Context, callID string) error
	AppendCandidate(ctx context.Context, callID string, role models.Role, c models.CandidateRecord) error
	SubscribeCandidates(ctx context.Context, callID string, role models.Role) (*mailbox.Subscription[models.CandidateRecord], error)
}
