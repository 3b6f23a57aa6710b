package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog"
)

var (
	ErrMediaPermissionDenied = errors.New("media permission denied")
	ErrDeviceUnavailable     = errors.New("media device unavailable")
	ErrSignalWriteFailed     = errors.New("signal write failed")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrPeerVanished          = errors.New("peer vanished")

	ErrBusy           = errors.New("call: a call is already in progress")
	ErrNoIncomingCall = errors.New("call: no incoming call to answer")
	ErrStopped        = errors.New("call: controller is not running")
)

// ErrorKind classifies failures surfaced to the UI.
type ErrorKind string

const (
	KindMediaPermissionDenied ErrorKind = "MediaPermissionDenied"
	KindDeviceUnavailable     ErrorKind = "DeviceUnavailable"
	KindSignalWriteConflict   ErrorKind = "SignalWriteConflict"
	KindSignalWriteFailed     ErrorKind = "SignalWriteFailed"
	KindConnectionFailed      ErrorKind = "ConnectionFailed"
	KindPeerVanished          ErrorKind = "PeerVanished"
)

// KindOf classifies err for OnError. Unknown errors count as connection
// failures.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrMediaPermissionDenied):
		return KindMediaPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, signaling.ErrConflict):
		return KindSignalWriteConflict
	case errors.Is(err, ErrSignalWriteFailed):
		return KindSignalWriteFailed
	case errors.Is(err, ErrPeerVanished):
		return KindPeerVanished
	default:
		return KindConnectionFailed
	}
}

// Notice is the short text shown to the user for a failure of this kind.
func (k ErrorKind) Notice() string {
	switch k {
	case KindMediaPermissionDenied:
		return "Mic/Camera access denied."
	case KindDeviceUnavailable:
		return "No microphone or camera available."
	case KindSignalWriteConflict, KindPeerVanished:
		return "The call was cancelled."
	case KindSignalWriteFailed:
		return "Could not reach your partner. Try again."
	default:
		return "Failed to connect the call."
	}
}

// EndReason says why a session returned to Idle.
type EndReason string

const (
	ReasonHangup       EndReason = "hangup"
	ReasonPeerVanished EndReason = "peer-vanished"
	ReasonSuperseded   EndReason = "superseded"
	ReasonFailed       EndReason = "failed"
	ReasonTimeout      EndReason = "timeout"
)

// retryOnce runs a mailbox operation, retrying once unless the failure is a
// conflict. A second failure is reported as ErrSignalWriteFailed.
func retryOnce(ctx context.Context, timeout time.Duration, log zerolog.Logger, what string, op func(ctx context.Context) error) error {
	attempt := func() error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(wctx)
	}

	err := attempt()
	if err == nil || errors.Is(err, signaling.ErrConflict) || ctx.Err() != nil {
		return err
	}
	log.Warn().Err(err).Str("op", what).Msg("Mailbox operation failed, retrying once")

	err = attempt()
	if err == nil || errors.Is(err, signaling.ErrConflict) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrSignalWriteFailed, what, err)
}
