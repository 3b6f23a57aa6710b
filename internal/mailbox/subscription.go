package mailbox

import "context"

// Subscription is a stream of values with a cancellation handle. C is closed
// once the producer stops, either because Cancel was called, the parent
// context ended, or the producer failed (see Err).
type Subscription[T any] struct {
	C <-chan T

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs produce in its own goroutine. produce hands values to emit,
// which blocks until the consumer takes them and returns false once the
// subscription is cancelled.
func Start[T any](ctx context.Context, produce func(ctx context.Context, emit func(T) bool) error) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan T)
	s := &Subscription[T]{
		C:      ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(ch)
		defer cancel()

		emit := func(v T) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.err = produce(ctx, emit)
	}()
	return s
}

// Map derives a subscription whose values are fn applied to src's values.
// Values for which fn reports false are dropped. Cancelling the result
// cancels src.
func Map[S, T any](ctx context.Context, src *Subscription[S], fn func(S) (T, bool)) *Subscription[T] {
	return Start(ctx, func(ctx context.Context, emit func(T) bool) error {
		defer src.Cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-src.C:
				if !ok {
					<-src.done
					return src.err
				}
				out, keep := fn(v)
				if keep && !emit(out) {
					return nil
				}
			}
		}
	})
}

// Cancel stops the subscription. It does not wait for the producer to exit;
// use Done for that.
func (s *Subscription[T]) Cancel() {
	s.cancel()
}

// Done is closed after the producer has exited and C is closed.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err blocks until the producer exits and returns why it stopped. It is nil
// after a plain cancellation.
func (s *Subscription[T]) Err() error {
	<-s.done
	return s.err
}
