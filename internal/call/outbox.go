package call

import (
	"context"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
)

// outbox appends locally gathered candidates to the session's log, one at a
// time and in gathering order. Nothing is written before Open, which is
// called once the offer or answer is in the record.
type outbox struct {
	write  func(ctx context.Context, c models.CandidateRecord) error
	onFail func(err error)

	mu    sync.Mutex
	queue []models.CandidateRecord

	wake     chan struct{}
	open     chan struct{}
	openOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func newOutbox(ctx context.Context, write func(context.Context, models.CandidateRecord) error, onFail func(error)) *outbox {
	ctx, cancel := context.WithCancel(ctx)
	o := &outbox{
		write:  write,
		onFail: onFail,
		wake:   make(chan struct{}, 1),
		open:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

func (o *outbox) Push(c models.CandidateRecord) {
	o.mu.Lock()
	o.queue = append(o.queue, c)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) Open() {
	o.openOnce.Do(func() { close(o.open) })
}

// Stop abandons queued candidates and waits for an in-flight write to end.
func (o *outbox) Stop() {
	o.cancel()
	<-o.done
}

func (o *outbox) run(ctx context.Context) {
	defer close(o.done)

	select {
	case <-ctx.Done():
		return
	case <-o.open:
	}

	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, c := range batch {
			if err := o.write(ctx, c); err != nil {
				if ctx.Err() == nil {
					o.onFail(err)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
	}
}
