package broker

import (
	"context"
	"sync"
)

// dispatcher feeds one subscription's handler from an unbounded FIFO, on a
// single goroutine, so a slow handler never blocks a publisher or a
// transport's receive loop.
type dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler func([]byte)
	onLost  func(error)

	mu    sync.Mutex
	queue [][]byte
	lost  error // set by abort
	wake  chan struct{}
	done  chan struct{}
}

func newDispatcher(ctx context.Context, handler func([]byte), opts []SubscribeOption) *dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		handler: handler,
		onLost:  buildSubscribeOptions(opts).onLost,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// push queues a copy of payload. It reports false once the dispatcher is
// stopping.
func (d *dispatcher) push(payload []byte) bool {
	if d.ctx.Err() != nil {
		return false
	}

	p := make([]byte, len(payload))
	copy(p, payload)

	d.mu.Lock()
	d.queue = append(d.queue, p)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	defer d.reportLost()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 || d.ctx.Err() != nil {
				d.mu.Unlock()
				break
			}
			p := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.handler(p)
		}
	}
}

// abort ends the subscription on the broker's behalf. err reaches the
// OnLost handler unless the subscriber had already canceled.
func (d *dispatcher) abort(err error) {
	d.mu.Lock()
	if d.lost == nil && d.ctx.Err() == nil {
		d.lost = err
	}
	d.mu.Unlock()
	d.cancel()
}

func (d *dispatcher) reportLost() {
	d.mu.Lock()
	err := d.lost
	d.mu.Unlock()

	if err != nil && d.onLost != nil {
		d.onLost(err)
	}
}

// stop cancels the dispatcher and waits for an in-flight handler call to
// return. It must not be called from the handler.
func (d *dispatcher) stop() {
	d.cancel()
	<-d.done
}

// stopped is closed when the dispatcher's context is done, including when
// the subscriber's own context is canceled.
func (d *dispatcher) stopped() <-chan struct{} {
	return d.ctx.Done()
}
