package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a broker over Redis PUBLISH/SUBSCRIBE. Each subscription holds
// its own Redis pub/sub connection. Like the other brokers it keeps nothing:
// a payload published while no one listens is lost.
type Redis struct {
	client redis.UniversalClient
	opts   options

	mu     sync.Mutex
	subs   map[*dispatcher]*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis creates a broker on client. The client stays owned by the caller
// and must outlive the broker.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	return &Redis{
		client: client,
		opts:   buildOptions("broker.redis", opts),
		subs:   make(map[*dispatcher]*redis.PubSub),
	}
}

// Publish sends payload with PUBLISH.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("broker: redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub connection for topic and returns once Redis has
// confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("broker: redis subscribe %q: %w", topic, err)
	}

	d := newDispatcher(ctx, handler, opts)
	r.subs[d] = ps

	r.wg.Add(1)
	go r.receive(topic, ps, d)

	return nil
}

// receive forwards messages until the subscription is stopped or the
// connection's channel closes.
func (r *Redis) receive(topic string, ps *redis.PubSub, d *dispatcher) {
	defer r.wg.Done()

	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				if d.ctx.Err() == nil {
					r.opts.logger.Warn().Str("topic", topic).Msg("redis subscription channel closed")
					d.abort(ErrSubscriptionLost)
				}
				r.drop(d)
				return
			}
			d.push([]byte(msg.Payload))
		case <-d.stopped():
			r.drop(d)
			return
		}
	}
}

// drop stops d and closes its connection, unless Close already did.
func (r *Redis) drop(d *dispatcher) {
	r.mu.Lock()
	ps, ok := r.subs[d]
	delete(r.subs, d)
	r.mu.Unlock()

	if !ok {
		return
	}
	d.stop()
	if err := ps.Close(); err != nil {
		r.opts.logger.Debug().Err(err).Msg("close redis subscription")
	}
}

// Close stops every subscription, closes their connections and waits for
// the receive loops to exit. The client itself is left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*dispatcher]*redis.PubSub)
	r.mu.Unlock()

	for d, ps := range subs {
		d.abort(ErrClosed)
		d.stop()
		if err := ps.Close(); err != nil {
			r.opts.logger.Debug().Err(err).Msg("close redis subscription")
		}
	}
	r.wg.Wait()
	return nil
}
