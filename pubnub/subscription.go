package pubnub

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/native"
)

// Message is one subscription queue item: a decoded value or the error that
// replaced it.
type Message[T any] struct {
	Value T
	Err   error
}

// Subscription delivers the messages of one channel (and optional channel
// group), decoded as T, in the order the native layer completed them.
//
// The subscription runs until Close. Items are never lost to a slow consumer
// silently: when the queue is full the oldest item is discarded, logged and
// counted, so the newest messages are kept.
type Subscription[T any] struct {
	client Client
	cc     channelConfig
	nctx   native.Context
	state  *subscribeState[T]

	closeOnce sync.Once
	closeErr  error
}

// subscribeState is the callback-state block handed to the native layer as
// user data. Its mutex is held for a whole completion, so once closed is set
// no further item is enqueued and no further subscribe is issued.
type subscribeState[T any] struct {
	mu      sync.Mutex
	closed  bool
	channel string
	group   string
	codec   Codec
	items   chan Message[T]
	log     zerolog.Logger
	metrics *Metrics
}

// Subscribe starts a subscription to channel (and group, if not empty). The
// first native subscribe call is issued before Subscribe returns.
func Subscribe[T any](c Client, channel, group string) (*Subscription[T], error) {
	cc, err := c.channelConfig(channel, group)
	if err != nil {
		return nil, err
	}

	nctx, err := c.openContext(cc)
	if err != nil {
		return nil, err
	}

	st := &subscribeState[T]{
		channel: cc.channel,
		group:   cc.group,
		codec:   c.codec,
		items:   make(chan Message[T], c.queueSize),
		log:     c.logger.With().Str("channel", cc.channel).Logger(),
		metrics: c.metrics,
	}

	if err := nctx.RegisterCallback(subscribeCallback[T](st.log), st); err != nil {
		_ = c.releaseContext(nctx, cc.channel)
		return nil, err
	}

	// A refused first call produces no completion, so there is nothing to
	// re-arm it; fail synchronously instead of returning a dead stream.
	if res := nctx.Subscribe(cc.channel, cc.group); !res.Started() {
		_ = c.releaseContext(nctx, cc.channel)
		return nil, statusError(res)
	}

	st.log.Debug().Str("group", cc.group).Msg("subscription started")

	return &Subscription[T]{
		client: c,
		cc:     cc,
		nctx:   nctx,
		state:  st,
	}, nil
}

// subscribeCallback returns the callback registered for a Subscription[T].
// A completion carrying foreign user data cannot be re-armed, so it is logged
// as a stalled subscription.
func subscribeCallback[T any](log zerolog.Logger) native.Callback {
	return func(nctx native.Context, trans native.Trans, res native.Result, userData any) {
		st, ok := userData.(*subscribeState[T])
		if !ok {
			log.Error().
				Str("user_data", fmt.Sprintf("%T", userData)).
				Stringer("trans", trans).
				Stringer("result", res).
				Msg("subscribe callback got foreign user data, subscription stalled")
			return
		}
		st.complete(nctx, trans, res)
	}
}

// complete handles one native completion. Whatever the outcome, and even
// when the item cannot be queued, it re-issues the subscribe call before
// returning: this is the only place the long-poll loop is sustained, and it
// runs with no other subscribe in flight.
func (st *subscribeState[T]) complete(nctx native.Context, trans native.Trans, res native.Result) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}

	if trans == native.TransSubscribe {
		msg := st.decode(nctx, res)
		st.metrics.received.WithLabelValues(outcomeOf(msg.Err)).Inc()
		st.enqueue(msg)
	} else {
		st.log.Warn().Stringer("trans", trans).Stringer("result", res).Msg("unexpected transaction on subscribe context")
	}

	st.rearm(nctx)
}

func (st *subscribeState[T]) decode(nctx native.Context, res native.Result) Message[T] {
	if res != native.ResultOK {
		return Message[T]{Err: statusError(res)}
	}

	text, ok := nctx.Get()
	if !ok {
		return Message[T]{Err: ErrNullResult}
	}

	var v T
	if err := st.codec.Unmarshal(text, &v); err != nil {
		return Message[T]{Err: decodeError(err)}
	}
	return Message[T]{Value: v}
}

// enqueue never blocks. A full queue gives up its oldest item.
func (st *subscribeState[T]) enqueue(msg Message[T]) {
	select {
	case st.items <- msg:
		return
	default:
	}

	select {
	case old := <-st.items:
		st.metrics.dropped.Inc()
		st.log.Warn().AnErr("dropped_err", old.Err).Msg("subscription queue full, dropped oldest item")
	default:
	}

	select {
	case st.items <- msg:
	default:
		st.metrics.dropped.Inc()
		st.log.Warn().AnErr("dropped_err", msg.Err).Msg("subscription queue full, dropped item")
	}
}

func (st *subscribeState[T]) rearm(nctx native.Context) {
	st.metrics.rearms.Inc()
	res := nctx.Subscribe(st.channel, st.group)
	if res.Started() {
		return
	}

	st.log.Error().Stringer("result", res).Msg("subscribe re-arm refused, subscription stalled")
	st.enqueue(Message[T]{Err: statusError(res)})
}

// Channel returns the subscribed channel.
func (s *Subscription[T]) Channel() string {
	return s.cc.channel
}

// Group returns the subscribed channel group, if any.
func (s *Subscription[T]) Group() string {
	return s.cc.group
}

// C returns the item queue. It is closed by Close.
func (s *Subscription[T]) C() <-chan Message[T] {
	return s.state.items
}

// Next blocks until the next item. Item errors (decode failures, null
// results, native statuses) are returned as err without ending the
// subscription. After Close, remaining items are still returned, then
// ErrSubscriptionClosed.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg, ok := <-s.state.items:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return msg.Value, msg.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// All returns a single-use sequence of items. It ends when the subscription
// is closed, when ctx is done, or when the loop body breaks.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			select {
			case msg, ok := <-s.state.items:
				if !ok {
					return
				}
				if !yield(msg.Value, msg.Err) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the subscription. The native context is freed first; only
// then is the queue closed. No callback runs after Close returns.
// Close is idempotent.
func (s *Subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		s.state.mu.Lock()
		s.state.closed = true
		s.state.mu.Unlock()

		s.closeErr = s.client.releaseContext(s.nctx, s.cc.channel)
		close(s.state.items)

		s.state.log.Debug().Msg("subscription closed")
	})
	return s.closeErr
}
