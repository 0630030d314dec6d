// Package broker provides the topic transports behind the loopback engine.
//
// A broker moves opaque []byte payloads between publishers and subscribers
// of a topic. It is a dumb transport: encoding, channel naming and the
// long-poll contract live in the layers above it.
//
// Three implementations are provided:
//   - InMemory: single-process, channel-based
//   - Redis: Redis PUBLISH/SUBSCRIBE, multi-process
//   - Postgres: LISTEN/NOTIFY, multi-process
//
// Every implementation delivers the payloads of a topic to each subscriber
// in publish order, one handler call at a time.
package broker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrPayloadTooLarge is returned by Publish when the transport cannot
	// carry the payload.
	ErrPayloadTooLarge = errors.New("broker: payload too large")

	// ErrSubscriptionLost is reported to an OnLost handler when the transport
	// ended a subscription on its own, such as after a connection failure.
	ErrSubscriptionLost = errors.New("broker: subscription lost")
)

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends payload to every active subscriber of topic. With no
	// subscribers the payload is dropped.
	Publish(ctx context.Context, topic string, payload []byte) error

	Close() error
}

// Subscriber subscribes to topics and receives messages via handlers.
type Subscriber interface {
	// Subscribe registers handler for topic until ctx is canceled or the
	// broker is closed. Once Subscribe returns, every later Publish to topic
	// reaches handler.
	//
	// Handlers of one subscription are never called concurrently and see
	// payloads in publish order. A slow handler delays only its own
	// subscription. The payload is owned by the handler.
	Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error

	Close() error
}

// Broker combines Publisher and Subscriber.
type Broker interface {
	Publisher
	Subscriber
}

// Option configures the networked brokers.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger sets the logger used for transport errors that cannot be
// returned to a caller. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", component).Logger()
	return o
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	onLost func(error)
}

// OnLost sets a function called once, after the last handler call, when the
// broker ends the subscription before its context is canceled: with
// ErrClosed when the broker is closed and ErrSubscriptionLost when the
// transport fails. It must not call back into the broker.
func OnLost(fn func(error)) SubscribeOption {
	return func(o *subscribeOptions) {
		o.onLost = fn
	}
}

func buildSubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
