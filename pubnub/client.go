// Package pubnub provides publish/subscribe messaging against PubNub on top
// of a context-based, callback-driven native engine (see package native).
//
// A Client is an immutable credential holder. It mints two kinds of bridges,
// each owning exactly one native context:
//   - Subscription: created by Subscribe, it long-polls a channel and turns
//     every native completion into an item on a bounded queue. The completion
//     callback re-issues the subscribe call before it returns, so exactly one
//     subscribe transaction is in flight for as long as the subscription lives.
//   - PublishFuture: created by Client.Publish, it issues a single native
//     publish the first time it is polled and resolves exactly once.
//
// Both must be closed to release their native context.
//
// Runtime failures are delivered as values: each subscription item carries
// its own error without ending the stream, and a publish future resolves to
// nil or an error. Invalid input (strings with embedded NUL bytes, payloads
// that cannot be encoded) is reported synchronously.
package pubnub

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/native"
)

// DefaultQueueSize is the capacity of a subscription queue.
const DefaultQueueSize = 64

// Config holds the credentials of a client.
type Config struct {
	AuthKey      string
	PublishKey   string
	SubscribeKey string
	// ClientUUID identifies this client to the service.
	// A random UUID is used when empty.
	ClientUUID string
}

// Client is a cheap, copyable value. Copying a Client is how it is cloned;
// it owns no native resources.
type Client struct {
	cfg       Config
	engine    native.Engine
	codec     Codec
	logger    zerolog.Logger
	metrics   *Metrics
	queueSize int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the collectors updated by the client's bridges.
// Default: unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithQueueSize sets the subscription queue capacity. Values below 1 are
// raised to 1. Default: DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		c.queueSize = max(n, 1)
	}
}

// WithCodec sets the payload codec. Default: JSON.
func WithCodec(codec Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// New returns a client for cfg. It only fails when a credential cannot be
// passed to the native layer (*InvalidArgumentError) or engine is nil.
func New(engine native.Engine, cfg Config, opts ...Option) (Client, error) {
	if engine == nil {
		return Client{}, errors.New("pubnub: nil engine")
	}

	if cfg.ClientUUID == "" {
		cfg.ClientUUID = uuid.NewString()
	}

	for _, arg := range []struct{ field, value string }{
		{"auth key", cfg.AuthKey},
		{"publish key", cfg.PublishKey},
		{"subscribe key", cfg.SubscribeKey},
		{"client UUID", cfg.ClientUUID},
	} {
		if err := checkArg(arg.field, arg.value); err != nil {
			return Client{}, err
		}
	}

	c := Client{
		cfg:       cfg,
		engine:    engine,
		codec:     JSON,
		logger:    zerolog.Nop(),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.With().Str("component", "pubnub").Str("uuid", cfg.ClientUUID).Logger()

	return c, nil
}

// Config returns the client's credentials. Client values hold an engine and
// a logger and are not comparable with ==; compare their configs, or use
// Compare.
func (c Client) Config() Config {
	return c.cfg
}

// Compare orders clients by auth key, publish key, subscribe key and client
// UUID, in that order. It returns 0 for clients with equal credentials,
// whatever their engine, codec or options.
func (c Client) Compare(other Client) int {
	a, b := c.cfg, other.cfg
	return cmp.Or(
		cmp.Compare(a.AuthKey, b.AuthKey),
		cmp.Compare(a.PublishKey, b.PublishKey),
		cmp.Compare(a.SubscribeKey, b.SubscribeKey),
		cmp.Compare(a.ClientUUID, b.ClientUUID),
	)
}

// WithCodec returns a copy of c that uses codec for the bridges it creates.
func (c Client) WithCodec(codec Codec) Client {
	if codec != nil {
		c.codec = codec
	}
	return c
}

// channelConfig binds credentials to one channel and group. Bridges keep it
// for their whole life.
type channelConfig struct {
	Config
	channel string
	group   string
}

func (c Client) channelConfig(channel, group string) (channelConfig, error) {
	if err := checkArg("channel", channel); err != nil {
		return channelConfig{}, err
	}
	if err := checkArg("group", group); err != nil {
		return channelConfig{}, err
	}
	return channelConfig{Config: c.cfg, channel: channel, group: group}, nil
}

// openContext allocates and initializes a native context. The context is
// freed again on every failure path.
func (c Client) openContext(cc channelConfig) (native.Context, error) {
	nctx, err := c.engine.Alloc()
	if err != nil {
		return nil, fmt.Errorf("pubnub: allocate native context: %w", err)
	}

	if err := initContext(nctx, cc.Config); err != nil {
		if ferr := nctx.Free(); ferr != nil {
			c.logger.Error().Err(ferr).Str("channel", cc.channel).Msg("free native context after failed init")
		}
		return nil, err
	}

	c.metrics.contexts.Inc()
	return nctx, nil
}

func initContext(nctx native.Context, cfg Config) error {
	if err := nctx.Init(cfg.PublishKey, cfg.SubscribeKey); err != nil {
		return fmt.Errorf("pubnub: init native context: %w", err)
	}
	if err := nctx.SetUUID(cfg.ClientUUID); err != nil {
		return fmt.Errorf("pubnub: set client UUID: %w", err)
	}
	if err := nctx.SetAuth(cfg.AuthKey); err != nil {
		return fmt.Errorf("pubnub: set auth key: %w", err)
	}
	return nil
}

// releaseContext frees a context obtained from openContext.
func (c Client) releaseContext(nctx native.Context, channel string) error {
	c.metrics.contexts.Dec()
	if err := nctx.Free(); err != nil {
		c.logger.Error().Err(err).Str("channel", channel).Msg("free native context")
		return fmt.Errorf("pubnub: free native context: %w", err)
	}
	return nil
}
