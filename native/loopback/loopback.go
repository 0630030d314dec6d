// Package loopback is a pure-Go native engine that carries PubNub traffic
// over a broker.Broker instead of the PubNub network.
//
// It keeps the contract of the C core: one transaction in flight per
// context, completions delivered from an engine goroutine, a subscribe
// long-poll that completes with a message or, after the poll timeout, with
// success and no message. Publishers and subscribers meet when they share a
// broker and a subscribe key.
package loopback

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/broker"
	"github.com/erlorenz/pnbridge/native"
)

const (
	// DefaultPollTimeout matches the C core's subscribe transaction timeout.
	DefaultPollTimeout = 310 * time.Second
	// DefaultPublishTimeout bounds a publish transaction.
	DefaultPublishTimeout = 10 * time.Second
	// DefaultInboxSize is how many received messages a context buffers
	// between long-polls.
	DefaultInboxSize = 1000
	// MaxMessageSize is the largest publish message accepted, as on the
	// PubNub service.
	MaxMessageSize = 32 * 1024
)

// ErrFreed is returned by Context methods called after Free.
var ErrFreed = errors.New("loopback: context freed")

// Engine allocates loopback contexts that share one broker.
type Engine struct {
	broker broker.Broker
	opts   options
}

type options struct {
	namespace      string
	pollTimeout    time.Duration
	publishTimeout time.Duration
	inboxSize      int
	groups         map[string][]string
	logger         zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithNamespace prefixes every broker topic. Default: "pn".
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithPollTimeout sets how long a subscribe waits for a message before it
// completes with no message. Default: DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithPublishTimeout bounds each publish. Default: DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithInboxSize sets the per-context receive buffer. When it is full the
// oldest message is dropped. Default: DefaultInboxSize.
func WithInboxSize(n int) Option {
	return func(o *options) {
		o.inboxSize = max(n, 1)
	}
}

// WithChannelGroup defines a channel group. Subscribing to an undefined
// group fails with native.ResultChannelRegistryError.
func WithChannelGroup(group string, channels ...string) Option {
	return func(o *options) {
		o.groups[group] = append(o.groups[group], channels...)
	}
}

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New returns an engine on b. The broker stays owned by the caller and must
// outlive every context of the engine.
func New(b broker.Broker, opts ...Option) *Engine {
	o := options{
		namespace:      "pn",
		pollTimeout:    DefaultPollTimeout,
		publishTimeout: DefaultPublishTimeout,
		inboxSize:      DefaultInboxSize,
		groups:         make(map[string][]string),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "loopback").Logger()

	return &Engine{broker: b, opts: o}
}

// Alloc implements native.Engine.
func (e *Engine) Alloc() (native.Context, error) {
	return newContext(e), nil
}

// topic maps a channel of a keyset to its broker topic.
func (e *Engine) topic(subscribeKey, channel string) string {
	return e.opts.namespace + "." + subscribeKey + "." + channel
}

// resolveChannels expands a comma-separated channel list and group list to
// the set of channels to listen on, sorted and deduplicated.
func (e *Engine) resolveChannels(channel, group string) ([]string, native.Result) {
	seen := make(map[string]bool)
	var out []string
	add := func(ch string) {
		if ch != "" && !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}

	for _, ch := range splitList(channel) {
		add(ch)
	}
	for _, g := range splitList(group) {
		members, ok := e.opts.groups[g]
		if !ok {
			return nil, native.ResultChannelRegistryError
		}
		for _, ch := range members {
			add(ch)
		}
	}

	if len(out) == 0 {
		return nil, native.ResultInvalidChannel
	}
	slices.Sort(out)
	return out, native.ResultOK
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
