package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/broker"
	"github.com/erlorenz/pnbridge/native"
)

// envelope is the broker payload of one published message.
type envelope struct {
	ID        string `json:"id"`
	Publisher string `json:"publisher,omitempty"`
	Timetoken int64  `json:"tt"`
	Message   string `json:"message"`
}

// Context is a loopback native context.
type Context struct {
	engine *Engine
	log    zerolog.Logger

	// ctx is canceled by Free; every broker call and feed derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cbMu serializes callback invocations.
	cbMu sync.Mutex

	mu           sync.Mutex
	publishKey   string
	subscribeKey string
	uuid         string
	auth         string
	cb           native.Callback
	userData     any
	busy         native.Trans
	freed        bool

	feedChannels []string
	feedCancel   context.CancelFunc
	feedGen      uint64
	feedErr      error // the broker ended the feed; reported by the next poll
	inbox        []string
	arrived      chan struct{}

	inCallback bool
	current    *string
}

func newContext(e *Engine) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		engine:  e,
		log:     e.opts.logger,
		ctx:     ctx,
		cancel:  cancel,
		arrived: make(chan struct{}, 1),
	}
}

func (c *Context) Init(publishKey, subscribeKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}
	c.publishKey, c.subscribeKey = publishKey, subscribeKey
	return nil
}

func (c *Context) SetUUID(uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}
	c.uuid = uuid
	c.log = c.engine.opts.logger.With().Str("uuid", uuid).Logger()
	return nil
}

func (c *Context) SetAuth(auth string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}
	c.auth = auth
	return nil
}

func (c *Context) RegisterCallback(cb native.Callback, userData any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}
	c.cb, c.userData = cb, userData
	return nil
}

// Subscribe starts a long-poll. The first call for a channel set opens the
// broker feed before returning, so anything published afterwards is seen.
func (c *Context) Subscribe(channel, group string) native.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freed {
		return native.ResultCancelled
	}
	if c.busy != native.TransNone {
		return native.ResultInProgress
	}

	channels, res := c.engine.resolveChannels(channel, group)
	if res != native.ResultOK {
		return res
	}
	if !slices.Equal(channels, c.feedChannels) {
		if err := c.openFeed(channels); err != nil {
			c.log.Error().Err(err).Strs("channels", channels).Msg("open subscribe feed")
			return native.ResultIOError
		}
	}

	c.busy = native.TransSubscribe
	c.wg.Add(1)
	go c.poll()
	return native.ResultStarted
}

// openFeed replaces the broker subscriptions feeding the inbox. Messages
// buffered for the previous channel set are discarded. Called with c.mu held.
func (c *Context) openFeed(channels []string) error {
	if c.feedCancel != nil {
		c.feedCancel()
		c.feedCancel = nil
	}
	c.inbox = nil
	c.feedChannels = nil
	c.feedGen++
	gen := c.feedGen
	lost := broker.OnLost(func(err error) { c.feedLost(gen, err) })

	feedCtx, cancel := context.WithCancel(c.ctx)
	for _, ch := range channels {
		topic := c.engine.topic(c.subscribeKey, ch)
		if err := c.engine.broker.Subscribe(feedCtx, topic, c.receive, lost); err != nil {
			cancel()
			return err
		}
	}

	c.feedCancel = cancel
	c.feedChannels = channels
	return nil
}

// feedLost drops a feed the broker ended on its own, so that the next
// Subscribe opens a new one, and fails the poll in flight with an I/O error.
func (c *Context) feedLost(gen uint64, err error) {
	c.mu.Lock()
	if c.freed || gen != c.feedGen {
		c.mu.Unlock()
		return
	}
	c.feedGen++
	if c.feedCancel != nil {
		c.feedCancel()
		c.feedCancel = nil
	}
	c.feedChannels = nil
	c.feedErr = err
	c.mu.Unlock()

	c.log.Warn().Err(err).Msg("subscribe feed lost")
	select {
	case c.arrived <- struct{}{}:
	default:
	}
}

// receive is the broker handler of the feed.
func (c *Context) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed broker payload")
		return
	}

	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return
	}
	if len(c.inbox) >= c.engine.opts.inboxSize {
		c.inbox = c.inbox[1:]
		c.log.Warn().Int("inbox_size", c.engine.opts.inboxSize).Msg("inbox full, dropped oldest message")
	}
	c.inbox = append(c.inbox, env.Message)
	c.mu.Unlock()

	select {
	case c.arrived <- struct{}{}:
	default:
	}
}

// poll is the body of a subscribe transaction.
func (c *Context) poll() {
	defer c.wg.Done()

	timer := time.NewTimer(c.engine.opts.pollTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			msg := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			c.complete(native.TransSubscribe, native.ResultOK, &msg)
			return
		}
		if c.feedErr != nil {
			c.feedErr = nil
			c.mu.Unlock()
			c.complete(native.TransSubscribe, native.ResultIOError, nil)
			return
		}
		c.mu.Unlock()

		select {
		case <-c.arrived:
		case <-timer.C:
			// An empty long-poll: success with nothing to get.
			c.complete(native.TransSubscribe, native.ResultOK, nil)
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Publish starts a publish of message on channel. Messages over
// MaxMessageSize are refused with native.ResultTxBuffTooSmall.
func (c *Context) Publish(channel, message string) native.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freed {
		return native.ResultCancelled
	}
	if c.busy != native.TransNone {
		return native.ResultInProgress
	}
	if channel == "" || strings.ContainsRune(channel, ',') {
		return native.ResultInvalidChannel
	}
	if len(message) > MaxMessageSize {
		return native.ResultTxBuffTooSmall
	}

	payload, err := json.Marshal(envelope{
		ID:        uuid.NewString(),
		Publisher: c.uuid,
		Timetoken: time.Now().UnixNano() / 100,
		Message:   message,
	})
	if err != nil {
		return native.ResultInternalError
	}

	c.busy = native.TransPublish
	c.wg.Add(1)
	go c.deliver(c.engine.topic(c.subscribeKey, channel), payload)
	return native.ResultStarted
}

// deliver is the body of a publish transaction.
func (c *Context) deliver(topic string, payload []byte) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.engine.opts.publishTimeout)
	defer cancel()

	err := c.engine.broker.Publish(ctx, topic, payload)
	if c.ctx.Err() != nil {
		return
	}
	c.complete(native.TransPublish, publishResult(err), nil)
}

func publishResult(err error) native.Result {
	switch {
	case err == nil:
		return native.ResultOK
	case errors.Is(err, context.DeadlineExceeded):
		return native.ResultTimeout
	case errors.Is(err, broker.ErrPayloadTooLarge):
		return native.ResultTxBuffTooSmall
	case errors.Is(err, broker.ErrClosed):
		return native.ResultPublishFailed
	default:
		return native.ResultIOError
	}
}

// complete ends the transaction in flight and invokes the callback, unless
// the context was freed meanwhile. msg is what Get returns during the call.
func (c *Context) complete(trans native.Trans, res native.Result, msg *string) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return
	}
	c.busy = native.TransNone
	cb, ud := c.cb, c.userData
	c.inCallback = true
	c.current = msg
	c.mu.Unlock()

	if cb != nil {
		cb(c, trans, res, ud)
	}

	c.mu.Lock()
	c.inCallback = false
	c.current = nil
	c.mu.Unlock()
}

// Get returns the message of the subscribe completion being delivered. It
// reports false outside a callback and after the message was taken.
func (c *Context) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inCallback || c.current == nil {
		return "", false
	}
	msg := *c.current
	c.current = nil
	return msg, true
}

// Free cancels the transaction in flight and the broker feed, then waits
// for a running callback to return.
func (c *Context) Free() error {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return ErrFreed
	}
	c.freed = true
	c.busy = native.TransNone
	c.inbox = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
