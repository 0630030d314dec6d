// Package nativetest provides a scriptable fake of the native engine.
//
// Completions are not delivered on their own: a test drives them with
// CompleteSubscribe and CompletePublish, which invoke the registered callback
// synchronously on the calling goroutine. The one exception is
// Engine.AutoCompletePublish, for code that blocks on a publish.
//
// The fake counts every call and records protocol violations (a second
// transaction while one is in flight, Get outside a subscribe completion, use
// after Free) so tests can assert on them.
package nativetest

import (
	"errors"
	"sync"

	"github.com/erlorenz/pnbridge/native"
)

// ErrFreed is returned by Context methods called after Free.
var ErrFreed = errors.New("nativetest: context already freed")

// Engine hands out fake contexts and remembers all of them.
type Engine struct {
	mu       sync.Mutex
	contexts []*Context

	// AllocErr, when set, is returned by Alloc.
	AllocErr error
	// SubscribeResult is the immediate result of Subscribe on new contexts.
	// Defaults to native.ResultStarted.
	SubscribeResult native.Result
	// PublishResult is the immediate result of Publish on new contexts.
	// Defaults to native.ResultStarted.
	PublishResult native.Result

	autoPublish []native.Result
}

// NewEngine returns an engine whose contexts accept every transaction.
func NewEngine() *Engine {
	return &Engine{
		SubscribeResult: native.ResultStarted,
		PublishResult:   native.ResultStarted,
	}
}

// Alloc implements native.Engine.
func (e *Engine) Alloc() (native.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.AllocErr != nil {
		return nil, e.AllocErr
	}

	c := &Context{
		engine:          e,
		subscribeResult: e.SubscribeResult,
		publishResult:   e.PublishResult,
	}
	e.contexts = append(e.contexts, c)
	return c, nil
}

// AutoCompletePublish makes the next len(results) started publishes, on any
// context, complete by themselves from a new goroutine with the given
// results, in order.
func (e *Engine) AutoCompletePublish(results ...native.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoPublish = append(e.autoPublish, results...)
}

func (e *Engine) nextAutoPublish() (native.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.autoPublish) == 0 {
		return 0, false
	}
	res := e.autoPublish[0]
	e.autoPublish = e.autoPublish[1:]
	return res, true
}

// Contexts returns every context allocated so far, in order.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Context, len(e.contexts))
	copy(out, e.contexts)
	return out
}

// Last returns the most recently allocated context, or nil.
func (e *Engine) Last() *Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.contexts) == 0 {
		return nil
	}
	return e.contexts[len(e.contexts)-1]
}

// Context is a fake native context.
type Context struct {
	mu     sync.Mutex
	engine *Engine

	publishKey   string
	subscribeKey string
	uuid         string
	auth         string

	cb       native.Callback
	userData any

	subscribeResult native.Result
	publishResult   native.Result

	outstanding native.Trans // TransNone when idle
	channel     string
	group       string
	message     string

	// result of the subscribe completion being delivered
	inSubscribeCallback bool
	pending             *string

	subscribeCalls int
	publishCalls   int
	freeCalls      int
	freed          bool

	violations     int
	lateCompletion int
	misuse         int
}

func (c *Context) Init(publishKey, subscribeKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		c.misuse++
		return ErrFreed
	}
	c.publishKey, c.subscribeKey = publishKey, subscribeKey
	return nil
}

func (c *Context) SetUUID(uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		c.misuse++
		return ErrFreed
	}
	c.uuid = uuid
	return nil
}

func (c *Context) SetAuth(auth string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		c.misuse++
		return ErrFreed
	}
	c.auth = auth
	return nil
}

func (c *Context) RegisterCallback(cb native.Callback, userData any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		c.misuse++
		return ErrFreed
	}
	c.cb, c.userData = cb, userData
	return nil
}

func (c *Context) Subscribe(channel, group string) native.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribeCalls++
	if c.freed {
		c.misuse++
		return native.ResultCancelled
	}
	if c.outstanding != native.TransNone {
		c.violations++
		return native.ResultInProgress
	}
	c.channel, c.group = channel, group
	if c.subscribeResult.Started() {
		c.outstanding = native.TransSubscribe
	}
	return c.subscribeResult
}

func (c *Context) Publish(channel, message string) native.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishCalls++
	if c.freed {
		c.misuse++
		return native.ResultCancelled
	}
	if c.outstanding != native.TransNone {
		c.violations++
		return native.ResultInProgress
	}
	c.channel, c.message = channel, message
	if c.publishResult.Started() {
		c.outstanding = native.TransPublish
		if res, ok := c.engine.nextAutoPublish(); ok {
			go c.CompletePublish(res)
		}
	}
	return c.publishResult
}

// SetSubscribeResult changes the immediate result of later Subscribe calls.
func (c *Context) SetSubscribeResult(res native.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeResult = res
}

// SetPublishResult changes the immediate result of later Publish calls.
func (c *Context) SetPublishResult(res native.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishResult = res
}

func (c *Context) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inSubscribeCallback {
		c.misuse++
		return "", false
	}
	if c.pending == nil {
		return "", false
	}
	msg := *c.pending
	c.pending = nil
	return msg, true
}

func (c *Context) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.freeCalls++
	if c.freed {
		c.misuse++
		return ErrFreed
	}
	c.freed = true
	c.outstanding = native.TransNone
	return nil
}

// CompleteSubscribe finishes the outstanding subscribe transaction with res.
// A nil msg makes Get report the native null result. It reports whether the
// callback was invoked; completions after Free are recorded as late and not
// delivered.
func (c *Context) CompleteSubscribe(res native.Result, msg *string) bool {
	return c.complete(native.TransSubscribe, res, msg)
}

// CompleteSubscribeText is CompleteSubscribe(native.ResultOK, &text).
func (c *Context) CompleteSubscribeText(text string) bool {
	return c.CompleteSubscribe(native.ResultOK, &text)
}

// CompletePublish finishes the outstanding publish transaction with res.
func (c *Context) CompletePublish(res native.Result) bool {
	return c.complete(native.TransPublish, res, nil)
}

// CompleteOther finishes the outstanding transaction, whatever it is, but
// tags the completion with trans.
func (c *Context) CompleteOther(trans native.Trans, res native.Result) bool {
	c.mu.Lock()
	if c.freed || c.cb == nil {
		c.lateCompletion++
		c.mu.Unlock()
		return false
	}
	c.outstanding = native.TransNone
	cb, ud := c.cb, c.userData
	c.mu.Unlock()

	cb(c, trans, res, ud)
	return true
}

func (c *Context) complete(trans native.Trans, res native.Result, msg *string) bool {
	c.mu.Lock()
	if c.freed || c.cb == nil {
		c.lateCompletion++
		c.mu.Unlock()
		return false
	}
	if c.outstanding != trans {
		c.violations++
	}
	c.outstanding = native.TransNone
	cb, ud := c.cb, c.userData
	if trans == native.TransSubscribe {
		c.inSubscribeCallback = true
		c.pending = msg
	}
	c.mu.Unlock()

	cb(c, trans, res, ud)

	c.mu.Lock()
	c.inSubscribeCallback = false
	c.pending = nil
	c.mu.Unlock()
	return true
}

// SubscribeCalls is the number of Subscribe calls, including rejected ones.
func (c *Context) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCalls
}

// PublishCalls is the number of Publish calls, including rejected ones.
func (c *Context) PublishCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishCalls
}

// FreeCalls is the number of Free calls.
func (c *Context) FreeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeCalls
}

// Freed reports whether Free was called.
func (c *Context) Freed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freed
}

// Outstanding returns the transaction in flight, or native.TransNone.
func (c *Context) Outstanding() native.Trans {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Violations counts transactions started while another was in flight and
// completions that did not match the outstanding transaction.
func (c *Context) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

// LateCompletions counts completions attempted after Free (never delivered).
func (c *Context) LateCompletions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lateCompletion
}

// Misuse counts calls made after Free and Get calls outside a subscribe
// completion.
func (c *Context) Misuse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misuse
}

// Keys returns the values given to Init, SetUUID and SetAuth.
func (c *Context) Keys() (publishKey, subscribeKey, uuid, auth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishKey, c.subscribeKey, c.uuid, c.auth
}

// LastSubscribe returns the channel and group of the last subscribe call.
func (c *Context) LastSubscribe() (channel, group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel, c.group
}

// LastPublish returns the channel and message of the last publish call.
func (c *Context) LastPublish() (channel, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel, c.message
}

// SetUserData replaces the value passed to the registered callback, keeping
// the callback itself.
func (c *Context) SetUserData(userData any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = userData
}

// UserData returns the value registered with the callback.
func (c *Context) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}
