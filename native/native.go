// Package native defines the contract of the low-level, context-based
// PubNub client engine that the pubnub package is built on.
//
// An engine hands out contexts. A context is one stateful session with the
// messaging service: it is initialized with keys, told which callback to invoke
// when an asynchronous transaction finishes, and then driven one transaction at
// a time with Subscribe or Publish. The engine invokes the callback from its own
// goroutine or thread, tagged with the transaction kind and a result code.
//
// Three implementations live in sub-packages:
//   - ccore: cgo binding to the PubNub C core callback API (build tag pubnub_ccore)
//   - loopback: a pure-Go engine on top of a broker.Broker
//   - nativetest: a scriptable, fault-injecting fake for tests
package native

import (
	"errors"
	"strings"
)

// ErrEmbeddedNUL is returned when a string that must cross the native
// boundary contains a NUL byte. Such strings cannot be represented as
// NUL-terminated C strings.
var ErrEmbeddedNUL = errors.New("native: string contains an embedded NUL byte")

// Callback is invoked by the engine when a transaction on ctx completes.
// userData is the value given to RegisterCallback.
//
// Engines may invoke the callback from any goroutine, but never concurrently
// for the same context, and never after Free has returned.
type Callback func(ctx Context, trans Trans, res Result, userData any)

// Engine allocates native contexts.
type Engine interface {
	// Alloc returns a fresh, uninitialized context.
	Alloc() (Context, error)
}

// Context is a single native session. A context supports at most one
// outstanding transaction; starting another while one is in flight is a
// protocol violation that engines report as ResultInProgress.
type Context interface {
	// Init sets the publish and subscribe keys.
	Init(publishKey, subscribeKey string) error

	// SetUUID sets the client identifier reported to the service.
	SetUUID(uuid string) error

	// SetAuth sets the authorization key.
	SetAuth(auth string) error

	// RegisterCallback sets the completion callback and the opaque value
	// handed back to it. The engine holds userData until Free returns.
	RegisterCallback(cb Callback, userData any) error

	// Subscribe starts a subscribe (long-poll) transaction. An empty group
	// subscribes to no channel group. It returns ResultStarted when the
	// transaction was started; any other result means no completion will be
	// delivered for this call.
	//
	// Calling Subscribe from inside the callback is allowed.
	Subscribe(channel, group string) Result

	// Publish starts a publish transaction of message (serialized text) on
	// channel. Same return convention as Subscribe.
	Publish(channel, message string) Result

	// Get returns the next message received by the last subscribe
	// transaction. The boolean is false when there is no message (the
	// native null pointer). Only valid inside a subscribe completion.
	Get() (string, bool)

	// Free cancels any transaction in flight and releases the context.
	// After Free returns the callback is never invoked again.
	// Free must not be called from inside the callback.
	Free() error
}

// CheckString reports ErrEmbeddedNUL if s cannot be passed across the native
// boundary.
func CheckString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return ErrEmbeddedNUL
	}
	return nil
}
