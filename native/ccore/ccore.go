//go:build cgo && pubnub_ccore

// Package ccore binds the native contract to the PubNub C core callback API
// (libpubnub_callback, built with PUBNUB_CALLBACK_API and PUBNUB_THREADSAFE).
//
// Build with -tags pubnub_ccore and CGO_ENABLED=1, with pubnub_callback.h on
// the include path and libpubnub_callback on the library path, for example:
//
//	CGO_CFLAGS="-I$CCORE/core -I$CCORE/posix" CGO_LDFLAGS="-L$CCORE/posix" go build -tags pubnub_ccore
package ccore

/*
#cgo CFLAGS: -DPUBNUB_CALLBACK_API=1 -DPUBNUB_THREADSAFE=1
#cgo LDFLAGS: -lpubnub_callback -lpthread -lssl -lcrypto
#include <stdlib.h>
#include <stdint.h>
#include "pubnub_callback.h"

extern void pnbridgeCallback(pubnub_t *pb, enum pubnub_trans trans, enum pubnub_res result, void *user_data);

static enum pubnub_res pnbridge_register(pubnub_t *pb, void *user_data) {
	return pubnub_register_callback(pb, pnbridgeCallback, user_data);
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/erlorenz/pnbridge/native"
)

// FreeTimeout bounds how long Free waits for a canceled transaction to
// wind down before giving up.
var FreeTimeout = 5 * time.Second

var (
	// ErrAlloc is returned when the C core has no context to hand out.
	ErrAlloc = errors.New("ccore: pubnub_alloc failed")
	// ErrFreed is returned by Context methods called after Free.
	ErrFreed = errors.New("ccore: context freed")
)

// Engine allocates C core contexts.
type Engine struct{}

// New returns the C core engine.
func New() *Engine {
	return &Engine{}
}

// Alloc implements native.Engine.
func (*Engine) Alloc() (native.Context, error) {
	pb := C.pubnub_alloc()
	if pb == nil {
		return nil, ErrAlloc
	}

	c := &Context{pb: pb}
	c.handle = cgo.NewHandle(c)

	// The C core keeps user_data as an opaque pointer; it gets C memory
	// holding the handle rather than a Go pointer.
	c.slot = (*C.uintptr_t)(C.malloc(C.size_t(unsafe.Sizeof(C.uintptr_t(0)))))
	*c.slot = C.uintptr_t(c.handle)
	return c, nil
}

// Context is one pubnub_t.
type Context struct {
	pb     *C.pubnub_t
	handle cgo.Handle
	slot   *C.uintptr_t

	// cbMu is read-held for every callback invocation and write-held by
	// Free while it marks the context freed.
	cbMu sync.RWMutex

	mu       sync.Mutex
	cb       native.Callback
	userData any
	freed    bool
	// retained holds the C strings the C core keeps pointers to (keys, uuid,
	// auth) until the context is freed.
	retained []*C.char
}

func (c *Context) retain(s string) (*C.char, error) {
	if err := native.CheckString(s); err != nil {
		return nil, err
	}
	cs := C.CString(s)
	c.retained = append(c.retained, cs)
	return cs, nil
}

func (c *Context) Init(publishKey, subscribeKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}

	pub, err := c.retain(publishKey)
	if err != nil {
		return err
	}
	sub, err := c.retain(subscribeKey)
	if err != nil {
		return err
	}
	C.pubnub_init(c.pb, pub, sub)
	return nil
}

func (c *Context) SetUUID(uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}

	cs, err := c.retain(uuid)
	if err != nil {
		return err
	}
	C.pubnub_set_uuid(c.pb, cs)
	return nil
}

func (c *Context) SetAuth(auth string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}

	if auth == "" {
		C.pubnub_set_auth(c.pb, nil)
		return nil
	}
	cs, err := c.retain(auth)
	if err != nil {
		return err
	}
	C.pubnub_set_auth(c.pb, cs)
	return nil
}

func (c *Context) RegisterCallback(cb native.Callback, userData any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}

	c.cb, c.userData = cb, userData
	if res := native.Result(C.pnbridge_register(c.pb, unsafe.Pointer(c.slot))); res != native.ResultOK {
		return fmt.Errorf("ccore: register callback: %s", res)
	}
	return nil
}

// Subscribe implements native.Context. The C core builds the request URL
// during the call, so channel and group need not outlive it.
func (c *Context) Subscribe(channel, group string) native.Result {
	if c.isFreed() {
		return native.ResultCancelled
	}
	if native.CheckString(channel) != nil || native.CheckString(group) != nil {
		return native.ResultInvalidParameters
	}

	cch := C.CString(channel)
	defer C.free(unsafe.Pointer(cch))

	var cgrp *C.char
	if group != "" {
		cgrp = C.CString(group)
		defer C.free(unsafe.Pointer(cgrp))
	}

	return native.Result(C.pubnub_subscribe(c.pb, cch, cgrp))
}

// Publish implements native.Context.
func (c *Context) Publish(channel, message string) native.Result {
	if c.isFreed() {
		return native.ResultCancelled
	}
	if native.CheckString(channel) != nil || native.CheckString(message) != nil {
		return native.ResultInvalidParameters
	}

	cch := C.CString(channel)
	defer C.free(unsafe.Pointer(cch))
	cmsg := C.CString(message)
	defer C.free(unsafe.Pointer(cmsg))

	return native.Result(C.pubnub_publish(c.pb, cch, cmsg))
}

// Get implements native.Context.
func (c *Context) Get() (string, bool) {
	if c.isFreed() {
		return "", false
	}
	msg := C.pubnub_get(c.pb)
	if msg == nil {
		return "", false
	}
	return C.GoString(msg), true
}

// Free cancels the transaction in flight and frees the pubnub_t. The C core
// refuses to free a context while a transaction is still winding down, so
// Free retries until it succeeds or FreeTimeout passes; on timeout the
// context is leaked rather than freed under a live transaction.
func (c *Context) Free() error {
	c.cbMu.Lock()
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		c.cbMu.Unlock()
		return ErrFreed
	}
	c.freed = true
	c.mu.Unlock()
	c.cbMu.Unlock()

	C.pubnub_cancel(c.pb)

	if err := freeRetry(context.Background(), FreeTimeout, func() bool {
		return C.pubnub_free(c.pb) == 0
	}); err != nil {
		return err
	}

	c.mu.Lock()
	for _, cs := range c.retained {
		C.free(unsafe.Pointer(cs))
	}
	c.retained = nil
	c.mu.Unlock()

	C.free(unsafe.Pointer(c.slot))
	c.handle.Delete()
	return nil
}

func (c *Context) isFreed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freed
}

// dispatch runs on the C core's callback thread.
func (c *Context) dispatch(trans native.Trans, res native.Result) {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()

	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return
	}
	cb, ud := c.cb, c.userData
	c.mu.Unlock()

	if cb != nil {
		cb(c, trans, res, ud)
	}
}
