//go:build cgo && pubnub_ccore

package ccore

/*
#include <stdint.h>
#include "pubnub_callback.h"
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/erlorenz/pnbridge/native"
)

//export pnbridgeCallback
func pnbridgeCallback(_ *C.pubnub_t, trans C.enum_pubnub_trans, result C.enum_pubnub_res, userData unsafe.Pointer) {
	if userData == nil {
		return
	}
	h := cgo.Handle(uintptr(*(*C.uintptr_t)(userData)))
	c, ok := h.Value().(*Context)
	if !ok {
		return
	}
	c.dispatch(native.Trans(trans), native.Result(result))
}
