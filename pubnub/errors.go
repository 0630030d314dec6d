package pubnub

import (
	"errors"
	"fmt"

	"github.com/erlorenz/pnbridge/native"
)

// ErrorKind identifies the alternative carried by an *Error.
type ErrorKind int

const (
	// KindNullResult: the native layer reported success but had no message.
	KindNullResult ErrorKind = iota + 1
	// KindDecode: the message text could not be decoded into the target type.
	KindDecode
	// KindPoll: a publish queue closed before delivering its result.
	KindPoll
	// KindStatus: the native layer reported a non-success status code.
	KindStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindNullResult:
		return "null result"
	case KindDecode:
		return "decode"
	case KindPoll:
		return "poll"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a failure of an asynchronous subscribe or publish operation.
// Use errors.Is with the Err* sentinels to match a kind, and StatusCode to
// read the native code of a KindStatus error.
type Error struct {
	Kind ErrorKind
	// Code is the native status, set for KindStatus.
	Code native.Result
	// Err is the decoder error, set for KindDecode.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNullResult = &Error{Kind: KindNullResult}
	ErrDecode     = &Error{Kind: KindDecode}
	ErrPoll       = &Error{Kind: KindPoll}
	ErrStatus     = &Error{Kind: KindStatus}
)

// ErrSubscriptionClosed is returned by Subscription.Next once the
// subscription is closed and its queue drained.
var ErrSubscriptionClosed = errors.New("pubnub: subscription closed")

func (e *Error) Error() string {
	switch e.Kind {
	case KindNullResult:
		return "pubnub: native layer returned a null result"
	case KindDecode:
		if e.Err == nil {
			return "pubnub: decode failed"
		}
		return e.Err.Error()
	case KindPoll:
		return "pubnub: result queue closed before a result was delivered"
	case KindStatus:
		return fmt.Sprintf("pubnub: native status %d (%s)", int(e.Code), e.Code)
	default:
		return fmt.Sprintf("pubnub: unknown error kind %d", int(e.Kind))
	}
}

// Unwrap returns the decoder error. Every other kind is a leaf.
func (e *Error) Unwrap() error {
	if e.Kind == KindDecode {
		return e.Err
	}
	return nil
}

// Is matches another *Error of the same kind. A target with a non-zero Code
// only matches that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == native.ResultOK || t.Code == e.Code
}

// StatusCode returns the native status of a KindStatus error in err's chain.
func StatusCode(err error) (native.Result, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindStatus {
		return e.Code, true
	}
	return 0, false
}

// Temporary reports whether err is a native status that may succeed when the
// operation is retried on a fresh context.
func Temporary(err error) bool {
	code, ok := StatusCode(err)
	if !ok {
		return false
	}
	switch code {
	case native.ResultAddrResolutionFailed,
		native.ResultConnectFailed,
		native.ResultConnectionTimeout,
		native.ResultTimeout,
		native.ResultAborted,
		native.ResultIOError,
		native.ResultHTTPError,
		native.ResultPublishFailed:
		return true
	}
	return false
}

func statusError(code native.Result) *Error {
	return &Error{Kind: KindStatus, Code: code}
}

func decodeError(err error) *Error {
	return &Error{Kind: KindDecode, Err: err}
}

// InvalidArgumentError is returned synchronously when a credential, channel,
// group or serialized payload cannot cross the native boundary.
type InvalidArgumentError struct {
	Field string
	Err   error
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("pubnub: invalid %s: %v", e.Field, e.Err)
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

func checkArg(field, value string) error {
	if err := native.CheckString(value); err != nil {
		return &InvalidArgumentError{Field: field, Err: err}
	}
	return nil
}
