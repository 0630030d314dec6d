package pubnub_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/erlorenz/pnbridge/native"
	"github.com/erlorenz/pnbridge/pubnub"
)

func TestErrorIs(t *testing.T) {
	timeout := &pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultTimeout}
	wrapped := fmt.Errorf("publish: %w", timeout)

	assert.ErrorIs(t, wrapped, pubnub.ErrStatus)
	assert.ErrorIs(t, wrapped, &pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultTimeout})
	assert.NotErrorIs(t, wrapped, &pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultIOError})
	assert.NotErrorIs(t, wrapped, pubnub.ErrPoll)
	assert.NotErrorIs(t, pubnub.ErrNullResult, pubnub.ErrDecode)
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")

	assert.Equal(t, "pubnub: native status 4 (PNR_TIMEOUT)",
		(&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultTimeout}).Error())
	assert.Equal(t, cause.Error(), (&pubnub.Error{Kind: pubnub.KindDecode, Err: cause}).Error())
	assert.Contains(t, pubnub.ErrNullResult.Error(), "null result")
	assert.Contains(t, pubnub.ErrPoll.Error(), "queue closed")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("bad json")

	assert.Same(t, cause, errors.Unwrap(&pubnub.Error{Kind: pubnub.KindDecode, Err: cause}))
	assert.Nil(t, errors.Unwrap(&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultAborted}))
	assert.Nil(t, errors.Unwrap(pubnub.ErrNullResult))
}

func TestStatusCode(t *testing.T) {
	code, ok := pubnub.StatusCode(fmt.Errorf("x: %w", &pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultHTTPError}))
	assert.True(t, ok)
	assert.Equal(t, native.ResultHTTPError, code)

	_, ok = pubnub.StatusCode(pubnub.ErrDecode)
	assert.False(t, ok)

	_, ok = pubnub.StatusCode(errors.New("other"))
	assert.False(t, ok)
}

func TestTemporary(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultTimeout}, true},
		{&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultConnectFailed}, true},
		{&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultPublishFailed}, true},
		{&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultInvalidChannel}, false},
		{&pubnub.Error{Kind: pubnub.KindStatus, Code: native.ResultCancelled}, false},
		{pubnub.ErrPoll, false},
		{errors.New("other"), false},
		{nil, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, pubnub.Temporary(tt.err))
		})
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "decode", pubnub.KindDecode.String())
	assert.Equal(t, "ErrorKind(42)", pubnub.ErrorKind(42).String())
}
