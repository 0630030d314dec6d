package loopback_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/erlorenz/pnbridge/broker"
	"github.com/erlorenz/pnbridge/native"
	"github.com/erlorenz/pnbridge/native/loopback"
	"github.com/erlorenz/pnbridge/pubnub"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type completion struct {
	trans native.Trans
	res   native.Result
	msg   string
	ok    bool
}

func collector() (native.Callback, chan completion) {
	ch := make(chan completion, 16)
	return func(c native.Context, trans native.Trans, res native.Result, _ any) {
		var cm completion
		cm.trans, cm.res = trans, res
		if trans == native.TransSubscribe {
			cm.msg, cm.ok = c.Get()
		}
		ch <- cm
	}, ch
}

func await(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case cm := <-ch:
		return cm
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for completion")
		return completion{}
	}
}

func newEngine(t *testing.T, opts ...loopback.Option) *loopback.Engine {
	t.Helper()
	b := broker.NewInMemory()
	t.Cleanup(func() { b.Close() })
	return loopback.New(b, opts...)
}

func openContext(t *testing.T, e *loopback.Engine, subscribeKey string) (native.Context, chan completion) {
	t.Helper()
	nctx, err := e.Alloc()
	require.NoError(t, err)
	require.NoError(t, nctx.Init("pub", subscribeKey))
	require.NoError(t, nctx.SetUUID("uuid-"+subscribeKey))
	require.NoError(t, nctx.SetAuth(""))
	cb, ch := collector()
	require.NoError(t, nctx.RegisterCallback(cb, nil))
	t.Cleanup(func() { nctx.Free() })
	return nctx, ch
}

func TestRoundTrip(t *testing.T) {
	e := newEngine(t)
	sub, subCh := openContext(t, e, "demo")
	pub, pubCh := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	require.Equal(t, native.ResultStarted, pub.Publish("news", `{"message":"#1"}`))

	got := await(t, pubCh)
	assert.Equal(t, native.TransPublish, got.trans)
	assert.Equal(t, native.ResultOK, got.res)

	got = await(t, subCh)
	assert.Equal(t, native.TransSubscribe, got.trans)
	assert.Equal(t, native.ResultOK, got.res)
	assert.True(t, got.ok)
	assert.Equal(t, `{"message":"#1"}`, got.msg)
}

func TestPollTimeoutCompletesWithoutMessage(t *testing.T) {
	e := newEngine(t, loopback.WithPollTimeout(20*time.Millisecond))
	sub, subCh := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))

	got := await(t, subCh)
	assert.Equal(t, native.ResultOK, got.res)
	assert.False(t, got.ok)
}

func TestOneTransactionAtATime(t *testing.T) {
	e := newEngine(t)
	nctx, _ := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, nctx.Subscribe("news", ""))
	assert.Equal(t, native.ResultInProgress, nctx.Subscribe("news", ""))
	assert.Equal(t, native.ResultInProgress, nctx.Publish("news", "{}"))
}

func TestMessagesQueueBetweenPolls(t *testing.T) {
	e := newEngine(t)
	sub, subCh := openContext(t, e, "demo")
	pub, pubCh := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	for i := range 3 {
		require.Equal(t, native.ResultStarted, pub.Publish("news", strings.Repeat("x", i+1)))
		require.Equal(t, native.ResultOK, await(t, pubCh).res)
	}

	for i := range 3 {
		got := await(t, subCh)
		require.True(t, got.ok)
		assert.Equal(t, strings.Repeat("x", i+1), got.msg)
		if i < 2 {
			require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
		}
	}
}

func TestKeysetIsolation(t *testing.T) {
	e := newEngine(t, loopback.WithPollTimeout(50*time.Millisecond))
	sub, subCh := openContext(t, e, "keyset-a")
	pub, pubCh := openContext(t, e, "keyset-b")

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	require.Equal(t, native.ResultStarted, pub.Publish("news", "hello"))
	require.Equal(t, native.ResultOK, await(t, pubCh).res)

	got := await(t, subCh)
	assert.False(t, got.ok, "message crossed keysets")
}

func TestChannelGroups(t *testing.T) {
	e := newEngine(t, loopback.WithChannelGroup("sports", "football", "tennis"))
	sub, subCh := openContext(t, e, "demo")
	pub, _ := openContext(t, e, "demo")

	assert.Equal(t, native.ResultChannelRegistryError, sub.Subscribe("", "unknown"))
	assert.Equal(t, native.ResultInvalidChannel, sub.Subscribe("", ""))

	require.Equal(t, native.ResultStarted, sub.Subscribe("", "sports"))
	require.Equal(t, native.ResultStarted, pub.Publish("tennis", "ace"))

	got := await(t, subCh)
	assert.True(t, got.ok)
	assert.Equal(t, "ace", got.msg)
}

func TestPublishRefusals(t *testing.T) {
	e := newEngine(t)
	nctx, _ := openContext(t, e, "demo")

	assert.Equal(t, native.ResultInvalidChannel, nctx.Publish("", "x"))
	assert.Equal(t, native.ResultInvalidChannel, nctx.Publish("a,b", "x"))
	assert.Equal(t, native.ResultTxBuffTooSmall, nctx.Publish("news", strings.Repeat("x", loopback.MaxMessageSize+1)))
}

func TestPublishOnClosedBroker(t *testing.T) {
	b := broker.NewInMemory()
	require.NoError(t, b.Close())
	e := loopback.New(b)
	nctx, ch := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, nctx.Publish("news", "x"))
	assert.Equal(t, native.ResultPublishFailed, await(t, ch).res)
}

func TestGetOutsideCallback(t *testing.T) {
	e := newEngine(t)
	nctx, _ := openContext(t, e, "demo")

	_, ok := nctx.Get()
	assert.False(t, ok)
}

func TestNoCallbackAfterFree(t *testing.T) {
	e := newEngine(t)

	sub, err := e.Alloc()
	require.NoError(t, err)
	require.NoError(t, sub.Init("pub", "demo"))

	var calls atomic.Int32
	require.NoError(t, sub.RegisterCallback(func(native.Context, native.Trans, native.Result, any) {
		calls.Add(1)
	}, nil))
	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	require.NoError(t, sub.Free())
	assert.ErrorIs(t, sub.Free(), loopback.ErrFreed)

	pub, pubCh := openContext(t, e, "demo")
	require.Equal(t, native.ResultStarted, pub.Publish("news", "late"))
	require.Equal(t, native.ResultOK, await(t, pubCh).res)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, native.ResultCancelled, sub.Subscribe("news", ""))
	assert.ErrorIs(t, sub.Init("p", "s"), loopback.ErrFreed)
}

// swapBroker routes to an in-memory broker that a test can replace, which
// ends every subscription made on the old one.
type swapBroker struct {
	mu  sync.Mutex
	cur *broker.InMemory
}

func (s *swapBroker) current() *broker.InMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *swapBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.current().Publish(ctx, topic, payload)
}

func (s *swapBroker) Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...broker.SubscribeOption) error {
	return s.current().Subscribe(ctx, topic, handler, opts...)
}

func (s *swapBroker) Close() error {
	return s.current().Close()
}

func (s *swapBroker) swap() {
	s.mu.Lock()
	old := s.cur
	s.cur = broker.NewInMemory()
	s.mu.Unlock()
	old.Close()
}

func TestLostFeedIsReportedAndReopened(t *testing.T) {
	b := &swapBroker{cur: broker.NewInMemory()}
	t.Cleanup(func() { b.Close() })
	e := loopback.New(b)

	sub, subCh := openContext(t, e, "demo")
	pub, pubCh := openContext(t, e, "demo")

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	b.swap()

	cm := await(t, subCh)
	assert.Equal(t, native.ResultIOError, cm.res)
	assert.False(t, cm.ok)

	require.Equal(t, native.ResultStarted, sub.Subscribe("news", ""))
	require.Equal(t, native.ResultStarted, pub.Publish("news", "after"))
	require.Equal(t, native.ResultOK, await(t, pubCh).res)

	cm = await(t, subCh)
	assert.Equal(t, native.ResultOK, cm.res)
	assert.True(t, cm.ok)
	assert.Equal(t, "after", cm.msg)
}

func TestPubnubResumesAfterLostFeed(t *testing.T) {
	b := &swapBroker{cur: broker.NewInMemory()}
	t.Cleanup(func() { b.Close() })
	client, err := pubnub.New(loopback.New(b), pubnub.Config{PublishKey: "demo", SubscribeKey: "demo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := pubnub.Subscribe[item](client, "news", "")
	require.NoError(t, err)
	defer sub.Close()

	b.swap()
	_, err = sub.Next(ctx)
	code, ok := pubnub.StatusCode(err)
	require.True(t, ok, "wanted a status error, got %v", err)
	assert.Equal(t, native.ResultIOError, code)

	// The re-arm reopens the feed on the new broker, right after the error
	// item is queued.
	var got item
	require.Eventually(t, func() bool {
		if err := client.PublishWait(ctx, "news", "", item{Message: "#1"}); err != nil {
			return false
		}
		nextCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		v, err := sub.Next(nextCtx)
		got = v
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "#1", got.Message)
}

type item struct {
	Message string `json:"message"`
}

func TestPubnubOverLoopback(t *testing.T) {
	e := newEngine(t)
	client, err := pubnub.New(e, pubnub.Config{PublishKey: "demo", SubscribeKey: "demo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := pubnub.Subscribe[item](client, "hello_world", "")
	require.NoError(t, err)
	defer sub.Close()

	for i := range 3 {
		require.NoError(t, client.PublishWait(ctx, "hello_world", "", item{Message: fmt.Sprintf("#%d", i)}))
	}

	for i := range 3 {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("#%d", i), got.Message)
	}
}
