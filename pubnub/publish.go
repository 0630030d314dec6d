package pubnub

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/native"
)

// Publish future states and events.
const (
	stateUnstarted = "unstarted"
	statePending   = "pending"
	stateResolved  = "resolved"

	eventStart   = "start"
	eventResolve = "resolve"
)

// PublishFuture is a single publish of one payload on one channel.
//
// Nothing is sent until the future is first driven with Poll or Wait; that
// first call issues the native publish, and no later call issues it again.
// The future resolves exactly once. Polling a resolved future returns the
// same outcome but callers should not rely on it: a future is meant to be
// driven to resolution once and then closed.
type PublishFuture struct {
	mu sync.Mutex

	client  Client
	cc      channelConfig
	nctx    native.Context
	message string

	machine  *fsm.FSM
	state    *publishState // nil until started
	result   error
	resolved chan struct{}

	closed   bool
	closeErr error

	log zerolog.Logger
}

// publishState is the callback-state block of a started future. done is a
// one-shot signal: exactly one item is ever sent on it.
type publishState struct {
	mu     sync.Mutex
	closed bool
	done   chan error
	log    zerolog.Logger
}

// Publish encodes payload and prepares a publish of it on channel. The
// returned future is unstarted: the native publish is issued by the first
// Poll or Wait. The caller must Close the future.
func (c Client) Publish(channel, group string, payload any) (*PublishFuture, error) {
	cc, err := c.channelConfig(channel, group)
	if err != nil {
		return nil, err
	}

	message, err := c.codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pubnub: encode payload: %w", err)
	}
	if err := checkArg("payload", message); err != nil {
		return nil, err
	}

	nctx, err := c.openContext(cc)
	if err != nil {
		return nil, err
	}

	return &PublishFuture{
		client:   c,
		cc:       cc,
		nctx:     nctx,
		message:  message,
		machine:  newPublishMachine(),
		resolved: make(chan struct{}),
		log:      c.logger.With().Str("channel", cc.channel).Logger(),
	}, nil
}

func newPublishMachine() *fsm.FSM {
	return fsm.NewFSM(
		stateUnstarted,
		fsm.Events{
			{Name: eventStart, Src: []string{stateUnstarted}, Dst: statePending},
			{Name: eventResolve, Src: []string{stateUnstarted, statePending}, Dst: stateResolved},
		},
		fsm.Callbacks{},
	)
}

func publishCallback(log zerolog.Logger) native.Callback {
	return func(_ native.Context, trans native.Trans, res native.Result, userData any) {
		st, ok := userData.(*publishState)
		if !ok {
			log.Error().
				Str("user_data", fmt.Sprintf("%T", userData)).
				Stringer("trans", trans).
				Stringer("result", res).
				Msg("publish callback got foreign user data, completion dropped")
			return
		}
		st.complete(trans, res)
	}
}

func (st *publishState) complete(trans native.Trans, res native.Result) {
	if trans != native.TransPublish {
		st.log.Warn().Stringer("trans", trans).Stringer("result", res).Msg("unexpected transaction on publish context")
		return
	}

	var err error
	if res != native.ResultOK {
		err = statusError(res)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}
	select {
	case st.done <- err:
	default:
		st.log.Warn().Stringer("result", res).Msg("duplicate publish completion dropped")
	}
}

func (st *publishState) close() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.closed {
		st.closed = true
		close(st.done)
	}
}

// State returns "unstarted", "pending" or "resolved".
func (f *PublishFuture) State() string {
	return f.machine.Current()
}

// Poll drives the future without blocking. The first call starts the
// publish and reports not ready. Later calls report ready once the native
// completion has arrived, with err being the publish outcome.
func (f *PublishFuture) Poll() (ready bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.machine.Current() {
	case stateUnstarted:
		if f.closed {
			return f.resolve(ErrPoll)
		}
		return f.start()
	case statePending:
		select {
		case err, ok := <-f.state.done:
			if !ok {
				return f.resolve(ErrPoll)
			}
			return f.resolve(err)
		default:
			return false, nil
		}
	default:
		return true, f.result
	}
}

// Wait drives the future to resolution or until ctx is done. A future
// abandoned because of ctx is still pending and must be closed.
func (f *PublishFuture) Wait(ctx context.Context) error {
	ready, err := f.Poll()
	if ready || err != nil {
		return err
	}

	f.mu.Lock()
	done := f.state.done
	f.mu.Unlock()

	select {
	case err, ok := <-done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.machine.Is(stateResolved) {
			return f.result
		}
		if !ok {
			err = ErrPoll
		}
		_, err = f.resolve(err)
		return err
	case <-f.resolved:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start must be called with f.mu held.
func (f *PublishFuture) start() (bool, error) {
	if err := f.machine.Event(context.Background(), eventStart); err != nil {
		return false, fmt.Errorf("pubnub: start publish: %w", err)
	}

	st := &publishState{
		done: make(chan error, 1),
		log:  f.log,
	}
	if err := f.nctx.RegisterCallback(publishCallback(f.log), st); err != nil {
		return f.resolve(fmt.Errorf("pubnub: register publish callback: %w", err))
	}
	f.state = st

	res := f.nctx.Publish(f.cc.channel, f.message)
	switch {
	case res.Started():
		f.log.Debug().Msg("publish started")
		return false, nil
	case res == native.ResultOK:
		// Completed synchronously; no callback will follow.
		return f.resolve(nil)
	default:
		return f.resolve(statusError(res))
	}
}

// resolve must be called with f.mu held.
func (f *PublishFuture) resolve(err error) (bool, error) {
	if e := f.machine.Event(context.Background(), eventResolve); e != nil {
		return true, f.result
	}
	f.result = err
	close(f.resolved)
	f.client.metrics.published.WithLabelValues(outcomeOf(err)).Inc()

	if err != nil {
		f.log.Debug().Err(err).Msg("publish failed")
	}
	return true, err
}

// Close frees the native context, whether or not the publish was started or
// resolved, and then releases the callback state. Close is idempotent.
func (f *PublishFuture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return f.closeErr
	}
	f.closed = true

	f.closeErr = f.client.releaseContext(f.nctx, f.cc.channel)
	if f.state != nil {
		f.state.close()
	}
	return f.closeErr
}
