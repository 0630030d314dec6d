package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// MaxNotifyPayload is the largest payload PostgreSQL NOTIFY accepts.
	MaxNotifyPayload = 8000

	// maxIdentifier is PostgreSQL's NAMEDATALEN-1: LISTEN truncates longer
	// channel names while pg_notify rejects them.
	maxIdentifier = 63
)

// notifyChannel returns the LISTEN/NOTIFY channel of topic. Topics too long
// for an identifier are replaced by a digest so that both sides agree.
func notifyChannel(topic string) string {
	if len(topic) <= maxIdentifier {
		return topic
	}
	sum := sha256.Sum256([]byte(topic))
	return "topic_" + hex.EncodeToString(sum[:28])
}

// Postgres is a broker over PostgreSQL LISTEN/NOTIFY. It shares a topic's
// payloads across every process connected to the same database, with no
// durability: a payload published while no one listens is lost.
type Postgres struct {
	pool      *pgxpool.Pool
	opts      options
	mu        sync.RWMutex
	listeners map[string]*topicListener
	closed    bool
	wg        sync.WaitGroup
}

// topicListener owns the LISTEN connection of one topic, shared by every
// subscriber of that topic.
type topicListener struct {
	topic  string
	cancel context.CancelFunc

	mu   sync.RWMutex
	subs []*dispatcher
}

// NewPostgres creates a broker on pool. The pool must remain open for the
// lifetime of the broker. Each subscribed topic holds one pooled connection.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{
		pool:      pool,
		opts:      buildOptions("broker.postgres", opts),
		listeners: make(map[string]*topicListener),
	}
}

// Publish sends payload with pg_notify. Payloads over MaxNotifyPayload
// bytes are rejected with ErrPayloadTooLarge.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds the NOTIFY limit of %d", ErrPayloadTooLarge, len(payload), MaxNotifyPayload)
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel(topic), string(payload)); err != nil {
		return fmt.Errorf("broker: notify %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic, issuing LISTEN on a dedicated
// connection the first time the topic is subscribed.
func (p *Postgres) Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	tl, exists := p.listeners[topic]
	if !exists {
		var err error
		tl, err = p.createTopicListener(ctx, topic)
		if err != nil {
			return fmt.Errorf("broker: listen %q: %w", topic, err)
		}
		p.listeners[topic] = tl
	}

	d := newDispatcher(ctx, handler, opts)
	tl.mu.Lock()
	tl.subs = append(tl.subs, d)
	tl.mu.Unlock()

	p.wg.Add(1)
	go p.watchSubscription(tl, d)

	return nil
}

func (p *Postgres) createTopicListener(ctx context.Context, topic string) (*topicListener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	tl := &topicListener{
		topic:  topic,
		cancel: cancel,
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel(topic)}.Sanitize()); err != nil {
		conn.Release()
		cancel()
		return nil, err
	}

	p.wg.Add(1)
	go p.listen(listenCtx, tl, conn)

	return tl, nil
}

// listen waits for notifications and hands them to the topic's
// subscribers. It returns when the listener is canceled or the connection
// fails; in the latter case the topic's subscribers are stopped.
func (p *Postgres) listen(ctx context.Context, tl *topicListener, conn *pgxpool.Conn) {
	defer p.wg.Done()
	defer tl.cancel()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.opts.logger.Error().Err(err).Str("topic", tl.topic).Msg("listen connection failed")
				p.failListener(tl)
			}
			// The connection may be mid-wait; do not return it to the pool.
			conn.Hijack().Close(context.Background())
			return
		}

		tl.mu.RLock()
		for _, d := range tl.subs {
			d.push([]byte(n.Payload))
		}
		tl.mu.RUnlock()
	}
}

// failListener forgets a listener whose connection died so that the next
// Subscribe opens a fresh one, and stops its subscribers.
func (p *Postgres) failListener(tl *topicListener) {
	p.mu.Lock()
	if p.listeners[tl.topic] == tl {
		delete(p.listeners, tl.topic)
	}
	p.mu.Unlock()

	tl.mu.RLock()
	subs := append([]*dispatcher(nil), tl.subs...)
	tl.mu.RUnlock()
	for _, d := range subs {
		d.abort(ErrSubscriptionLost)
	}
}

func (p *Postgres) watchSubscription(tl *topicListener, d *dispatcher) {
	defer p.wg.Done()

	<-d.stopped()
	d.stop()
	p.removeSubscription(tl, d)
}

// removeSubscription detaches d and stops the topic's LISTEN connection
// once no subscriber remains.
func (p *Postgres) removeSubscription(tl *topicListener, target *dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tl.mu.Lock()
	defer tl.mu.Unlock()

	for i, d := range tl.subs {
		if d == target {
			tl.subs = append(tl.subs[:i], tl.subs[i+1:]...)
			break
		}
	}

	if len(tl.subs) == 0 {
		tl.cancel()
		if p.listeners[tl.topic] == tl {
			delete(p.listeners, tl.topic)
		}
	}
}

// Close stops every listener and subscription and waits until their
// connections are released.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true

	listeners := p.listeners
	p.listeners = make(map[string]*topicListener)
	p.mu.Unlock()

	for _, tl := range listeners {
		tl.cancel()
		tl.mu.RLock()
		for _, d := range tl.subs {
			d.abort(ErrClosed)
		}
		tl.mu.RUnlock()
	}

	p.wg.Wait()
	return nil
}
