package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/broker"
	"github.com/erlorenz/pnbridge/native"
	"github.com/erlorenz/pnbridge/native/loopback"
	"github.com/erlorenz/pnbridge/pubnub"
)

// EngineFactory builds a native engine. b is nil unless the engine needs a
// broker.
type EngineFactory struct {
	NeedsBroker bool
	New         func(cfg Config, b broker.Broker, logger zerolog.Logger) (native.Engine, error)
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]EngineFactory{
		"loopback": {
			NeedsBroker: true,
			New: func(cfg Config, b broker.Broker, logger zerolog.Logger) (native.Engine, error) {
				opts := []loopback.Option{loopback.WithLogger(logger)}
				if cfg.Group != "" {
					// The configured group holds the configured channels.
					opts = append(opts, loopback.WithChannelGroup(cfg.Group, strings.Split(cfg.Channel, ",")...))
				}
				return loopback.New(b, opts...), nil
			},
		},
	}
)

// RegisterEngine makes an engine selectable by name. Build-tagged engines
// register themselves from init.
func RegisterEngine(name string, f EngineFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = f
}

// Engines returns the registered engine names, sorted.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return slices.Sorted(maps.Keys(engines))
}

func lookupEngine(name string) (EngineFactory, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	f, ok := engines[name]
	if !ok {
		return EngineFactory{}, fmt.Errorf("unknown engine %q (have %v)", name, slices.Sorted(maps.Keys(engines)))
	}
	return f, nil
}

// NewBroker connects the transport named by cfg.Broker. The returned close
// function closes the broker and the connection behind it.
func NewBroker(ctx context.Context, cfg Config, logger zerolog.Logger) (broker.Broker, func() error, error) {
	opt := broker.WithLogger(logger)

	switch cfg.Broker {
	case "memory":
		b := broker.NewInMemory()
		return b, b.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		b := broker.NewRedis(client, opt)
		return b, func() error {
			return errors.Join(b.Close(), client.Close())
		}, nil

	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, nil, errors.New("postgres broker needs Postgres.DSN")
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		b := broker.NewPostgres(pool, opt)
		return b, func() error {
			err := b.Close()
			pool.Close()
			return err
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker %q (have memory, redis, postgres)", cfg.Broker)
	}
}

// WarnProcessLocal logs a warning and reports true when cfg runs the loopback
// engine over the memory broker, which no other process can reach. A sender
// and a receiver started separately need a shared broker.
func WarnProcessLocal(cfg Config, logger zerolog.Logger) bool {
	if cfg.Engine != "loopback" || cfg.Broker != "memory" {
		return false
	}
	logger.Warn().
		Str("broker", cfg.Broker).
		Msg("memory broker reaches only this process; use --broker=redis or --broker=postgres")
	return true
}

// Runtime is a client together with what it was built on.
type Runtime struct {
	Client pubnub.Client
	Engine native.Engine

	closeBroker func() error
}

// Close releases the broker, if any. Subscriptions and futures of Client
// must be closed first.
func (r *Runtime) Close() error {
	if r.closeBroker == nil {
		return nil
	}
	return r.closeBroker()
}

// NewRuntime builds the engine named by cfg.Engine, with a broker when the
// engine needs one, and a client on top of it. reg may be nil.
func NewRuntime(ctx context.Context, cfg Config, logger zerolog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	f, err := lookupEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{}
	var b broker.Broker
	if f.NeedsBroker {
		b, rt.closeBroker, err = NewBroker(ctx, cfg, logger.With().Str("broker", cfg.Broker).Logger())
		if err != nil {
			return nil, err
		}
	}

	rt.Engine, err = f.New(cfg, b, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create engine %s: %w", cfg.Engine, err), rt.Close())
	}

	opts := []pubnub.Option{
		pubnub.WithLogger(logger),
		pubnub.WithQueueSize(cfg.Queue),
	}
	if reg != nil {
		opts = append(opts, pubnub.WithMetrics(pubnub.NewMetrics(reg)))
	}

	rt.Client, err = pubnub.New(rt.Engine, cfg.ClientConfig(), opts...)
	if err != nil {
		return nil, errors.Join(err, rt.Close())
	}
	return rt, nil
}
