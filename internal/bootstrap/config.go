// Package bootstrap wires configuration, logging, brokers and engines for
// the example programs.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/erlorenz/pnbridge/cfgx"
	"github.com/erlorenz/pnbridge/pubnub"
)

// EnvPrefix is prepended to every derived environment variable name.
const EnvPrefix = "PN"

// Config is shared by the example programs. Each credential has a short
// flag, a long flag and a PN_ variable: -c, --channel or PN_CHANNEL.
type Config struct {
	Version string `optional:"true"`

	Channel      string `short:"c" desc:"Channel to publish to or subscribe on"`
	AuthKey      string `short:"a" optional:"true" desc:"Auth key"`
	PublishKey   string `short:"p" desc:"Publish key"`
	SubscribeKey string `short:"s" desc:"Subscribe key"`
	Group        string `short:"g" optional:"true" desc:"Channel group"`
	ClientUUID   string `short:"u" optional:"true" desc:"Client UUID, random when empty"`

	Engine   string        `default:"loopback" desc:"Native engine: loopback or ccore"`
	Broker   string        `default:"memory" desc:"Loopback transport: memory, redis or postgres"`
	Interval time.Duration `default:"1s" desc:"Delay between published messages"`
	Queue    int           `default:"64" desc:"Subscription queue size"`

	Redis struct {
		Addr string `default:"localhost:6379" desc:"Redis address for the redis broker"`
	}
	Postgres struct {
		DSN string `optional:"true" dsec:"postgres_dsn" desc:"Postgres DSN for the postgres broker"`
	}
	Log struct {
		Level string `default:"info" desc:"Minimum log level"`
	}
	MetricsAddr string `optional:"true" desc:"Serve Prometheus metrics on this address"`
}

// Load parses cfg from defaults, .env, the environment, Docker secrets and
// args, in rising priority.
func Load(program string, args []string) (Config, error) {
	var cfg Config
	err := cfgx.Parse(&cfg, cfgx.Options{
		ProgramName: program,
		EnvPrefix:   EnvPrefix,
		Args:        args,
		FlagNames:   cfgx.SnakeFlags,
		Sources: []cfgx.Source{
			cfgx.NewDotEnvSource(EnvPrefix),
			cfgx.NewDockerSecretsSource(),
		},
	})
	if err != nil {
		return Config{}, err
	}
	if cfg.Queue <= 0 {
		return Config{}, fmt.Errorf("queue must be positive, got %d", cfg.Queue)
	}
	return cfg, nil
}

// ClientConfig returns the credentials part of cfg.
func (cfg Config) ClientConfig() pubnub.Config {
	return pubnub.Config{
		AuthKey:      cfg.AuthKey,
		PublishKey:   cfg.PublishKey,
		SubscribeKey: cfg.SubscribeKey,
		ClientUUID:   cfg.ClientUUID,
	}
}
