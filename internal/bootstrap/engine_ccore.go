//go:build cgo && pubnub_ccore

package bootstrap

import (
	"github.com/rs/zerolog"

	"github.com/erlorenz/pnbridge/broker"
	"github.com/erlorenz/pnbridge/native"
	"github.com/erlorenz/pnbridge/native/ccore"
)

func init() {
	RegisterEngine("ccore", EngineFactory{
		New: func(Config, broker.Broker, zerolog.Logger) (native.Engine, error) {
			return ccore.New(), nil
		},
	})
}
