package broker_test

import (
	"testing"

	"github.com/erlorenz/pnbridge/broker"
)

func TestInMemory(t *testing.T) {
	testBroker(t, func() broker.Broker {
		return broker.NewInMemory()
	}, nil)
}

func BenchmarkInMemoryPublish_NoSubscribers(b *testing.B) {
	br := broker.NewInMemory()
	defer br.Close()
	benchmarkPublish(b, br, 0)
}

func BenchmarkInMemoryPublish_10Subscribers(b *testing.B) {
	br := broker.NewInMemory()
	defer br.Close()
	benchmarkPublish(b, br, 10)
}
