package broker_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erlorenz/pnbridge/broker"
)

// postgresPool connects to PNBRIDGE_TEST_POSTGRES_DSN, skipping the test
// when it is unset.
func postgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("PNBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PNBRIDGE_TEST_POSTGRES_DSN not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgres(t *testing.T) {
	pool := postgresPool(t)

	testBroker(t, func() broker.Broker {
		return broker.NewPostgres(pool)
	}, nil)
}

func TestPostgresPayloadLimit(t *testing.T) {
	pool := postgresPool(t)
	b := broker.NewPostgres(pool)
	defer b.Close()

	payload := []byte(strings.Repeat("x", broker.MaxNotifyPayload+1))
	err := b.Publish(context.Background(), "test-topic", payload)
	if !errors.Is(err, broker.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
