package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/erlorenz/pnbridge/pubnub"
)

// Stuff is the payload exchanged by the example programs.
type Stuff struct {
	Message string `json:"message"`
}

// SendOptions controls Send.
type SendOptions struct {
	Channel  string
	Group    string
	Interval time.Duration
	// Count stops Send after this many messages. Zero sends until ctx is done.
	Count int
	// Retries is the number of extra attempts after a temporary failure.
	Retries uint64
}

// Send publishes {"message":"#N"} once per interval, N counting from zero.
// A failed send is logged and skipped. Send returns nil when ctx is done.
func Send(ctx context.Context, client pubnub.Client, opts SendOptions, logger zerolog.Logger) error {
	limiter := rate.NewLimiter(rate.Every(opts.Interval), 1)

	for i := 0; opts.Count == 0 || i < opts.Count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		logger.Info().Int("n", i).Str("channel", opts.Channel).Msg("sending")

		// Backoffs count attempts, so each message gets its own.
		backoff := retry.WithMaxRetries(opts.Retries, retry.NewExponential(100*time.Millisecond))
		err := client.PublishRetry(ctx, backoff, opts.Channel, opts.Group, Stuff{Message: fmt.Sprintf("#%d", i)})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Int("n", i).Msg("send error")
		}
	}
	return nil
}

// Print writes one line per subscription item to w until ctx is done, the
// subscription is closed, or count items were seen (count 0 means no
// limit). Item errors are printed, not returned.
func Print(ctx context.Context, sub *pubnub.Subscription[Stuff], w io.Writer, count int) error {
	seen := 0
	for v, err := range sub.All(ctx) {
		if err != nil {
			if _, werr := fmt.Fprintf(w, "error %v\n", err); werr != nil {
				return werr
			}
		} else if _, werr := fmt.Fprintf(w, "message %q\n", v.Message); werr != nil {
			return werr
		}

		seen++
		if count > 0 && seen >= count {
			return nil
		}
	}
	return nil
}

// ServeMetrics serves reg on addr at /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
