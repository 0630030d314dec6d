package ccore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// freeInterval is the pause between pubnub_free attempts.
const freeInterval = 10 * time.Millisecond

var errFreeBusy = errors.New("ccore: pubnub_free busy")

// freeRetry calls free until it reports success or timeout passes. On
// timeout the caller must leak the context rather than release memory the
// C core may still use.
func freeRetry(ctx context.Context, timeout time.Duration, free func() bool) error {
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(freeInterval))
	err := retry.Do(ctx, backoff, func(context.Context) error {
		if !free() {
			return retry.RetryableError(errFreeBusy)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ccore: pubnub_free still busy after %s: %w", timeout, err)
	}
	return nil
}
