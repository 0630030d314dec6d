package pubnub

import (
	"context"

	"github.com/sethvargo/go-retry"
)

// PublishWait publishes payload and waits for the outcome. The future is
// closed before PublishWait returns.
func (c Client) PublishWait(ctx context.Context, channel, group string, payload any) error {
	f, err := c.Publish(channel, group, payload)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Wait(ctx)
}

// PublishRetry is PublishWait retried with backoff while the failure is
// Temporary. Every attempt uses a fresh future and native context.
func (c Client) PublishRetry(ctx context.Context, backoff retry.Backoff, channel, group string, payload any) error {
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.PublishWait(ctx, channel, group, payload)
		if err == nil {
			return nil
		}
		if Temporary(err) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("channel", channel).Msg("publish failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}
