package supervisor

import (
	"context"
	"time"
)

const reconnectInitialBackoff = 200 * time.Millisecond

// Backoff computes the doubling reconnect delay of §4.6: 200ms, 400ms,
// 800ms, ... capped at max.
type Backoff struct {
	max     time.Duration
	current time.Duration
}

func NewBackoff(max time.Duration) *Backoff {
	return &Backoff{max: max, current: reconnectInitialBackoff}
}

// Next returns the delay to wait before the upcoming attempt and
// advances the internal state for the one after.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if d > b.max {
		d = b.max
	}
	b.current *= 2
	return d
}

func (b *Backoff) Reset() { b.current = reconnectInitialBackoff }

// Reconnector retries dial until it succeeds, ctx is canceled, or
// retries is exhausted (0 means unlimited, matching connection_retries
// only bounding the outer supervisor-visible attempt count per §6).
type Reconnector struct {
	backoff *Backoff
	retries int
}

func NewReconnector(maxInterval time.Duration, retries int) *Reconnector {
	return &Reconnector{backoff: NewBackoff(maxInterval), retries: retries}
}

// Dial calls connect repeatedly with exponential backoff between
// attempts until it succeeds or the retry budget/context is exhausted.
func (r *Reconnector) Dial(ctx context.Context, connect func(context.Context) error) error {
	attempt := 0
	for {
		err := connect(ctx)
		if err == nil {
			r.backoff.Reset()
			return nil
		}

		attempt++
		if r.retries > 0 && attempt >= r.retries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff.Next()):
		}
	}
}
