package slack

import (
	"context"
	"time"

	"reminderd/internal/metrics"
)

type RetryOptions struct {
	// MaxAttempts is the retry budget for rate-limited failures; a call is
	// attempted at most MaxAttempts+1 times.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff; a server retry-after hint
	// takes precedence when present.
	BaseDelay time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	return o
}

// Retrying wraps a Sender with bounded retry. Rate-limited failures back off
// and retry up to MaxAttempts; any other failure is retried at most once
// before being surfaced.
type Retrying struct {
	next Sender
	opt  RetryOptions
}

func NewRetrying(next Sender, opt RetryOptions) *Retrying {
	return &Retrying{next: next, opt: opt.withDefaults()}
}

func (r *Retrying) SendChannelMessage(ctx context.Context, channelID, text string) error {
	return r.do(ctx, func() error {
		return r.next.SendChannelMessage(ctx, channelID, text)
	})
}

func (r *Retrying) SendEphemeralMessage(ctx context.Context, channelID, userID, text string) error {
	return r.do(ctx, func() error {
		return r.next.SendEphemeralMessage(ctx, channelID, userID, text)
	})
}

func (r *Retrying) do(ctx context.Context, call func() error) error {
	delay := r.opt.BaseDelay
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		se := Classify(err)
		if attempt >= r.opt.MaxAttempts || (se.Kind != KindRateLimited && attempt >= 1) {
			return se
		}
		wait := delay
		if se.Kind == KindRateLimited && se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		metrics.SendRetryTotal.Inc()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
