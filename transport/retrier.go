package transport

import (
	"context"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	glog "github.com/goliatone/go-logger/glog"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs a provider call a bounded number of times, retrying only
// transient delivery errors. It is the in-request retry; failures that
// outlive it go to the durable retry queue.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       SleepFunc
	Logger      core.Logger
}

func NewRetrier(cfg core.APIConfig, logger core.Logger) *Retrier {
	return &Retrier{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.MaxDelaySeconds) * time.Second,
		Logger:      glog.Ensure(logger),
	}
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := 1
	if r != nil && r.MaxAttempts > 1 {
		attempts = r.MaxAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !core.IsTransientDelivery(err) || attempt == attempts {
			return err
		}
		delay := r.delay(attempt, err)
		core.LogEvent(ctx, r.logger(), "warn", "api_retry_scheduled", map[string]any{
			"operation":     operation,
			"attempt":       attempt,
			"next_attempt":  attempt + 1,
			"delay_seconds": delay.Seconds(),
			"error":         err.Error(),
		})
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// delay is the exponential backoff for attempt, replaced by the provider's
// Retry-After when one was sent. Both are capped at MaxDelay.
func (r *Retrier) delay(attempt int, err error) time.Duration {
	var policy core.RetryPolicy
	if r != nil {
		policy = core.RetryPolicy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
	}
	delay := policy.BackoffDelay(attempt - 1)
	if retryAfter, ok := core.RetryAfter(err); ok {
		delay = retryAfter
		if r != nil && r.MaxDelay > 0 && delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return delay
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r != nil && r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (r *Retrier) logger() core.Logger {
	if r == nil {
		return glog.Nop()
	}
	return glog.Ensure(r.Logger)
}

// SleepContext blocks for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
