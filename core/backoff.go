package core

import (
	"math"
	"time"
)

const (
	defaultRetryMaxAttempts = 5
	defaultRetryBaseDelay   = 30 * time.Second
	defaultRetryMaxDelay    = 15 * time.Minute
	defaultClaimGrace       = 15 * time.Minute
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ClaimGrace  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryMaxAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		MaxDelay:    defaultRetryMaxDelay,
		ClaimGrace:  defaultClaimGrace,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	if p.ClaimGrace <= 0 {
		p.ClaimGrace = defaultClaimGrace
	}
	return p
}

// BackoffDelay returns min(base * 2^attemptCount, max) where attemptCount is
// the number of failures recorded before the current one.
func (p RetryPolicy) BackoffDelay(attemptCount int) time.Duration {
	p = p.normalized()
	if attemptCount < 0 {
		attemptCount = 0
	}
	next := float64(p.BaseDelay) * math.Pow(2, float64(attemptCount))
	if next > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(next)
}

// FailureDecision is the planned outcome of one failed attempt.
type FailureDecision struct {
	DeadLetter    bool
	AttemptCount  int
	NextAttemptAt time.Time
	Delay         time.Duration
	Reason        string
}

// PlanFailure decides whether job is rescheduled or dead-lettered after err.
// The job's own MaxAttempts wins over the policy when set.
func (p RetryPolicy) PlanFailure(job RetryJob, err error, now time.Time) FailureDecision {
	p = p.normalized()
	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = p.MaxAttempts
	}
	if IsTerminalDelivery(err) || IsAuthentication(err) {
		return FailureDecision{
			DeadLetter:   true,
			AttemptCount: job.AttemptCount + 1,
			Reason:       "terminal_error",
		}
	}
	if job.AttemptCount+1 >= maxAttempts {
		return FailureDecision{
			DeadLetter:   true,
			AttemptCount: job.AttemptCount + 1,
			Reason:       "attempts_exhausted",
		}
	}
	delay := p.BackoffDelay(job.AttemptCount)
	if hint, ok := RetryAfter(err); ok && hint > delay {
		delay = hint
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return FailureDecision{
		AttemptCount:  job.AttemptCount + 1,
		NextAttemptAt: now.Add(delay),
		Delay:         delay,
		Reason:        "retry_scheduled",
	}
}
