package command

import (
	"strings"
)

const (
	TypeRunRetryBatch      = "bridge.command.retry.run_batch"
	TypeReplayDeadLetter   = "bridge.command.retry.replay_dead_letter"
	TypeEnsureSubscription = "bridge.command.subscription.ensure"
)

// RunRetryBatchMessage runs one retry worker batch. A zero Limit uses the
// worker's configured batch size.
type RunRetryBatchMessage struct {
	Limit int
}

func (RunRetryBatchMessage) Type() string { return TypeRunRetryBatch }

func (m RunRetryBatchMessage) Validate() error {
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type EnsureSubscriptionMessage struct{}

func (EnsureSubscriptionMessage) Type() string { return TypeEnsureSubscription }

func (EnsureSubscriptionMessage) Validate() error { return nil }

type ReplayDeadLetterMessage struct {
	JobID string
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "job id is required")
	}
	return nil
}
