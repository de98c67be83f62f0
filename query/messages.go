package query

const (
	TypeSubscriptionStatus = "bridge.query.subscription.status"
	TypeRetryQueueStats    = "bridge.query.retry.stats"
	TypeListDeadLetters    = "bridge.query.retry.dead_letters"

	DefaultDeadLetterLimit = 50
	MaxDeadLetterLimit     = 500
)

type SubscriptionStatusMessage struct{}

func (SubscriptionStatusMessage) Type() string { return TypeSubscriptionStatus }

func (SubscriptionStatusMessage) Validate() error { return nil }

type RetryQueueStatsMessage struct{}

func (RetryQueueStatsMessage) Type() string { return TypeRetryQueueStats }

func (RetryQueueStatsMessage) Validate() error { return nil }

// ListDeadLettersMessage lists the newest dead-lettered jobs. A zero Limit
// means DefaultDeadLetterLimit.
type ListDeadLettersMessage struct {
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if m.Limit > MaxDeadLetterLimit {
		return queryValidationError("limit", "limit must be <= 500")
	}
	return nil
}
