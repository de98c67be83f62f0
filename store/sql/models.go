package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type processedMessageRecord struct {
	bun.BaseModel `bun:"table:bridge_processed_messages,alias:bpm"`

	MessageID   string     `bun:"message_id,pk"`
	Outcome     string     `bun:"outcome,notnull"`
	Detail      string     `bun:"detail,notnull"`
	ClaimedAt   time.Time  `bun:"claimed_at,nullzero,notnull,default:current_timestamp"`
	ProcessedAt *time.Time `bun:"processed_at,nullzero"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type retryJobRecord struct {
	bun.BaseModel `bun:"table:bridge_retry_jobs,alias:brj"`

	ID            string         `bun:"id,pk"`
	JobType       string         `bun:"job_type,notnull"`
	Payload       map[string]any `bun:"payload,type:jsonb,notnull"`
	AttemptCount  int            `bun:"attempt_count,notnull"`
	MaxAttempts   int            `bun:"max_attempts,notnull"`
	NextAttemptAt time.Time      `bun:"next_attempt_at,notnull"`
	Status        string         `bun:"status,notnull"`
	LastError     string         `bun:"last_error,notnull"`
	ClaimToken    string         `bun:"claim_token,notnull"`
	ClaimedAt     *time.Time     `bun:"claimed_at,nullzero"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:bridge_subscriptions,alias:bs"`

	ID              string    `bun:"id,pk"`
	Resource        string    `bun:"resource,notnull"`
	SubscriptionID  string    `bun:"subscription_id,notnull"`
	NotificationURL string    `bun:"notification_url,notnull"`
	ClientState     string    `bun:"client_state,notnull"`
	ExpiresAt       time.Time `bun:"expires_at,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type issueThreadRecord struct {
	bun.BaseModel `bun:"table:bridge_issue_threads,alias:bit"`

	IssueNumber    int       `bun:"issue_number,pk"`
	Token          string    `bun:"token,notnull"`
	RequesterEmail string    `bun:"requester_email,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
