package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ThreadIdentity links a tracker issue to every email exchanged about it.
// IssuedAt is zero unless the token codec enforces an expiry window.
type ThreadIdentity struct {
	IssueNumber int
	IssuedAt    time.Time
}

type IssueThread struct {
	IssueNumber    int
	Token          string
	RequesterEmail string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type MessageOutcome string

const (
	MessageOutcomeInFlight  MessageOutcome = "in_flight"
	MessageOutcomeDeferred  MessageOutcome = "deferred"
	MessageOutcomeSucceeded MessageOutcome = "succeeded"
	MessageOutcomeSkipped   MessageOutcome = "skipped"
	MessageOutcomeFailed    MessageOutcome = "failed"
)

func (o MessageOutcome) Terminal() bool {
	switch o {
	case MessageOutcomeSucceeded, MessageOutcomeSkipped, MessageOutcomeFailed:
		return true
	default:
		return false
	}
}

func (o MessageOutcome) Valid() bool {
	switch o {
	case MessageOutcomeInFlight, MessageOutcomeDeferred, MessageOutcomeSucceeded, MessageOutcomeSkipped, MessageOutcomeFailed:
		return true
	default:
		return false
	}
}

// OutcomeSources lists the outcomes a record may hold before moving to next.
// Terminal outcomes never appear as a source.
func OutcomeSources(next MessageOutcome) []MessageOutcome {
	switch next {
	case MessageOutcomeDeferred, MessageOutcomeSkipped:
		return []MessageOutcome{MessageOutcomeInFlight}
	case MessageOutcomeSucceeded, MessageOutcomeFailed:
		return []MessageOutcome{MessageOutcomeInFlight, MessageOutcomeDeferred}
	default:
		return nil
	}
}

var ErrInvalidOutcomeTransition = errors.New("core: invalid message outcome transition")

func ValidateOutcomeTransition(current MessageOutcome, next MessageOutcome) error {
	if current == next && next.Terminal() {
		return nil
	}
	for _, source := range OutcomeSources(next) {
		if source == current {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidOutcomeTransition, current, next)
}

type ProcessedMessage struct {
	MessageID   string
	Outcome     MessageOutcome
	Detail      string
	ClaimedAt   time.Time
	ProcessedAt *time.Time
}

type JobType string

const (
	JobTypeOutboundEmailSend    JobType = "outbound_email_send"
	JobTypeInboundCommentCreate JobType = "inbound_comment_create"
)

func (t JobType) Valid() bool {
	return t == JobTypeOutboundEmailSend || t == JobTypeInboundCommentCreate
}

type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusInFlight     JobStatus = "in_flight"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusDeadLettered
}

var ErrInvalidJobTransition = errors.New("core: invalid retry job status transition")

// ValidateJobTransition enforces pending -> in_flight -> {pending, succeeded,
// dead_lettered}. A stale in_flight job may be claimed again.
func ValidateJobTransition(current JobStatus, next JobStatus) error {
	switch current {
	case JobStatusPending:
		if next == JobStatusInFlight {
			return nil
		}
	case JobStatusInFlight:
		switch next {
		case JobStatusInFlight, JobStatusPending, JobStatusSucceeded, JobStatusDeadLettered:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidJobTransition, current, next)
}

type RetryJob struct {
	ID            string
	JobType       JobType
	Payload       json.RawMessage
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        JobStatus
	LastError     string
	ClaimToken    string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DecodePayload unmarshals the job payload into out. Decode failures are
// terminal: the payload will not change on retry.
func (j RetryJob) DecodePayload(out any) error {
	if len(j.Payload) == 0 {
		return NewTerminalDeliveryError(string(j.JobType), fmt.Errorf("core: job %s has an empty payload", j.ID))
	}
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return NewTerminalDeliveryError(string(j.JobType), fmt.Errorf("core: decode job %s payload: %w", j.ID, err))
	}
	return nil
}

type EnqueueJobInput struct {
	JobType     JobType
	Payload     any
	MaxAttempts int
	LastError   string
}

func (in EnqueueJobInput) Validate() error {
	if !in.JobType.Valid() {
		return NewBadInputError("job_type", fmt.Sprintf("unsupported job type %q", in.JobType))
	}
	if in.Payload == nil {
		return NewBadInputError("payload", "payload is required")
	}
	if in.MaxAttempts < 0 {
		return NewBadInputError("max_attempts", "max attempts must not be negative")
	}
	return nil
}

type SendMailPayload struct {
	Mailbox     string `json:"mailbox"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	BodyText    string `json:"body_text"`
	IssueNumber int    `json:"issue_number,omitempty"`
	SourceEvent string `json:"source_event,omitempty"`
	// LedgerKey names the processed-message entry a queued send finalizes.
	LedgerKey string `json:"ledger_key,omitempty"`
}

func (p SendMailPayload) Validate() error {
	if strings.TrimSpace(p.Mailbox) == "" || strings.TrimSpace(p.Recipient) == "" {
		return fmt.Errorf("core: mailbox and recipient are required")
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("core: subject is required")
	}
	return nil
}

type IssueCommentPayload struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	Body        string `json:"body"`
	MessageID   string `json:"message_id,omitempty"`
	SourceEvent string `json:"source_event,omitempty"`
}

func (p IssueCommentPayload) Validate() error {
	if strings.TrimSpace(p.Owner) == "" || strings.TrimSpace(p.Repo) == "" {
		return fmt.Errorf("core: owner and repo are required")
	}
	if p.IssueNumber <= 0 {
		return fmt.Errorf("core: issue number must be positive")
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("core: comment body is required")
	}
	return nil
}

type SubscriptionState string

const (
	SubscriptionStateMissing    SubscriptionState = "missing"
	SubscriptionStateHealthy    SubscriptionState = "healthy"
	SubscriptionStateRenewalDue SubscriptionState = "renewal_due"
	SubscriptionStateExpired    SubscriptionState = "expired"
)

// SubscriptionRecord is the locally persisted authoritative subscription for
// a resource.
type SubscriptionRecord struct {
	SubscriptionID  string
	Resource        string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
	UpdatedAt       time.Time
}

// RemoteSubscription is the provider's view of a change notification
// subscription.
type RemoteSubscription struct {
	ID              string
	Resource        string
	NotificationURL string
	ChangeType      string
	ClientState     string
	ExpiresAt       time.Time
}

type CreateSubscriptionRequest struct {
	Resource        string
	NotificationURL string
	ClientState     string
	ChangeType      string
	ExpiresAt       time.Time
}

// ComputeSubscriptionState derives the lifecycle state from timestamps only.
func ComputeSubscriptionState(expiresAt time.Time, now time.Time, renewalWindow time.Duration) SubscriptionState {
	if expiresAt.IsZero() {
		return SubscriptionStateMissing
	}
	if !expiresAt.After(now) {
		return SubscriptionStateExpired
	}
	if expiresAt.Sub(now) <= renewalWindow {
		return SubscriptionStateRenewalDue
	}
	return SubscriptionStateHealthy
}

type Alert struct {
	Type    string
	Summary string
	Context map[string]any
	Err     error
}
