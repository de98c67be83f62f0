package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Clock func() time.Time

// TokenCodec maps thread identities to opaque tokens and back.
type TokenCodec interface {
	Encode(identity ThreadIdentity) (string, error)
	Decode(token string) (ThreadIdentity, error)
}

// IdempotencyStore gates inbound side effects on a provider message id.
type IdempotencyStore interface {
	TryClaim(ctx context.Context, messageID string) (bool, error)
	MarkOutcome(ctx context.Context, messageID string, outcome MessageOutcome, detail string) error
	Release(ctx context.Context, messageID string) error
	Get(ctx context.Context, messageID string) (ProcessedMessage, error)
}

// RetryQueue is the durable queue of outbound side effects. ReportFailure
// applies the queue's RetryPolicy and returns the job as persisted, so callers
// can tell a reschedule from a dead-letter by its Status.
// RetryQueue is the durable job queue. ClaimBatch may also return jobs it
// dead-lettered because their previous claim expired on the last attempt;
// those carry status dead_lettered and must not be executed.
type RetryQueue interface {
	Enqueue(ctx context.Context, in EnqueueJobInput) (RetryJob, error)
	ClaimBatch(ctx context.Context, limit int) ([]RetryJob, error)
	ReportSuccess(ctx context.Context, job RetryJob) error
	ReportFailure(ctx context.Context, job RetryJob, cause error) (RetryJob, error)
	Get(ctx context.Context, id string) (RetryJob, error)
}

type RetryQueueInspector interface {
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	ListByStatus(ctx context.Context, status JobStatus, limit int) ([]RetryJob, error)
}

type SubscriptionStore interface {
	Get(ctx context.Context, resource string) (SubscriptionRecord, error)
	Upsert(ctx context.Context, record SubscriptionRecord) (SubscriptionRecord, error)
}

type ThreadStore interface {
	Upsert(ctx context.Context, thread IssueThread) (IssueThread, error)
	GetByIssue(ctx context.Context, issueNumber int) (IssueThread, error)
	GetByToken(ctx context.Context, token string) (IssueThread, error)
}

// SubscriptionProvider talks to the mailbox provider's change notification
// API. GetSubscription returns a NotFound error for unknown ids.
type SubscriptionProvider interface {
	GetSubscription(ctx context.Context, id string) (RemoteSubscription, error)
	ListSubscriptions(ctx context.Context) ([]RemoteSubscription, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (RemoteSubscription, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (RemoteSubscription, error)
}

type MailSender interface {
	SendMail(ctx context.Context, payload SendMailPayload) error
}

type IssueCommenter interface {
	CreateIssueComment(ctx context.Context, payload IssueCommentPayload) error
}

type AlertNotifier interface {
	Notify(ctx context.Context, alert Alert)
}

// JobExecutor performs the side effect of one job type. Returned errors should
// be classified with NewTransientDeliveryError or NewTerminalDeliveryError;
// unclassified errors are retried.
type JobExecutor interface {
	JobType() JobType
	Execute(ctx context.Context, job RetryJob) error
}

// DeadLetterObserver is told about every job the worker dead-letters.
type DeadLetterObserver interface {
	OnDeadLetter(ctx context.Context, job RetryJob, cause error)
}

type AlertNotifierFunc func(ctx context.Context, alert Alert)

func (f AlertNotifierFunc) Notify(ctx context.Context, alert Alert) {
	if f != nil {
		f(ctx, alert)
	}
}

type NopAlertNotifier struct{}

func (NopAlertNotifier) Notify(context.Context, Alert) {}
