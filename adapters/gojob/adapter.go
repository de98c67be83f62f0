package gojob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDOutboundEmailSend    = "bridge.retry.outbound_email_send"
	JobIDInboundCommentCreate = "bridge.retry.inbound_comment_create"

	paramRetryJobID   = "retry_job_id"
	paramAttemptCount = "attempt_count"
	paramMaxAttempts  = "max_attempts"
	paramClaimToken   = "claim_token"
	paramPayload      = "payload"
)

// ErrNoDueJobs is returned by StoreDequeuer when nothing is due.
var ErrNoDueJobs = errors.New("gojob: no due retry jobs")

func JobIDFor(jobType core.JobType) string {
	switch jobType {
	case core.JobTypeOutboundEmailSend:
		return JobIDOutboundEmailSend
	case core.JobTypeInboundCommentCreate:
		return JobIDInboundCommentCreate
	}
	return ""
}

func JobTypeFor(jobID string) (core.JobType, bool) {
	switch strings.TrimSpace(jobID) {
	case JobIDOutboundEmailSend:
		return core.JobTypeOutboundEmailSend, true
	case JobIDInboundCommentCreate:
		return core.JobTypeInboundCommentCreate, true
	}
	return "", false
}

// ToExecutionMessage maps a retry job to go-job. The idempotency key is
// unique per attempt so a redelivered attempt can be dropped.
func ToExecutionMessage(retryJob core.RetryJob) *job.ExecutionMessage {
	params := map[string]any{
		paramRetryJobID:   retryJob.ID,
		paramAttemptCount: retryJob.AttemptCount,
		paramMaxAttempts:  retryJob.MaxAttempts,
		paramPayload:      string(retryJob.Payload),
	}
	if retryJob.ClaimToken != "" {
		params[paramClaimToken] = retryJob.ClaimToken
	}
	return &job.ExecutionMessage{
		JobID:          JobIDFor(retryJob.JobType),
		ScriptPath:     string(retryJob.JobType),
		Parameters:     params,
		IdempotencyKey: fmt.Sprintf("%s:%d", retryJob.ID, retryJob.AttemptCount),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

// StoreDequeuer hands out claimed retry jobs one delivery at a time. Each
// empty buffer refill is a single atomic claim against the queue.
type StoreDequeuer struct {
	mu      sync.Mutex
	queue   core.RetryQueue
	pending []core.RetryJob
}

func NewStoreDequeuer(queue core.RetryQueue) *StoreDequeuer {
	return &StoreDequeuer{queue: queue}
}

func (d *StoreDequeuer) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if d == nil || d.queue == nil {
		return nil, fmt.Errorf("gojob: retry queue is not configured")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		jobs, err := d.queue.ClaimBatch(ctx, 1)
		if err != nil {
			return nil, err
		}
		d.pending = jobs
	}
	if len(d.pending) == 0 {
		return nil, ErrNoDueJobs
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	return &StoreDelivery{queue: d.queue, job: next}, nil
}

// StoreDelivery is one claimed retry job. Ack and Nack report it back to the
// queue under its claim token.
type StoreDelivery struct {
	queue   core.RetryQueue
	job     core.RetryJob
	updated core.RetryJob
}

func (d *StoreDelivery) Job() core.RetryJob { return d.job }

// Result is the job as persisted after a failure report.
func (d *StoreDelivery) Result() core.RetryJob { return d.updated }

func (d *StoreDelivery) Message() *job.ExecutionMessage {
	if d == nil {
		return nil
	}
	return ToExecutionMessage(d.job)
}

func (d *StoreDelivery) Ack(ctx context.Context) error {
	if d == nil || d.queue == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.queue.ReportSuccess(ctx, d.job)
}

// Nack reports a failure described only by go-job options. A retry delay is
// passed on as a Retry-After hint; the queue policy still sets the floor.
// Every other disposition dead-letters the job.
func (d *StoreDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if d == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = "nack"
	}
	var cause error
	switch opts.Disposition {
	case "", queue.NackDispositionRetry:
		cause = core.NewTransientDeliveryError(string(d.job.JobType), errors.New(reason), opts.Delay)
	default:
		cause = core.NewTerminalDeliveryError(string(d.job.JobType), errors.New(reason))
	}
	_, err := d.Fail(ctx, cause)
	return err
}

// Fail reports cause against the claim and returns the persisted job.
func (d *StoreDelivery) Fail(ctx context.Context, cause error) (core.RetryJob, error) {
	if d == nil || d.queue == nil {
		return core.RetryJob{}, fmt.Errorf("gojob: delivery is not configured")
	}
	updated, err := d.queue.ReportFailure(ctx, d.job, cause)
	if err != nil {
		return core.RetryJob{}, err
	}
	d.updated = updated
	return updated, nil
}

// RetryDelivery is a go-job delivery that carries a bridge retry job.
type RetryDelivery interface {
	queue.Delivery
	Job() core.RetryJob
	Fail(ctx context.Context, cause error) (core.RetryJob, error)
}

// deliveryReporter routes the worker's reports through the delivery that
// carried the job.
type deliveryReporter struct {
	delivery RetryDelivery
}

func (r deliveryReporter) ReportSuccess(ctx context.Context, _ core.RetryJob) error {
	return r.delivery.Ack(ctx)
}

func (r deliveryReporter) ReportFailure(ctx context.Context, _ core.RetryJob, cause error) (core.RetryJob, error) {
	return r.delivery.Fail(ctx, cause)
}

type BatchRunnerOption func(*BatchRunner)

func WithHooks(hooks ...worker.Hook) BatchRunnerOption {
	return func(r *BatchRunner) {
		for _, hook := range hooks {
			if hook != nil {
				r.hooks = append(r.hooks, hook)
			}
		}
	}
}

func WithRunnerClock(clock core.Clock) BatchRunnerOption {
	return func(r *BatchRunner) {
		if clock != nil {
			r.now = clock
		}
	}
}

// BatchRunner drains up to one batch of deliveries from a go-job dequeuer,
// runs each through the retry worker and emits go-job worker hook events.
// It stops at the limit or when the dequeuer reports ErrNoDueJobs, so a run
// is bounded like RetryWorker.RunOnce.
type BatchRunner struct {
	worker   *core.RetryWorker
	dequeuer queue.Dequeuer
	hooks    []worker.Hook
	now      core.Clock
}

func NewBatchRunner(retryWorker *core.RetryWorker, dequeuer queue.Dequeuer, opts ...BatchRunnerOption) (*BatchRunner, error) {
	if retryWorker == nil {
		return nil, fmt.Errorf("gojob: retry worker is required")
	}
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	runner := &BatchRunner{
		worker:   retryWorker,
		dequeuer: dequeuer,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

// RunOnce takes up to limit deliveries (the worker batch size when limit is
// not positive). Report failures are joined into the returned error and the
// summary always reflects the work done.
func (r *BatchRunner) RunOnce(ctx context.Context, limit int) (summary core.WorkerSummary, err error) {
	if r == nil || r.worker == nil || r.dequeuer == nil {
		return core.WorkerSummary{}, fmt.Errorf("gojob: batch runner is not configured")
	}
	startedAt := r.now()
	defer func() {
		r.worker.ObserveRun(ctx, startedAt, summary, err)
	}()
	if limit <= 0 {
		limit = r.worker.BatchSize()
	}

	var runErr error
	for summary.Claimed < limit {
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = errors.Join(runErr, ctxErr)
			break
		}
		delivery, dequeueErr := r.dequeuer.Dequeue(ctx)
		if errors.Is(dequeueErr, ErrNoDueJobs) {
			break
		}
		if dequeueErr != nil {
			runErr = errors.Join(runErr, dequeueErr)
			break
		}
		retryDelivery, ok := delivery.(RetryDelivery)
		if !ok {
			runErr = errors.Join(runErr, fmt.Errorf("gojob: delivery %T does not carry a retry job", delivery))
			break
		}
		summary.Claimed++
		if handleErr := r.handle(ctx, retryDelivery, &summary); handleErr != nil {
			runErr = errors.Join(runErr, handleErr)
		}
	}
	return summary, runErr
}

func (r *BatchRunner) handle(ctx context.Context, delivery RetryDelivery, summary *core.WorkerSummary) error {
	claimed := delivery.Job()
	event := worker.Event{
		Delivery:  delivery,
		Message:   delivery.Message(),
		Attempt:   claimed.AttemptCount + 1,
		StartedAt: r.now(),
	}
	if claimed.Status == core.JobStatusDeadLettered {
		event.Attempt = claimed.AttemptCount
	} else {
		r.emit(ctx, "start", event)
	}

	handled, err := r.worker.Handle(ctx, claimed, deliveryReporter{delivery: delivery}, summary)
	event.Duration = r.now().Sub(event.StartedAt)
	event.Err = handled.Err
	switch handled.Outcome {
	case core.JobOutcomeSucceeded:
		r.emit(ctx, "success", event)
	case core.JobOutcomeRetried:
		if delay := handled.Job.NextAttemptAt.Sub(r.now()); delay > 0 {
			event.Delay = delay
		}
		r.emit(ctx, "retry", event)
	case core.JobOutcomeDeadLettered:
		if event.Err == nil {
			event.Err = errors.New(strings.TrimSpace(handled.Job.LastError))
		}
		r.emit(ctx, "failure", event)
	}
	return err
}

func (r *BatchRunner) emit(ctx context.Context, kind string, event worker.Event) {
	for _, hook := range r.hooks {
		switch kind {
		case "start":
			hook.OnStart(ctx, event)
		case "success":
			hook.OnSuccess(ctx, event)
		case "retry":
			hook.OnRetry(ctx, event)
		case "failure":
			hook.OnFailure(ctx, event)
		}
	}
}

// LoggingHook writes go-job worker events to a go-job logger. The retry
// worker already logs rescheduling and dead letters, so those events carry
// timing detail at debug level.
type LoggingHook struct {
	logger job.Logger
}

func NewLoggingHook(logger job.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) OnStart(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "retry job started", event)
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.log(ctx, "info", "retry job succeeded", event)
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "retry job failed", event)
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "retry job scheduled", event)
}

func (h *LoggingHook) log(ctx context.Context, level string, message string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	fields := map[string]any{
		"event":   "retry_job_" + strings.ReplaceAll(strings.TrimPrefix(message, "retry job "), " ", "_"),
		"attempt": event.Attempt,
	}
	if msg != nil {
		fields["job_id"] = msg.Parameters[paramRetryJobID]
		fields["job_type"] = msg.ScriptPath
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(fields)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}

	logger := h.logger.WithContext(ctx)
	switch level {
	case "debug":
		logger.Debug(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

var (
	_ queue.Dequeuer = (*StoreDequeuer)(nil)
	_ RetryDelivery  = (*StoreDelivery)(nil)
	_ worker.Hook    = (*LoggingHook)(nil)
)
