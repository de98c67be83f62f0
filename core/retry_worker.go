package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	AlertOutboundDeliveryFailed   = "outbound_delivery_failed"
	AlertInboundCommentFailed     = "inbound_comment_failed"
	AlertGitHubWebhookError       = "github_webhook_processing_error"
	AlertGraphWebhookError        = "graph_webhook_processing_error"
	AlertSubscriptionUnhealthy    = "graph_subscription_unhealthy"
	AlertSubscriptionEnsureFailed = "graph_subscription_ensure_failed"
	AlertRetryDeadLetter          = "retry_dead_letter"
)

const (
	ExitCodeClean        = 0
	ExitCodeFailure      = 1
	ExitCodeDeadLettered = 2
)

const defaultRetryWorkerBatchSize = 25

type WorkerSummary struct {
	Claimed      int `json:"claimed"`
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Conflicts    int `json:"conflicts"`
}

// ExitCode is non-zero when the run dead-lettered anything.
func (s WorkerSummary) ExitCode() int {
	if s.DeadLettered > 0 {
		return ExitCodeDeadLettered
	}
	return ExitCodeClean
}

type RetryWorkerOption func(*RetryWorker)

func WithWorkerLogger(logger Logger) RetryWorkerOption {
	return func(w *RetryWorker) { w.logger = logger }
}

func WithWorkerMetrics(metrics MetricsRecorder) RetryWorkerOption {
	return func(w *RetryWorker) { w.metrics = metrics }
}

func WithWorkerNotifier(notifier AlertNotifier) RetryWorkerOption {
	return func(w *RetryWorker) { w.notifier = notifier }
}

func WithWorkerBatchSize(size int) RetryWorkerOption {
	return func(w *RetryWorker) { w.batchSize = size }
}

func WithDeadLetterObserver(observer DeadLetterObserver) RetryWorkerOption {
	return func(w *RetryWorker) {
		if observer != nil {
			w.deadLetterObservers = append(w.deadLetterObservers, observer)
		}
	}
}

// RetryWorker drains one batch of due jobs per run. Concurrent runs are safe
// because the queue claim is atomic.
type RetryWorker struct {
	queue               RetryQueue
	executors           map[JobType]JobExecutor
	notifier            AlertNotifier
	deadLetterObservers []DeadLetterObserver
	logger              Logger
	metrics             MetricsRecorder
	batchSize           int
	obs                 observer
}

func NewRetryWorker(queue RetryQueue, executors []JobExecutor, opts ...RetryWorkerOption) (*RetryWorker, error) {
	if queue == nil {
		return nil, fmt.Errorf("core: retry queue is required")
	}
	worker := &RetryWorker{
		queue:     queue,
		executors: map[JobType]JobExecutor{},
		batchSize: defaultRetryWorkerBatchSize,
	}
	for _, executor := range executors {
		if executor == nil {
			continue
		}
		jobType := executor.JobType()
		if !jobType.Valid() {
			return nil, fmt.Errorf("core: executor registered for unsupported job type %q", jobType)
		}
		if _, exists := worker.executors[jobType]; exists {
			return nil, fmt.Errorf("core: duplicate executor for job type %q", jobType)
		}
		worker.executors[jobType] = executor
	}
	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}
	if worker.notifier == nil {
		worker.notifier = NopAlertNotifier{}
	}
	if worker.batchSize <= 0 {
		worker.batchSize = defaultRetryWorkerBatchSize
	}
	worker.obs = newObserver("retry_worker", worker.logger, worker.metrics)
	return worker, nil
}

// JobReporter records the result of one claimed attempt. RetryQueue
// satisfies it; so does any lease that reports back to the queue.
type JobReporter interface {
	ReportSuccess(ctx context.Context, job RetryJob) error
	ReportFailure(ctx context.Context, job RetryJob, cause error) (RetryJob, error)
}

// JobOutcome is what Handle did with one claimed job.
type JobOutcome string

const (
	JobOutcomeSucceeded    JobOutcome = "succeeded"
	JobOutcomeRetried      JobOutcome = "retried"
	JobOutcomeDeadLettered JobOutcome = "dead_lettered"
	JobOutcomeConflict     JobOutcome = "conflict"
)

// HandledJob is a job after Handle reported it.
type HandledJob struct {
	Outcome JobOutcome
	Job     RetryJob
	Err     error
}

// BatchSize is the claim limit used when a run asks for none.
func (w *RetryWorker) BatchSize() int {
	if w == nil {
		return defaultRetryWorkerBatchSize
	}
	return w.batchSize
}

// RunOnce claims up to limit due jobs (the configured batch size when limit is
// not positive), executes each and routes the result back to the queue.
// Report failures are joined into the returned error; the summary always
// reflects the work done.
func (w *RetryWorker) RunOnce(ctx context.Context, limit int) (summary WorkerSummary, err error) {
	if w == nil || w.queue == nil {
		return WorkerSummary{}, fmt.Errorf("core: retry worker is not configured")
	}
	startedAt := time.Now()
	defer func() {
		w.observeRun(ctx, startedAt, summary, err)
	}()

	if limit <= 0 {
		limit = w.batchSize
	}
	jobs, err := w.queue.ClaimBatch(ctx, limit)
	if err != nil {
		return WorkerSummary{}, err
	}
	summary.Claimed = len(jobs)

	var runErr error
	for _, job := range jobs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = joinErrors(runErr, ctxErr)
			break
		}
		if _, reportErr := w.Handle(ctx, job, w.queue, &summary); reportErr != nil {
			runErr = joinErrors(runErr, reportErr)
		}
	}
	return summary, runErr
}

// ObserveRun records a batch driven outside RunOnce.
func (w *RetryWorker) ObserveRun(ctx context.Context, startedAt time.Time, summary WorkerSummary, err error) {
	if w == nil {
		return
	}
	w.observeRun(ctx, startedAt, summary, err)
}

func (w *RetryWorker) observeRun(ctx context.Context, startedAt time.Time, summary WorkerSummary, err error) {
	w.obs.observe(ctx, startedAt, "run_batch", err, map[string]any{
		"claimed":       summary.Claimed,
		"succeeded":     summary.Succeeded,
		"retried":       summary.Retried,
		"dead_lettered": summary.DeadLettered,
	})
}

// Handle executes one claimed job and reports the result through reporter,
// counting it in summary. A job the queue already dead-lettered is only
// reported to observers. The returned error is a reporting failure; executor
// errors are carried in the HandledJob.
func (w *RetryWorker) Handle(ctx context.Context, job RetryJob, reporter JobReporter, summary *WorkerSummary) (HandledJob, error) {
	if summary == nil {
		summary = &WorkerSummary{}
	}
	if job.Status == JobStatusDeadLettered {
		w.expired(ctx, job, summary)
		return HandledJob{Outcome: JobOutcomeDeadLettered, Job: job}, nil
	}
	summary.Attempted++

	fields := map[string]any{
		"job_id":        job.ID,
		"job_type":      string(job.JobType),
		"attempt_count": job.AttemptCount,
	}
	execErr := w.execute(ctx, job)
	if execErr == nil {
		if err := reporter.ReportSuccess(ctx, job); err != nil {
			if IsConflict(err) {
				summary.Conflicts++
				w.obs.log(ctx, "warn", "retry job claim superseded before success report", fields)
				return HandledJob{Outcome: JobOutcomeConflict, Job: job}, nil
			}
			return HandledJob{Job: job}, err
		}
		summary.Succeeded++
		w.obs.count(ctx, "job.succeeded", 1, map[string]string{"job_type": string(job.JobType)})
		return HandledJob{Outcome: JobOutcomeSucceeded, Job: job}, nil
	}

	updated, err := reporter.ReportFailure(ctx, job, execErr)
	if err != nil {
		if IsConflict(err) {
			summary.Conflicts++
			w.obs.log(ctx, "warn", "retry job claim superseded before failure report", fields)
			return HandledJob{Outcome: JobOutcomeConflict, Job: job, Err: execErr}, nil
		}
		return HandledJob{Job: job, Err: execErr}, err
	}
	fields["error"] = execErr.Error()
	if updated.Status == JobStatusDeadLettered {
		summary.DeadLettered++
		w.obs.count(ctx, "job.dead_lettered", 1, map[string]string{"job_type": string(job.JobType)})
		w.obs.log(ctx, "error", "retry job dead-lettered", fields)
		w.deadLetter(ctx, updated, execErr)
		return HandledJob{Outcome: JobOutcomeDeadLettered, Job: updated, Err: execErr}, nil
	}
	summary.Retried++
	fields["next_attempt_at"] = updated.NextAttemptAt.UTC().Format(time.RFC3339)
	w.obs.count(ctx, "job.retried", 1, map[string]string{"job_type": string(job.JobType)})
	w.obs.log(ctx, "warn", "retry job rescheduled", fields)
	return HandledJob{Outcome: JobOutcomeRetried, Job: updated, Err: execErr}, nil
}

// expired reports a job the queue dead-lettered while claiming because its
// last claim ran out without a report.
func (w *RetryWorker) expired(ctx context.Context, job RetryJob, summary *WorkerSummary) {
	cause := NewTerminalDeliveryError(string(job.JobType), fmt.Errorf("core: %s", firstNonEmpty(job.LastError, "claim expired")))
	summary.DeadLettered++
	w.obs.count(ctx, "job.dead_lettered", 1, map[string]string{"job_type": string(job.JobType)})
	w.obs.log(ctx, "error", "retry job dead-lettered after expired claim", map[string]any{
		"job_id":        job.ID,
		"job_type":      string(job.JobType),
		"attempt_count": job.AttemptCount,
	})
	w.deadLetter(ctx, job, cause)
}

func (w *RetryWorker) execute(ctx context.Context, job RetryJob) (err error) {
	executor, ok := w.executors[job.JobType]
	if !ok {
		return NewTerminalDeliveryError(string(job.JobType), fmt.Errorf("core: no executor for job type %q", job.JobType))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = NewTransientDeliveryError(string(job.JobType), fmt.Errorf("core: executor panic: %v", recovered), 0)
		}
	}()
	return executor.Execute(ctx, job)
}

func (w *RetryWorker) deadLetter(ctx context.Context, job RetryJob, cause error) {
	for _, observer := range w.deadLetterObservers {
		observer.OnDeadLetter(ctx, job, cause)
	}
	w.notifier.Notify(ctx, Alert{
		Type:    AlertRetryDeadLetter,
		Summary: fmt.Sprintf("Retry job %s reached max attempts after %d attempts", strings.TrimSpace(job.ID), job.AttemptCount),
		Context: map[string]any{
			"job_id":        job.ID,
			"job_type":      string(job.JobType),
			"attempt_count": job.AttemptCount,
			"max_attempts":  job.MaxAttempts,
			"last_error":    job.LastError,
		},
		Err: cause,
	})
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
