package command

import (
	"context"
	"errors"
	"net/http"
	"testing"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

type stubRunner struct {
	summary core.WorkerSummary
	err     error
	limit   int
}

func (s *stubRunner) RunOnce(_ context.Context, limit int) (core.WorkerSummary, error) {
	s.limit = limit
	return s.summary, s.err
}

type stubEnsurer struct {
	result core.EnsureResult
	err    error
}

func (s stubEnsurer) Ensure(context.Context) (core.EnsureResult, error) {
	return s.result, s.err
}

type stubQueue struct {
	jobs     map[string]core.RetryJob
	enqueued []core.EnqueueJobInput
}

func (q *stubQueue) Enqueue(_ context.Context, in core.EnqueueJobInput) (core.RetryJob, error) {
	q.enqueued = append(q.enqueued, in)
	return core.RetryJob{ID: "job_new", JobType: in.JobType, Status: core.JobStatusPending, MaxAttempts: in.MaxAttempts}, nil
}

func (q *stubQueue) ClaimBatch(context.Context, int) ([]core.RetryJob, error) { return nil, nil }

func (q *stubQueue) ReportSuccess(context.Context, core.RetryJob) error { return nil }

func (q *stubQueue) ReportFailure(_ context.Context, job core.RetryJob, _ error) (core.RetryJob, error) {
	return job, nil
}

func (q *stubQueue) Get(_ context.Context, id string) (core.RetryJob, error) {
	job, ok := q.jobs[id]
	if !ok {
		return core.RetryJob{}, core.NewNotFoundError("retry job not found")
	}
	return job, nil
}

func TestRunRetryBatchCommand_StoresSummary(t *testing.T) {
	runner := &stubRunner{summary: core.WorkerSummary{Claimed: 3, Attempted: 3, Succeeded: 2, DeadLettered: 1}}
	collector := gocmd.NewResult[core.WorkerSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewRunRetryBatchCommand(runner).Execute(ctx, RunRetryBatchMessage{Limit: 10}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runner.limit != 10 {
		t.Fatalf("expected limit 10, got %d", runner.limit)
	}
	summary, ok := collector.Load()
	if !ok || summary.DeadLettered != 1 || summary.ExitCode() != core.ExitCodeDeadLettered {
		t.Fatalf("unexpected summary %#v", summary)
	}
}

func TestRunRetryBatchCommand_StoresPartialSummaryOnError(t *testing.T) {
	runner := &stubRunner{summary: core.WorkerSummary{Claimed: 2, Succeeded: 1}, err: errors.New("report failed")}
	collector := gocmd.NewResult[core.WorkerSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewRunRetryBatchCommand(runner).Execute(ctx, RunRetryBatchMessage{}); err == nil {
		t.Fatalf("expected error")
	}
	if summary, ok := collector.Load(); !ok || summary.Succeeded != 1 {
		t.Fatalf("expected partial summary, got %#v", summary)
	}
}

func TestEnsureSubscriptionCommand(t *testing.T) {
	expected := core.EnsureResult{Action: core.EnsureActionRenewed}
	collector := gocmd.NewResult[core.EnsureResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewEnsureSubscriptionCommand(stubEnsurer{result: expected}).Execute(ctx, EnsureSubscriptionMessage{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result, ok := collector.Load(); !ok || result.Action != core.EnsureActionRenewed {
		t.Fatalf("unexpected result %#v", result)
	}

	ambiguous := stubEnsurer{err: core.NewSubscriptionAmbiguousError("users/support/messages", []string{"a", "b"})}
	if err := NewEnsureSubscriptionCommand(ambiguous).Execute(context.Background(), EnsureSubscriptionMessage{}); !core.IsSubscriptionAmbiguous(err) {
		t.Fatalf("expected ambiguous error, got %v", err)
	}
}

func TestReplayDeadLetterCommand_EnqueuesCopy(t *testing.T) {
	queue := &stubQueue{jobs: map[string]core.RetryJob{
		"job_1": {
			ID:          "job_1",
			JobType:     core.JobTypeOutboundEmailSend,
			Payload:     []byte(`{"recipient":"alice@example.com"}`),
			Status:      core.JobStatusDeadLettered,
			MaxAttempts: 5,
		},
	}}
	collector := gocmd.NewResult[core.RetryJob]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewReplayDeadLetterCommand(queue).Execute(ctx, ReplayDeadLetterMessage{JobID: " job_1 "}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(queue.enqueued))
	}
	in := queue.enqueued[0]
	if in.JobType != core.JobTypeOutboundEmailSend || in.MaxAttempts != 5 || in.LastError != "replay of dead-lettered job job_1" {
		t.Fatalf("unexpected enqueue input %#v", in)
	}
	if job, ok := collector.Load(); !ok || job.ID != "job_new" {
		t.Fatalf("expected replayed job result, got %#v", job)
	}
}

func TestReplayDeadLetterCommand_RejectsLiveJobs(t *testing.T) {
	queue := &stubQueue{jobs: map[string]core.RetryJob{
		"job_1": {ID: "job_1", JobType: core.JobTypeOutboundEmailSend, Status: core.JobStatusPending},
	}}
	cmd := NewReplayDeadLetterCommand(queue)
	if err := cmd.Execute(context.Background(), ReplayDeadLetterMessage{JobID: "job_1"}); !core.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := cmd.Execute(context.Background(), ReplayDeadLetterMessage{JobID: "missing"}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("expected no enqueue")
	}
}

func TestReplayDeadLetterMessage_ValidateReturnsRichError(t *testing.T) {
	err := (ReplayDeadLetterMessage{}).Validate()
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput || rich.Code != http.StatusBadRequest {
		t.Fatalf("unexpected envelope %q %q %d", rich.Category, rich.TextCode, rich.Code)
	}
	if validation := rich.AllValidationErrors(); len(validation) == 0 || validation[0].Field != "job_id" {
		t.Fatalf("expected job_id validation field, got %#v", validation)
	}
	if err := (RunRetryBatchMessage{Limit: -1}).Validate(); err == nil {
		t.Fatalf("expected negative limit to be rejected")
	}
}

func TestCommands_NilDependencyReturnsRichError(t *testing.T) {
	var cmd *RunRetryBatchCommand
	err := cmd.Execute(context.Background(), RunRetryBatchMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal envelope, got %v", err)
	}
}
