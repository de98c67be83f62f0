package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

type RetryBatchRunner interface {
	RunOnce(ctx context.Context, limit int) (core.WorkerSummary, error)
}

type SubscriptionEnsurer interface {
	Ensure(ctx context.Context) (core.EnsureResult, error)
}

type RunRetryBatchCommand struct {
	runner RetryBatchRunner
}

func NewRunRetryBatchCommand(runner RetryBatchRunner) *RunRetryBatchCommand {
	return &RunRetryBatchCommand{runner: runner}
}

// Execute stores the summary even when the batch returns an error, so the
// caller can still report partial progress.
func (c *RunRetryBatchCommand) Execute(ctx context.Context, msg RunRetryBatchMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: retry worker is required")
	}
	out, err := c.runner.RunOnce(ctx, msg.Limit)
	storeResult(ctx, out)
	return err
}

type EnsureSubscriptionCommand struct {
	manager SubscriptionEnsurer
}

func NewEnsureSubscriptionCommand(manager SubscriptionEnsurer) *EnsureSubscriptionCommand {
	return &EnsureSubscriptionCommand{manager: manager}
}

func (c *EnsureSubscriptionCommand) Execute(ctx context.Context, _ EnsureSubscriptionMessage) error {
	if c == nil || c.manager == nil {
		return commandDependencyError("command: subscription manager is required")
	}
	out, err := c.manager.Ensure(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

// ReplayDeadLetterCommand enqueues a fresh pending copy of a dead-lettered
// job. The original job is left untouched.
type ReplayDeadLetterCommand struct {
	queue core.RetryQueue
}

func NewReplayDeadLetterCommand(queue core.RetryQueue) *ReplayDeadLetterCommand {
	return &ReplayDeadLetterCommand{queue: queue}
}

func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.queue == nil {
		return commandDependencyError("command: retry queue is required")
	}
	jobID := strings.TrimSpace(msg.JobID)
	original, err := c.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if original.Status != core.JobStatusDeadLettered {
		return core.NewConflictError(fmt.Sprintf(
			"job %s is %s; only dead-lettered jobs can be replayed",
			original.ID,
			original.Status,
		))
	}
	replayed, err := c.queue.Enqueue(ctx, core.EnqueueJobInput{
		JobType:     original.JobType,
		Payload:     json.RawMessage(original.Payload),
		MaxAttempts: original.MaxAttempts,
		LastError:   "replay of dead-lettered job " + original.ID,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, replayed)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
