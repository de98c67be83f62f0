package bridge

import (
	"context"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	bridgecommand "github.com/goliatone/go-helpdesk-bridge/command"
	"github.com/goliatone/go-helpdesk-bridge/core"
	bridgequery "github.com/goliatone/go-helpdesk-bridge/query"
)

type SubscriptionService interface {
	bridgecommand.SubscriptionEnsurer
	bridgequery.SubscriptionStatusReader
}

// FacadeDeps are the runtime pieces behind the operator surface.
type FacadeDeps struct {
	Worker        bridgecommand.RetryBatchRunner
	Subscriptions SubscriptionService
	Queue         core.RetryQueue
	Inspector     core.RetryQueueInspector
}

type Commands struct {
	RunRetryBatch      *bridgecommand.RunRetryBatchCommand
	EnsureSubscription *bridgecommand.EnsureSubscriptionCommand
	ReplayDeadLetter   *bridgecommand.ReplayDeadLetterCommand
}

type Queries struct {
	SubscriptionStatus *bridgequery.SubscriptionStatusQuery
	RetryQueueStats    *bridgequery.RetryQueueStatsQuery
	ListDeadLetters    *bridgequery.ListDeadLettersQuery
}

// Facade exposes the bridge commands and queries as direct calls.
type Facade struct {
	deps     FacadeDeps
	commands Commands
	queries  Queries
}

func NewFacade(deps FacadeDeps) (*Facade, error) {
	if deps.Worker == nil && deps.Subscriptions == nil && deps.Queue == nil && deps.Inspector == nil {
		return nil, fmt.Errorf("bridge: at least one facade dependency is required")
	}
	facade := &Facade{deps: deps}
	facade.commands = Commands{
		RunRetryBatch:      bridgecommand.NewRunRetryBatchCommand(deps.Worker),
		EnsureSubscription: bridgecommand.NewEnsureSubscriptionCommand(deps.Subscriptions),
		ReplayDeadLetter:   bridgecommand.NewReplayDeadLetterCommand(deps.Queue),
	}
	facade.queries = Queries{
		SubscriptionStatus: bridgequery.NewSubscriptionStatusQuery(deps.Subscriptions),
		RetryQueueStats:    bridgequery.NewRetryQueueStatsQuery(deps.Inspector),
		ListDeadLetters:    bridgequery.NewListDeadLettersQuery(deps.Inspector),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Deps() FacadeDeps {
	if f == nil {
		return FacadeDeps{}
	}
	return f.deps
}

// RunRetryBatch runs one worker batch. The summary is returned even when the
// batch reports an error.
func (f *Facade) RunRetryBatch(ctx context.Context, limit int) (core.WorkerSummary, error) {
	msg := bridgecommand.RunRetryBatchMessage{Limit: limit}
	if err := msg.Validate(); err != nil {
		return core.WorkerSummary{}, err
	}
	return executeWithResult[bridgecommand.RunRetryBatchMessage, core.WorkerSummary](ctx, f.Commands().RunRetryBatch, msg)
}

func (f *Facade) EnsureSubscription(ctx context.Context) (core.EnsureResult, error) {
	return executeWithResult[bridgecommand.EnsureSubscriptionMessage, core.EnsureResult](
		ctx, f.Commands().EnsureSubscription, bridgecommand.EnsureSubscriptionMessage{},
	)
}

func (f *Facade) ReplayDeadLetter(ctx context.Context, jobID string) (core.RetryJob, error) {
	msg := bridgecommand.ReplayDeadLetterMessage{JobID: jobID}
	if err := msg.Validate(); err != nil {
		return core.RetryJob{}, err
	}
	return executeWithResult[bridgecommand.ReplayDeadLetterMessage, core.RetryJob](ctx, f.Commands().ReplayDeadLetter, msg)
}

func (f *Facade) SubscriptionStatus(ctx context.Context) (core.SubscriptionStatus, error) {
	return f.Queries().SubscriptionStatus.Query(ctx, bridgequery.SubscriptionStatusMessage{})
}

func (f *Facade) RetryQueueStats(ctx context.Context) (bridgequery.RetryQueueStats, error) {
	return f.Queries().RetryQueueStats.Query(ctx, bridgequery.RetryQueueStatsMessage{})
}

func (f *Facade) ListDeadLetters(ctx context.Context, limit int) ([]core.RetryJob, error) {
	msg := bridgequery.ListDeadLettersMessage{Limit: limit}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return f.Queries().ListDeadLetters.Query(ctx, msg)
}

func executeWithResult[T any, R any](ctx context.Context, cmd gocmd.Commander[T], msg T) (R, error) {
	var zero R
	if cmd == nil {
		return zero, fmt.Errorf("bridge: command is not configured")
	}
	collector := gocmd.NewResult[R]()
	err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg)
	out, _ := collector.Load()
	return out, err
}
