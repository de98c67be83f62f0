// Package gocommand puts the bridge operator commands and queries on the
// go-command dispatcher and gives the CLIs typed calls over it.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	bridgecommand "github.com/goliatone/go-helpdesk-bridge/command"
	"github.com/goliatone/go-helpdesk-bridge/core"
	bridgequery "github.com/goliatone/go-helpdesk-bridge/query"
	glog "github.com/goliatone/go-logger/glog"
)

const messageTypePrefix = "bridge."

type SubscriptionService interface {
	bridgecommand.SubscriptionEnsurer
	bridgequery.SubscriptionStatusReader
}

// Handlers holds the runtime pieces behind the operator commands and
// queries. Nil members skip their handlers.
type Handlers struct {
	Worker        bridgecommand.RetryBatchRunner
	Subscriptions SubscriptionService
	Queue         core.RetryQueue
	Inspector     core.RetryQueueInspector
}

type Option func(*options)

type options struct {
	registry   *command.Registry
	logger     core.Logger
	runnerOpts []runner.Option
}

// WithRegistry registers into an existing registry instead of a new one.
func WithRegistry(registry *command.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithLogger routes handler failures to logger instead of the runner's
// default stdlib log output.
func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithRunnerOptions(opts ...runner.Option) Option {
	return func(o *options) {
		o.runnerOpts = append(o.runnerOpts, opts...)
	}
}

// Registration is the set of handlers one runtime put on the dispatcher.
// The dispatcher is process wide, so a message type must be registered by
// at most one live Registration.
type Registration struct {
	registry *command.Registry

	mu     sync.Mutex
	subs   []commanddispatcher.Subscription
	types  []string
	closed bool
}

// Register subscribes every bridge command and query whose dependency is
// present and initializes the registry. Handler errors reach callers of the
// typed helpers below unwrapped.
func Register(handlers Handlers, opts ...Option) (*Registration, error) {
	cfg := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.registry == nil {
		cfg.registry = command.NewRegistry()
	}
	runnerOpts := append([]runner.Option{
		runner.WithErrorHandler(handlerErrorLogger(cfg.logger)),
	}, cfg.runnerOpts...)

	reg := &Registration{registry: cfg.registry}
	if err := reg.registry.AddResolver("bridge", reg.resolve); err != nil {
		return nil, err
	}

	var err error
	if handlers.Worker != nil {
		err = subscribeCommand[bridgecommand.RunRetryBatchMessage, core.WorkerSummary](
			reg, bridgecommand.NewRunRetryBatchCommand(handlers.Worker), runnerOpts,
		)
	}
	if err == nil && handlers.Subscriptions != nil {
		err = subscribeCommand[bridgecommand.EnsureSubscriptionMessage, core.EnsureResult](
			reg, bridgecommand.NewEnsureSubscriptionCommand(handlers.Subscriptions), runnerOpts,
		)
		if err == nil {
			err = subscribeQuery[bridgequery.SubscriptionStatusMessage, core.SubscriptionStatus](
				reg, bridgequery.NewSubscriptionStatusQuery(handlers.Subscriptions), runnerOpts,
			)
		}
	}
	if err == nil && handlers.Queue != nil {
		err = subscribeCommand[bridgecommand.ReplayDeadLetterMessage, core.RetryJob](
			reg, bridgecommand.NewReplayDeadLetterCommand(handlers.Queue), runnerOpts,
		)
	}
	if err == nil && handlers.Inspector != nil {
		err = subscribeQuery[bridgequery.RetryQueueStatsMessage, bridgequery.RetryQueueStats](
			reg, bridgequery.NewRetryQueueStatsQuery(handlers.Inspector), runnerOpts,
		)
		if err == nil {
			err = subscribeQuery[bridgequery.ListDeadLettersMessage, []core.RetryJob](
				reg, bridgequery.NewListDeadLettersQuery(handlers.Inspector), runnerOpts,
			)
		}
	}
	if err == nil {
		err = reg.registry.Initialize()
	}
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return reg, nil
}

func (r *Registration) Registry() *command.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Types lists the message types the registry resolved, in registration
// order.
func (r *Registration) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// Close unsubscribes every handler. It is safe to call more than once.
func (r *Registration) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	r.subs = nil
	return nil
}

func (r *Registration) resolve(_ any, meta command.CommandMeta, _ *command.Registry) error {
	if !strings.HasPrefix(meta.MessageType, messageTypePrefix) {
		return fmt.Errorf("gocommand: message type %q is outside the %q namespace", meta.MessageType, messageTypePrefix)
	}
	r.mu.Lock()
	r.types = append(r.types, meta.MessageType)
	r.mu.Unlock()
	return nil
}

func (r *Registration) track(sub commanddispatcher.Subscription) {
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
}

func subscribeCommand[T any, R any](reg *Registration, cmd command.Commander[T], runnerOpts []runner.Option) error {
	handler := capturedCommand[T, R]{cmd: cmd}
	if err := reg.registry.RegisterCommand(handler); err != nil {
		return err
	}
	reg.track(commanddispatcher.SubscribeCommand[T](handler, runnerOpts...))
	return nil
}

func subscribeQuery[T any, R any](reg *Registration, qry command.Querier[T, R], runnerOpts []runner.Option) error {
	handler := capturedQuery[T, R]{qry: qry}
	if err := reg.registry.RegisterCommand(handler); err != nil {
		return err
	}
	reg.track(commanddispatcher.SubscribeQuery[T, R](handler, runnerOpts...))
	return nil
}

// capturedCommand keeps the handler's own error on the result collector.
// The dispatcher rewraps handler errors and drops their text codes.
type capturedCommand[T any, R any] struct {
	cmd command.Commander[T]
}

func (c capturedCommand[T, R]) Execute(ctx context.Context, msg T) error {
	err := c.cmd.Execute(ctx, msg)
	if err != nil {
		if collector := command.ResultFromContext[R](ctx); collector != nil {
			collector.StoreError(err)
		}
	}
	return err
}

type capturedQuery[T any, R any] struct {
	qry command.Querier[T, R]
}

func (q capturedQuery[T, R]) Query(ctx context.Context, msg T) (R, error) {
	out, err := q.qry.Query(ctx, msg)
	if err != nil {
		if collector := command.ResultFromContext[R](ctx); collector != nil {
			collector.StoreError(err)
		}
	}
	return out, err
}

// RunRetryBatch dispatches one worker batch. The summary is returned even
// when the batch reports an error.
func RunRetryBatch(ctx context.Context, limit int) (core.WorkerSummary, error) {
	return dispatch[bridgecommand.RunRetryBatchMessage, core.WorkerSummary](ctx, bridgecommand.RunRetryBatchMessage{Limit: limit})
}

func EnsureSubscription(ctx context.Context) (core.EnsureResult, error) {
	return dispatch[bridgecommand.EnsureSubscriptionMessage, core.EnsureResult](ctx, bridgecommand.EnsureSubscriptionMessage{})
}

func ReplayDeadLetter(ctx context.Context, jobID string) (core.RetryJob, error) {
	return dispatch[bridgecommand.ReplayDeadLetterMessage, core.RetryJob](ctx, bridgecommand.ReplayDeadLetterMessage{JobID: jobID})
}

func SubscriptionStatus(ctx context.Context) (core.SubscriptionStatus, error) {
	return query[bridgequery.SubscriptionStatusMessage, core.SubscriptionStatus](ctx, bridgequery.SubscriptionStatusMessage{})
}

func RetryQueueStats(ctx context.Context) (bridgequery.RetryQueueStats, error) {
	return query[bridgequery.RetryQueueStatsMessage, bridgequery.RetryQueueStats](ctx, bridgequery.RetryQueueStatsMessage{})
}

func ListDeadLetters(ctx context.Context, limit int) ([]core.RetryJob, error) {
	return query[bridgequery.ListDeadLettersMessage, []core.RetryJob](ctx, bridgequery.ListDeadLettersMessage{Limit: limit})
}

func dispatch[T any, R any](ctx context.Context, msg T) (R, error) {
	collector := command.NewResult[R]()
	err := commanddispatcher.Dispatch(command.ContextWithResult(ctx, collector), msg)
	out, _ := collector.Load()
	if cause := collector.Error(); cause != nil {
		return out, cause
	}
	return out, err
}

func query[T any, R any](ctx context.Context, msg T) (R, error) {
	collector := command.NewResult[R]()
	out, err := commanddispatcher.Query[T, R](command.ContextWithResult(ctx, collector), msg)
	if cause := collector.Error(); cause != nil {
		return out, cause
	}
	return out, err
}

func handlerErrorLogger(logger core.Logger) func(error) {
	if logger == nil {
		return nil
	}
	return func(err error) {
		glog.Ensure(logger).Debug("bridge handler failed", "error", err)
	}
}
