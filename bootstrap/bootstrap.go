// Package bootstrap assembles the bridge runtime from a resolved config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	bridge "github.com/goliatone/go-helpdesk-bridge"
	"github.com/goliatone/go-helpdesk-bridge/adapters/gocommand"
	"github.com/goliatone/go-helpdesk-bridge/adapters/gojob"
	"github.com/goliatone/go-helpdesk-bridge/adapters/gologger"
	"github.com/goliatone/go-helpdesk-bridge/alerts"
	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/inbound"
	"github.com/goliatone/go-helpdesk-bridge/security"
	sqlstore "github.com/goliatone/go-helpdesk-bridge/store/sql"
	"github.com/goliatone/go-helpdesk-bridge/webhooks"
	glog "github.com/goliatone/go-logger/glog"
)

// Role selects which parts of the runtime are built and which config checks
// apply.
type Role string

const (
	RoleServer    Role = "server"
	RoleWorker    Role = "worker"
	RoleLifecycle Role = "lifecycle"
)

// MailClient is everything the bridge needs from the mailbox provider.
type MailClient interface {
	core.MailSender
	webhooks.MessageFetcher
	core.SubscriptionProvider
}

type Options struct {
	Role           Role
	Logger         core.Logger
	LoggerProvider core.LoggerProvider
	Metrics        core.MetricsRecorder
	Clock          core.Clock
	// Mail and Commenter replace the Graph and GitHub clients built from
	// config.
	Mail           MailClient
	Commenter      core.IssueCommenter
	SkipMigrations bool
	// RegisterCommands puts the operator commands and queries on the
	// process wide go-command dispatcher. Only one open runtime may set it.
	RegisterCommands bool
}

// Runtime owns the long-lived bridge components. Close releases them.
type Runtime struct {
	Config   core.Config
	Role     Role
	Logger   core.Logger
	provider core.LoggerProvider

	Persistence   *persistence.Client
	Stores        *sqlstore.RepositoryFactory
	Threads       core.ThreadStore
	Tokens        *security.ThreadTokenCodec
	Mail          MailClient
	Commenter     core.IssueCommenter
	Alerts        *alerts.Notifier
	Worker        *core.RetryWorker
	Batches       *gojob.BatchRunner
	Subscriptions *core.SubscriptionManager
	MailReplies   *webhooks.MailReplyProcessor
	IssueEvents   *webhooks.IssueEventProcessor
	Facade        *bridge.Facade
	Commands      *gocommand.Registration

	closers []func() error
}

// Open validates cfg for the role and builds the runtime. Everything opened
// before a failure is closed again.
func Open(ctx context.Context, cfg core.Config, opts Options) (_ *Runtime, err error) {
	if opts.Role == "" {
		opts.Role = RoleServer
	}
	if err := validateForRole(cfg, opts.Role); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Role: opts.Role}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.initLogging(opts)
	if err = rt.initStores(ctx, opts); err != nil {
		return nil, err
	}
	if err = rt.initClients(opts); err != nil {
		return nil, err
	}
	if err = rt.initAlerts(); err != nil {
		return nil, err
	}

	switch opts.Role {
	case RoleServer:
		err = rt.initProcessors(opts)
	case RoleWorker:
		err = rt.initWorker(opts)
	case RoleLifecycle:
		err = rt.initSubscriptions(opts)
	default:
		err = fmt.Errorf("bootstrap: unsupported role %q", opts.Role)
	}
	if err != nil {
		return nil, err
	}

	rt.Facade, err = bridge.NewFacade(rt.facadeDeps())
	if err != nil {
		return nil, err
	}
	if opts.RegisterCommands {
		if err = rt.registerCommands(); err != nil {
			return nil, err
		}
	}
	rt.log(ctx).Info("bridge runtime ready", "role", string(rt.Role), "env", cfg.App.Env)
	return rt, nil
}

func validateForRole(cfg core.Config, role Role) error {
	switch role {
	case RoleServer:
		return cfg.ValidateServer()
	case RoleWorker:
		return cfg.ValidateWorker()
	case RoleLifecycle:
		return cfg.ValidateLifecycle()
	}
	return fmt.Errorf("bootstrap: unsupported role %q", role)
}

func (r *Runtime) initLogging(opts Options) {
	provider := opts.LoggerProvider
	logger := opts.Logger
	if provider == nil && logger == nil {
		base := gologger.New(os.Stderr, r.Config.App.LogLevel, r.Config.App.LogFormat)
		provider = base
	}
	r.provider, r.Logger = glog.Resolve("helpdesk_bridge", provider, logger)
}

// NamedLogger returns a child logger for a component.
func (r *Runtime) NamedLogger(name string) core.Logger {
	if r == nil {
		return glog.Nop()
	}
	if r.provider != nil {
		return r.provider.GetLogger(name)
	}
	return glog.Ensure(r.Logger)
}

func (r *Runtime) initStores(ctx context.Context, opts Options) error {
	client, err := sqlstore.Open(r.Config.Database)
	if err != nil {
		return err
	}
	r.Persistence = client
	r.closers = append(r.closers, client.Close)

	if !opts.SkipMigrations {
		if err := sqlstore.Migrate(ctx, client, r.Config.Database.Driver); err != nil {
			return err
		}
	}

	r.Stores, err = sqlstore.NewRepositoryFactoryFromPersistence(client,
		sqlstore.WithFactoryRetryPolicy(r.Config.RetryPolicy()),
	)
	if err != nil {
		return err
	}

	r.Threads = r.Stores.IssueThreadStore()
	if ttl := time.Duration(r.Config.Cache.ThreadTTLSeconds) * time.Second; ttl > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = ttl
		cacheService, err := repositorycache.NewCacheService(cacheConfig)
		if err != nil {
			return fmt.Errorf("bootstrap: thread cache: %w", err)
		}
		cached, err := sqlstore.NewCachedIssueThreadStore(r.Stores.IssueThreadStore(), cacheService)
		if err != nil {
			return err
		}
		r.Threads = cached
	}
	return nil
}

func (r *Runtime) initClients(opts Options) error {
	r.Mail = opts.Mail
	if r.Mail == nil {
		client, err := bridge.GraphClient(r.Config, r.NamedLogger("graph"))
		if err != nil {
			return err
		}
		r.Mail = client
	}
	if r.Role == RoleLifecycle {
		return nil
	}
	r.Commenter = opts.Commenter
	if r.Commenter == nil {
		client, err := bridge.GitHubClient(r.Config, r.NamedLogger("github"))
		if err != nil {
			return err
		}
		r.Commenter = client
	}
	return nil
}

func (r *Runtime) initAlerts() error {
	notifier, closeFn, err := alerts.FromConfig(r.Config, r.Mail, r.NamedLogger("alerts"))
	if err != nil {
		return err
	}
	r.Alerts = notifier
	r.closers = append(r.closers, closeFn)
	return nil
}

func (r *Runtime) initProcessors(opts Options) error {
	codecOpts := []security.TokenOption{
		security.WithMaxAge(time.Duration(r.Config.Token.MaxAgeSeconds) * time.Second),
	}
	if opts.Clock != nil {
		codecOpts = append(codecOpts, security.WithClock(opts.Clock))
	}
	codec, err := security.NewThreadTokenCodec(r.Config.Token.Secret, codecOpts...)
	if err != nil {
		return err
	}
	r.Tokens = codec

	r.MailReplies, err = webhooks.NewMailReplyProcessor(webhooks.MailReplyConfigFromCore(r.Config), webhooks.MailReplyDeps{
		Messages:  r.Mail,
		Ledger:    r.Stores.ProcessedMessageStore(),
		Tokens:    codec,
		Threads:   r.Threads,
		Commenter: r.Commenter,
		Queue:     r.Stores.RetryJobStore(),
		Alerts:    r.Alerts,
		Logger:    r.NamedLogger("graph_webhook"),
	})
	if err != nil {
		return err
	}
	r.IssueEvents, err = webhooks.NewIssueEventProcessor(webhooks.IssueEventConfigFromCore(r.Config), webhooks.IssueEventDeps{
		Ledger:  r.Stores.ProcessedMessageStore(),
		Tokens:  codec,
		Threads: r.Threads,
		Mailer:  r.Mail,
		Queue:   r.Stores.RetryJobStore(),
		Alerts:  r.Alerts,
		Logger:  r.NamedLogger("github_webhook"),
		Clock:   opts.Clock,
	})
	return err
}

func (r *Runtime) initWorker(opts Options) error {
	logger := r.NamedLogger("retry_worker")
	workerOpts := []core.RetryWorkerOption{
		core.WithWorkerLogger(logger),
		core.WithWorkerNotifier(r.Alerts),
		core.WithWorkerBatchSize(r.Config.Retry.BatchSize),
		core.WithDeadLetterObserver(core.ProcessedMessageDeadLetterObserver{
			Messages: r.Stores.ProcessedMessageStore(),
			Logger:   logger,
		}),
	}
	if opts.Metrics != nil {
		workerOpts = append(workerOpts, core.WithWorkerMetrics(opts.Metrics))
	}
	worker, err := core.NewRetryWorker(r.Stores.RetryJobStore(), []core.JobExecutor{
		core.SendMailExecutor{
			Sender:   r.Mail,
			Messages: r.Stores.ProcessedMessageStore(),
			Logger:   logger,
		},
		core.IssueCommentExecutor{
			Commenter: r.Commenter,
			Messages:  r.Stores.ProcessedMessageStore(),
			Logger:    logger,
		},
	}, workerOpts...)
	if err != nil {
		return err
	}
	r.Worker = worker

	r.Batches, err = gojob.NewBatchRunner(worker,
		gojob.NewStoreDequeuer(r.Stores.RetryJobStore()),
		gojob.WithHooks(gojob.NewLoggingHook(gologger.ToJobLogger(logger))),
	)
	return err
}

func (r *Runtime) initSubscriptions(opts Options) error {
	managerOpts := []core.SubscriptionManagerOption{
		core.WithSubscriptionLogger(r.NamedLogger("subscription_lifecycle")),
		core.WithSubscriptionNotifier(r.Alerts),
		core.WithSubscriptionClock(opts.Clock),
	}
	if opts.Metrics != nil {
		managerOpts = append(managerOpts, core.WithSubscriptionMetrics(opts.Metrics))
	}
	manager, err := core.NewSubscriptionManager(r.Mail, r.Stores.SubscriptionStore(), r.Config.SubscriptionSettings(), managerOpts...)
	if err != nil {
		return err
	}
	r.Subscriptions = manager
	return nil
}

func (r *Runtime) facadeDeps() bridge.FacadeDeps {
	deps := bridge.FacadeDeps{
		Queue:     r.Stores.RetryJobStore(),
		Inspector: r.Stores.RetryJobStore(),
	}
	if r.Batches != nil {
		deps.Worker = r.Batches
	}
	if r.Subscriptions != nil {
		deps.Subscriptions = r.Subscriptions
	}
	return deps
}

func (r *Runtime) registerCommands() error {
	deps := r.Facade.Deps()
	reg, err := gocommand.Register(gocommand.Handlers{
		Worker:        deps.Worker,
		Subscriptions: deps.Subscriptions,
		Queue:         deps.Queue,
		Inspector:     deps.Inspector,
	}, gocommand.WithLogger(r.NamedLogger("commands")))
	if err != nil {
		return err
	}
	r.Commands = reg
	r.closers = append(r.closers, reg.Close)
	return nil
}

// Router builds the webhook receiver. Only the server role has processors.
func (r *Runtime) Router() (*gin.Engine, error) {
	if r == nil || r.MailReplies == nil || r.IssueEvents == nil {
		return nil, fmt.Errorf("bootstrap: router requires the server role")
	}
	return inbound.NewRouter(inbound.Options{
		Env:      r.Config.App.Env,
		Graph:    r.MailReplies,
		GitHub:   r.IssueEvents,
		Verifier: webhooks.NewGitHubVerifier(r.Config),
		Alerts:   r.Alerts,
		Logger:   r.NamedLogger("http"),
	})
}

// Notify sends an alert through the configured sinks.
func (r *Runtime) Notify(ctx context.Context, alert core.Alert) {
	if r == nil || r.Alerts == nil {
		return
	}
	r.Alerts.Notify(ctx, alert)
}

func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if closeErr := r.closers[i](); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) log(ctx context.Context) core.Logger {
	logger := glog.Ensure(r.Logger)
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	return logger
}

// RoleFromString parses a role name, case-insensitively.
func RoleFromString(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleServer:
		return RoleServer, nil
	case RoleWorker:
		return RoleWorker, nil
	case RoleLifecycle:
		return RoleLifecycle, nil
	}
	return "", fmt.Errorf("bootstrap: unknown role %q", value)
}
