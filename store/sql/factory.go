package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every bridge store over one bun database.
type RepositoryFactory struct {
	db          *bun.DB
	retryPolicy core.RetryPolicy

	processedMessageStore *ProcessedMessageStore
	retryJobStore         *RetryJobStore
	subscriptionStore     *SubscriptionStore
	issueThreadStore      *IssueThreadStore
}

type FactoryOption func(*RepositoryFactory)

func WithFactoryRetryPolicy(policy core.RetryPolicy) FactoryOption {
	return func(f *RepositoryFactory) {
		f.retryPolicy = policy
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{retryPolicy: core.DefaultRetryPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as a
// go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.retryJobStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) ProcessedMessageStore() *ProcessedMessageStore {
	if f == nil {
		return nil
	}
	return f.processedMessageStore
}

func (f *RepositoryFactory) RetryJobStore() *RetryJobStore {
	if f == nil {
		return nil
	}
	return f.retryJobStore
}

func (f *RepositoryFactory) SubscriptionStore() *SubscriptionStore {
	if f == nil {
		return nil
	}
	return f.subscriptionStore
}

func (f *RepositoryFactory) IssueThreadStore() *IssueThreadStore {
	if f == nil {
		return nil
	}
	return f.issueThreadStore
}

func (f *RepositoryFactory) initStores() error {
	processedMessageStore, err := NewProcessedMessageStore(f.db)
	if err != nil {
		return err
	}
	f.processedMessageStore = processedMessageStore

	retryJobStore, err := NewRetryJobStore(f.db, WithRetryPolicy(f.retryPolicy))
	if err != nil {
		return err
	}
	f.retryJobStore = retryJobStore

	subscriptionStore, err := NewSubscriptionStore(f.db)
	if err != nil {
		return err
	}
	f.subscriptionStore = subscriptionStore

	issueThreadStore, err := NewIssueThreadStore(f.db)
	if err != nil {
		return err
	}
	f.issueThreadStore = issueThreadStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
