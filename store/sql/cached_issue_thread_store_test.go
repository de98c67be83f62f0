package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubThreadStore struct {
	mu          sync.Mutex
	threads     map[int]core.IssueThread
	getCalls    int
	upsertCalls int
}

func newStubThreadStore() *stubThreadStore {
	return &stubThreadStore{threads: map[int]core.IssueThread{}}
}

func (s *stubThreadStore) Upsert(_ context.Context, thread core.IssueThread) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	s.threads[thread.IssueNumber] = thread
	return thread, nil
}

func (s *stubThreadStore) GetByIssue(_ context.Context, issueNumber int) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	thread, ok := s.threads[issueNumber]
	if !ok {
		return core.IssueThread{}, core.NewNotFoundError("issue thread not found")
	}
	return thread, nil
}

func (s *stubThreadStore) GetByToken(_ context.Context, token string) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.threads {
		if thread.Token == token {
			return thread, nil
		}
	}
	return core.IssueThread{}, core.NewNotFoundError("issue thread not found")
}

func TestCachedIssueThreadStore_MissFetchThenHit(t *testing.T) {
	base := newStubThreadStore()
	base.threads[7] = core.IssueThread{IssueNumber: 7, Token: "HD-7-aaaaaaaaaaaaaaaa", RequesterEmail: "a@example.com"}
	store, err := NewCachedIssueThreadStore(base, newTestThreadCacheService(t))
	if err != nil {
		t.Fatalf("new cached thread store: %v", err)
	}

	for i := 0; i < 3; i++ {
		thread, err := store.GetByIssue(context.Background(), 7)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if thread.RequesterEmail != "a@example.com" {
			t.Fatalf("unexpected thread: %#v", thread)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected a single base read, got %d", base.getCalls)
	}
}

func TestCachedIssueThreadStore_UpsertInvalidates(t *testing.T) {
	base := newStubThreadStore()
	base.threads[7] = core.IssueThread{IssueNumber: 7, Token: "HD-7-aaaaaaaaaaaaaaaa", RequesterEmail: "a@example.com"}
	store, err := NewCachedIssueThreadStore(base, newTestThreadCacheService(t))
	if err != nil {
		t.Fatalf("new cached thread store: %v", err)
	}
	if _, err := store.GetByIssue(context.Background(), 7); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if _, err := store.Upsert(context.Background(), core.IssueThread{
		IssueNumber:    7,
		Token:          "HD-7-bbbbbbbbbbbbbbbb",
		RequesterEmail: "b@example.com",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	thread, err := store.GetByIssue(context.Background(), 7)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if base.getCalls != 2 || thread.RequesterEmail != "b@example.com" {
		t.Fatalf("expected refreshed thread after invalidation, calls=%d thread=%#v", base.getCalls, thread)
	}
}

func TestCachedIssueThreadStore_PropagatesNotFound(t *testing.T) {
	store, err := NewCachedIssueThreadStore(newStubThreadStore(), newTestThreadCacheService(t))
	if err != nil {
		t.Fatalf("new cached thread store: %v", err)
	}
	if _, err := store.GetByIssue(context.Background(), 42); !core.IsNotFound(err) {
		t.Fatalf("expected base not found to propagate, got %v", err)
	}
	if _, err := IssueThreadCacheKey(0); err == nil {
		t.Fatalf("expected invalid issue number to be rejected")
	}
	key, _ := IssueThreadCacheKey(42)
	if key != "helpdesk-bridge::issue_thread::v1::42" {
		t.Fatalf("unexpected cache key %q", key)
	}
}

func newTestThreadCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
