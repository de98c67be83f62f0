package sqlstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const issueThreadCacheKeyPrefix = "helpdesk-bridge::issue_thread::v1"

// CachedIssueThreadStore serves GetByIssue through a read-through cache and
// invalidates the issue's entry on every upsert.
type CachedIssueThreadStore struct {
	base  core.ThreadStore
	cache repositorycache.CacheService
}

func NewCachedIssueThreadStore(
	base core.ThreadStore,
	cacheService repositorycache.CacheService,
) (*CachedIssueThreadStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base issue thread store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: issue thread cache service is required")
	}
	return &CachedIssueThreadStore{base: base, cache: cacheService}, nil
}

// IssueThreadCacheKey returns helpdesk-bridge::issue_thread::v1::<issue>.
func IssueThreadCacheKey(issueNumber int) (string, error) {
	if issueNumber <= 0 {
		return "", core.NewBadInputError("issue_number", "issue number must be positive")
	}
	return strings.Join([]string{issueThreadCacheKeyPrefix, strconv.Itoa(issueNumber)}, "::"), nil
}

func (s *CachedIssueThreadStore) GetByIssue(ctx context.Context, issueNumber int) (core.IssueThread, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IssueThread{}, fmt.Errorf("sqlstore: cached issue thread store is not configured")
	}
	cacheKey, err := IssueThreadCacheKey(issueNumber)
	if err != nil {
		return core.IssueThread{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.IssueThread, error) {
		return s.base.GetByIssue(ctx, issueNumber)
	})
}

func (s *CachedIssueThreadStore) GetByToken(ctx context.Context, token string) (core.IssueThread, error) {
	if s == nil || s.base == nil {
		return core.IssueThread{}, fmt.Errorf("sqlstore: cached issue thread store is not configured")
	}
	return s.base.GetByToken(ctx, token)
}

func (s *CachedIssueThreadStore) Upsert(ctx context.Context, thread core.IssueThread) (core.IssueThread, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IssueThread{}, fmt.Errorf("sqlstore: cached issue thread store is not configured")
	}
	cacheKey, err := IssueThreadCacheKey(thread.IssueNumber)
	if err != nil {
		return core.IssueThread{}, err
	}
	saved, err := s.base.Upsert(ctx, thread)
	if err != nil {
		return core.IssueThread{}, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.IssueThread{}, err
	}
	return saved, nil
}

var _ core.ThreadStore = (*CachedIssueThreadStore)(nil)
