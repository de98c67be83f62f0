package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/uptrace/bun"
)

// IssueThreadStore maps tracker issues to their thread token and requester.
type IssueThreadStore struct {
	db  *bun.DB
	now core.Clock
}

func NewIssueThreadStore(db *bun.DB) (*IssueThreadStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &IssueThreadStore{db: db, now: utcNow}, nil
}

// Upsert records the thread for an issue. The requester email is only
// replaced when a new one is supplied.
func (s *IssueThreadStore) Upsert(ctx context.Context, thread core.IssueThread) (core.IssueThread, error) {
	if s == nil || s.db == nil {
		return core.IssueThread{}, fmt.Errorf("sqlstore: issue thread store is not configured")
	}
	if thread.IssueNumber <= 0 {
		return core.IssueThread{}, core.NewBadInputError("issue_number", "issue number must be positive")
	}
	thread.Token = strings.TrimSpace(thread.Token)
	thread.RequesterEmail = strings.ToLower(strings.TrimSpace(thread.RequesterEmail))
	if thread.Token == "" {
		return core.IssueThread{}, core.NewBadInputError("token", "thread token is required")
	}
	now := s.now().UTC()

	var out core.IssueThread
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &issueThreadRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.issue_number = ?", thread.IssueNumber).
			Limit(1).
			Scan(ctx)
		if err != nil && !isNoRows(err) {
			return err
		}
		if isNoRows(err) {
			record := &issueThreadRecord{
				IssueNumber:    thread.IssueNumber,
				Token:          thread.Token,
				RequesterEmail: thread.RequesterEmail,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
			out = record.toDomain()
			return nil
		}

		existing.Token = thread.Token
		if thread.RequesterEmail != "" {
			existing.RequesterEmail = thread.RequesterEmail
		}
		existing.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().
			Model(existing).
			WherePK().
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = existing.toDomain()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return core.IssueThread{}, core.NewConflictError(
				fmt.Sprintf("thread token for issue %d is already used by another issue", thread.IssueNumber),
			)
		}
		return core.IssueThread{}, unavailable("upsert_issue_thread", err)
	}
	return out, nil
}

func (s *IssueThreadStore) GetByIssue(ctx context.Context, issueNumber int) (core.IssueThread, error) {
	return s.getBy(ctx, "issue_number", issueNumber, fmt.Sprintf("issue %d", issueNumber))
}

func (s *IssueThreadStore) GetByToken(ctx context.Context, token string) (core.IssueThread, error) {
	token = strings.TrimSpace(token)
	return s.getBy(ctx, "token", token, fmt.Sprintf("token %q", token))
}

func (s *IssueThreadStore) getBy(ctx context.Context, column string, value any, label string) (core.IssueThread, error) {
	if s == nil || s.db == nil {
		return core.IssueThread{}, fmt.Errorf("sqlstore: issue thread store is not configured")
	}
	record := &issueThreadRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.IssueThread{}, core.NewNotFoundError(fmt.Sprintf("issue thread for %s not found", label))
		}
		return core.IssueThread{}, unavailable("get_issue_thread", err)
	}
	return record.toDomain(), nil
}

func (r *issueThreadRecord) toDomain() core.IssueThread {
	if r == nil {
		return core.IssueThread{}
	}
	return core.IssueThread{
		IssueNumber:    r.IssueNumber,
		Token:          r.Token,
		RequesterEmail: r.RequesterEmail,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

var _ core.ThreadStore = (*IssueThreadStore)(nil)
