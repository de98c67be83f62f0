package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// RetryJobStore is the durable retry queue. Claims are a single
// read-modify-write statement so concurrent workers receive disjoint batches,
// and every claim stamps a fresh claim token that later reports must present.
type RetryJobStore struct {
	db     *bun.DB
	repo   repository.Repository[*retryJobRecord]
	policy core.RetryPolicy
	now    core.Clock
}

type RetryJobStoreOption func(*RetryJobStore)

func WithRetryPolicy(policy core.RetryPolicy) RetryJobStoreOption {
	return func(s *RetryJobStore) {
		s.policy = policy
	}
}

func WithRetryClock(clock core.Clock) RetryJobStoreOption {
	return func(s *RetryJobStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

func NewRetryJobStore(db *bun.DB, opts ...RetryJobStoreOption) (*RetryJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*retryJobRecord](db, retryJobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid retry job repository wiring: %w", err)
		}
	}
	store := &RetryJobStore{
		db:     db,
		repo:   repo,
		policy: core.DefaultRetryPolicy(),
		now:    utcNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *RetryJobStore) Policy() core.RetryPolicy {
	if s == nil {
		return core.DefaultRetryPolicy()
	}
	return s.policy
}

func (s *RetryJobStore) Enqueue(ctx context.Context, in core.EnqueueJobInput) (core.RetryJob, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.RetryJob{}, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.RetryJob{}, err
	}
	payload, err := payloadToMap(in.Payload)
	if err != nil {
		return core.RetryJob{}, core.NewBadInputError("payload", err.Error())
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = s.policy.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.now().UTC()
	record := &retryJobRecord{
		ID:            uuid.NewString(),
		JobType:       string(in.JobType),
		Payload:       payload,
		AttemptCount:  0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		Status:        string(core.JobStatusPending),
		LastError:     strings.TrimSpace(in.LastError),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.RetryJob{}, unavailable("enqueue", err)
	}
	return created.toDomain(), nil
}

const retryJobColumns = `
	id,
	job_type,
	payload,
	attempt_count,
	max_attempts,
	next_attempt_at,
	status,
	last_error,
	claim_token,
	claimed_at,
	created_at,
	updated_at
`

// ClaimBatch moves up to limit due jobs to in_flight. Pending jobs are due
// once next_attempt_at has passed; in_flight jobs become claimable again once
// their claim is older than the policy's claim grace. An expired claim counts
// as a spent attempt: the job is reclaimed with attempt_count incremented, or
// dead-lettered when that was its last attempt. Jobs dead-lettered this way
// are returned in the batch with status dead_lettered so the caller can
// report them.
func (s *RetryJobStore) ClaimBatch(ctx context.Context, limit int) ([]core.RetryJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now().UTC()
	staleBefore := now.Add(-s.claimGrace())
	claimToken := uuid.NewString()

	lock := ""
	if s.db.Dialect().Name() == dialect.PG {
		lock = "FOR UPDATE SKIP LOCKED"
	}

	var expired, records []retryJobRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exhausted := `
UPDATE bridge_retry_jobs
SET status = ?, attempt_count = attempt_count + 1, last_error = ?, claim_token = '', claimed_at = NULL, updated_at = ?
WHERE status = ? AND claimed_at <= ? AND attempt_count + 1 >= max_attempts
RETURNING` + retryJobColumns
		if err := tx.NewRaw(
			exhausted,
			string(core.JobStatusDeadLettered),
			expiredClaimError,
			now,
			string(core.JobStatusInFlight),
			staleBefore,
		).Scan(ctx, &expired); err != nil {
			return err
		}

		query := `
WITH claimed AS (
	SELECT id
	FROM bridge_retry_jobs
	WHERE (status = ? AND next_attempt_at <= ?)
	   OR (status = ? AND claimed_at <= ?)
	ORDER BY next_attempt_at ASC, created_at ASC
	LIMIT ?
	` + lock + `
)
UPDATE bridge_retry_jobs
SET attempt_count = CASE WHEN status = ? THEN attempt_count + 1 ELSE attempt_count END,
	status = ?, claim_token = ?, claimed_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND ((status = ? AND next_attempt_at <= ?) OR (status = ? AND claimed_at <= ?))
RETURNING` + retryJobColumns
		return tx.NewRaw(
			query,
			string(core.JobStatusPending),
			now,
			string(core.JobStatusInFlight),
			staleBefore,
			limit,
			string(core.JobStatusInFlight),
			string(core.JobStatusInFlight),
			claimToken,
			now,
			now,
			string(core.JobStatusPending),
			now,
			string(core.JobStatusInFlight),
			staleBefore,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, unavailable("claim_batch", err)
	}

	jobs := make([]core.RetryJob, 0, len(expired)+len(records))
	for i := range expired {
		jobs = append(jobs, expired[i].toDomain())
	}
	for i := range records {
		jobs = append(jobs, records[i].toDomain())
	}
	return jobs, nil
}

// ReportSuccess marks a claimed job succeeded. A report from a superseded
// claim is rejected with a conflict error.
func (s *RetryJobStore) ReportSuccess(ctx context.Context, job core.RetryJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry job store is not configured")
	}
	id, token, err := claimKey(job)
	if err != nil {
		return err
	}
	result, err := s.db.NewUpdate().
		Model((*retryJobRecord)(nil)).
		Set("status = ?", string(core.JobStatusSucceeded)).
		Set("last_error = ?", "").
		Set("claim_token = ?", "").
		Set("claimed_at = NULL").
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", id).
		Where("status = ?", string(core.JobStatusInFlight)).
		Where("claim_token = ?", token).
		Exec(ctx)
	if err != nil {
		return unavailable("report_success", err)
	}
	return s.requireReported(ctx, result, id)
}

// ReportFailure applies the retry policy to a failed attempt and persists
// either the rescheduled or the dead-lettered job.
func (s *RetryJobStore) ReportFailure(ctx context.Context, job core.RetryJob, cause error) (core.RetryJob, error) {
	if s == nil || s.db == nil {
		return core.RetryJob{}, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	id, token, err := claimKey(job)
	if err != nil {
		return core.RetryJob{}, err
	}
	current, err := s.getRecord(ctx, id)
	if err != nil {
		return core.RetryJob{}, err
	}
	if current.Status != string(core.JobStatusInFlight) || current.ClaimToken != token {
		return core.RetryJob{}, supersededClaim(id)
	}

	now := s.now().UTC()
	domain := current.toDomain()
	decision := s.policy.PlanFailure(domain, cause, now)
	lastError := "unknown error"
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}

	update := s.db.NewUpdate().
		Model((*retryJobRecord)(nil)).
		Set("attempt_count = ?", decision.AttemptCount).
		Set("last_error = ?", lastError).
		Set("claim_token = ?", "").
		Set("claimed_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", string(core.JobStatusInFlight)).
		Where("claim_token = ?", token)
	if decision.DeadLetter {
		update = update.Set("status = ?", string(core.JobStatusDeadLettered))
	} else {
		update = update.
			Set("status = ?", string(core.JobStatusPending)).
			Set("next_attempt_at = ?", decision.NextAttemptAt.UTC())
	}
	result, err := update.Exec(ctx)
	if err != nil {
		return core.RetryJob{}, unavailable("report_failure", err)
	}
	if err := s.requireReported(ctx, result, id); err != nil {
		return core.RetryJob{}, err
	}
	return s.Get(ctx, id)
}

func (s *RetryJobStore) Get(ctx context.Context, id string) (core.RetryJob, error) {
	if s == nil || s.db == nil {
		return core.RetryJob{}, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	record, err := s.getRecord(ctx, strings.TrimSpace(id))
	if err != nil {
		return core.RetryJob{}, err
	}
	return record.toDomain(), nil
}

func (s *RetryJobStore) CountByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	err := s.db.NewSelect().
		Model((*retryJobRecord)(nil)).
		ColumnExpr("?TableAlias.status AS status").
		ColumnExpr("COUNT(*) AS total").
		GroupExpr("?TableAlias.status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, unavailable("count_by_status", err)
	}
	counts := map[core.JobStatus]int{
		core.JobStatusPending:      0,
		core.JobStatusInFlight:     0,
		core.JobStatusSucceeded:    0,
		core.JobStatusDeadLettered: 0,
	}
	for _, row := range rows {
		counts[core.JobStatus(row.Status)] = row.Total
	}
	return counts, nil
}

func (s *RetryJobStore) ListByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.RetryJob, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: retry job store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(status)),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, unavailable("list_by_status", err)
	}
	out := make([]core.RetryJob, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *RetryJobStore) claimGrace() time.Duration {
	grace := s.policy.ClaimGrace
	if grace <= 0 {
		grace = core.DefaultRetryPolicy().ClaimGrace
	}
	return grace
}

func (s *RetryJobStore) getRecord(ctx context.Context, id string) (*retryJobRecord, error) {
	if id == "" {
		return nil, core.NewBadInputError("id", "job id is required")
	}
	record := &retryJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, core.NewNotFoundError(fmt.Sprintf("retry job %q not found", id))
		}
		return nil, unavailable("get_retry_job", err)
	}
	return record, nil
}

func (s *RetryJobStore) requireReported(ctx context.Context, result interface{ RowsAffected() (int64, error) }, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("report", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.getRecord(ctx, id); err != nil {
		return err
	}
	return supersededClaim(id)
}

func claimKey(job core.RetryJob) (string, string, error) {
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return "", "", core.NewBadInputError("id", "job id is required")
	}
	token := strings.TrimSpace(job.ClaimToken)
	if token == "" {
		return "", "", core.NewConflictError(fmt.Sprintf("retry job %q was not claimed", id))
	}
	return id, token, nil
}

func supersededClaim(id string) error {
	return core.NewConflictError(fmt.Sprintf("retry job %q claim was superseded", id))
}

func payloadToMap(payload any) (map[string]any, error) {
	var raw []byte
	switch typed := payload.(type) {
	case json.RawMessage:
		raw = typed
	case []byte:
		raw = typed
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return out, nil
}

func (r *retryJobRecord) toDomain() core.RetryJob {
	if r == nil {
		return core.RetryJob{}
	}
	job := core.RetryJob{
		ID:            r.ID,
		JobType:       core.JobType(r.JobType),
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		Status:        core.JobStatus(r.Status),
		LastError:     r.LastError,
		ClaimToken:    r.ClaimToken,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if payload, err := json.Marshal(r.Payload); err == nil {
		job.Payload = payload
	}
	if r.ClaimedAt != nil {
		value := r.ClaimedAt.UTC()
		job.ClaimedAt = &value
	}
	return job
}

const expiredClaimError = "claim expired without a report"

var (
	_ core.RetryQueue          = (*RetryJobStore)(nil)
	_ core.RetryQueueInspector = (*RetryJobStore)(nil)
)
