package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/uptrace/bun"
)

// ProcessedMessageStore is the inbound idempotency ledger. A message id can
// be claimed exactly once; terminal outcomes never change afterwards.
type ProcessedMessageStore struct {
	db  *bun.DB
	now core.Clock
}

func NewProcessedMessageStore(db *bun.DB) (*ProcessedMessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &ProcessedMessageStore{db: db, now: utcNow}, nil
}

func (s *ProcessedMessageStore) WithClock(clock core.Clock) *ProcessedMessageStore {
	if s != nil && clock != nil {
		s.now = clock
	}
	return s
}

// TryClaim inserts the message id in a single conditional statement. It
// returns false when the id is already recorded, whatever its outcome.
func (s *ProcessedMessageStore) TryClaim(ctx context.Context, messageID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: processed message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, core.NewBadInputError("message_id", "message id is required")
	}
	now := s.now().UTC()
	record := &processedMessageRecord{
		MessageID: messageID,
		Outcome:   string(core.MessageOutcomeInFlight),
		ClaimedAt: now,
		UpdatedAt: now,
	}
	result, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (message_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, unavailable("try_claim", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return false, unavailable("try_claim", err)
	}
	return affected == 1, nil
}

// MarkOutcome records the outcome of a claimed message. Repeating the same
// terminal outcome is a no-op; any other change away from a terminal outcome
// is a conflict.
func (s *ProcessedMessageStore) MarkOutcome(
	ctx context.Context,
	messageID string,
	outcome core.MessageOutcome,
	detail string,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: processed message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return core.NewBadInputError("message_id", "message id is required")
	}
	if !outcome.Valid() || outcome == core.MessageOutcomeInFlight {
		return core.NewBadInputError("outcome", fmt.Sprintf("unsupported outcome %q", outcome))
	}

	current, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if current.Outcome == outcome && outcome.Terminal() {
		return nil
	}
	if err := core.ValidateOutcomeTransition(current.Outcome, outcome); err != nil {
		return core.NewConflictError(err.Error())
	}

	now := s.now().UTC()
	sources := make([]string, 0, 2)
	for _, source := range core.OutcomeSources(outcome) {
		sources = append(sources, string(source))
	}
	query := s.db.NewUpdate().
		Model((*processedMessageRecord)(nil)).
		Set("outcome = ?", string(outcome)).
		Set("detail = ?", strings.TrimSpace(detail)).
		Set("updated_at = ?", now).
		Where("message_id = ?", messageID).
		Where("outcome IN (?)", bun.In(sources))
	if outcome.Terminal() {
		query = query.Set("processed_at = ?", now)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return unavailable("mark_outcome", err)
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return unavailable("mark_outcome", err)
	}
	if affected == 0 {
		// Lost a race with another writer; accept only an identical result.
		latest, getErr := s.Get(ctx, messageID)
		if getErr != nil {
			return getErr
		}
		if latest.Outcome == outcome && outcome.Terminal() {
			return nil
		}
		return core.NewConflictError(fmt.Sprintf(
			"message %q moved to %s before %s could be recorded",
			messageID,
			latest.Outcome,
			outcome,
		))
	}
	return nil
}

// Release forgets an in-flight claim so the message can be processed again.
// Records that reached any other outcome are kept.
func (s *ProcessedMessageStore) Release(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: processed message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return core.NewBadInputError("message_id", "message id is required")
	}
	_, err := s.db.NewDelete().
		Model((*processedMessageRecord)(nil)).
		Where("message_id = ?", messageID).
		Where("outcome = ?", string(core.MessageOutcomeInFlight)).
		Exec(ctx)
	return unavailable("release", err)
}

func (s *ProcessedMessageStore) Get(ctx context.Context, messageID string) (core.ProcessedMessage, error) {
	if s == nil || s.db == nil {
		return core.ProcessedMessage{}, fmt.Errorf("sqlstore: processed message store is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	record := &processedMessageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.message_id = ?", messageID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.ProcessedMessage{}, core.NewNotFoundError(
				fmt.Sprintf("processed message %q not found", messageID),
			)
		}
		return core.ProcessedMessage{}, unavailable("get_processed_message", err)
	}
	return record.toDomain(), nil
}

func (r *processedMessageRecord) toDomain() core.ProcessedMessage {
	if r == nil {
		return core.ProcessedMessage{}
	}
	message := core.ProcessedMessage{
		MessageID: r.MessageID,
		Outcome:   core.MessageOutcome(r.Outcome),
		Detail:    r.Detail,
		ClaimedAt: r.ClaimedAt,
	}
	if r.ProcessedAt != nil {
		value := r.ProcessedAt.UTC()
		message.ProcessedAt = &value
	}
	return message
}

func utcNow() time.Time {
	return time.Now().UTC()
}

var _ core.IdempotencyStore = (*ProcessedMessageStore)(nil)
