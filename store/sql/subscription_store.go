package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SubscriptionStore keeps at most one authoritative subscription record per
// resource.
type SubscriptionStore struct {
	db   *bun.DB
	repo repository.Repository[*subscriptionRecord]
	now  core.Clock
}

func NewSubscriptionStore(db *bun.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &SubscriptionStore{
		db:   db,
		repo: repo,
		now:  utcNow,
	}, nil
}

func (s *SubscriptionStore) Upsert(ctx context.Context, in core.SubscriptionRecord) (core.SubscriptionRecord, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.SubscriptionRecord{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	in.Resource = strings.TrimSpace(in.Resource)
	in.SubscriptionID = strings.TrimSpace(in.SubscriptionID)
	in.NotificationURL = strings.TrimSpace(in.NotificationURL)
	if in.Resource == "" {
		return core.SubscriptionRecord{}, core.NewBadInputError("resource", "resource is required")
	}
	if in.SubscriptionID == "" {
		return core.SubscriptionRecord{}, core.NewBadInputError("subscription_id", "subscription id is required")
	}
	if in.ExpiresAt.IsZero() {
		return core.SubscriptionRecord{}, core.NewBadInputError("expires_at", "expiry is required")
	}
	now := s.now().UTC()

	var out core.SubscriptionRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := s.findByResourceTx(ctx, tx, in.Resource)
		if err != nil {
			return err
		}
		if existing == nil {
			record := &subscriptionRecord{
				ID:              uuid.NewString(),
				Resource:        in.Resource,
				SubscriptionID:  in.SubscriptionID,
				NotificationURL: in.NotificationURL,
				ClientState:     in.ClientState,
				ExpiresAt:       in.ExpiresAt.UTC(),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if _, createErr := tx.NewInsert().Model(record).Exec(ctx); createErr != nil {
				return createErr
			}
			out = record.toDomain()
			return nil
		}

		existing.SubscriptionID = in.SubscriptionID
		existing.NotificationURL = in.NotificationURL
		existing.ClientState = in.ClientState
		existing.ExpiresAt = in.ExpiresAt.UTC()
		existing.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().
			Model(existing).
			Where("id = ?", existing.ID).
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = existing.toDomain()
		return nil
	})
	if err != nil {
		return core.SubscriptionRecord{}, unavailable("upsert_subscription", err)
	}
	return out, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, resource string) (core.SubscriptionRecord, error) {
	if s == nil || s.repo == nil {
		return core.SubscriptionRecord{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	resource = strings.TrimSpace(resource)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("resource", "=", resource),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.SubscriptionRecord{}, unavailable("get_subscription", err)
	}
	if len(records) == 0 {
		return core.SubscriptionRecord{}, core.NewNotFoundError(
			fmt.Sprintf("subscription record for resource %q not found", resource),
		)
	}
	return records[0].toDomain(), nil
}

func (s *SubscriptionStore) findByResourceTx(ctx context.Context, tx bun.Tx, resource string) (*subscriptionRecord, error) {
	record := &subscriptionRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.resource = ?", resource).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (r *subscriptionRecord) toDomain() core.SubscriptionRecord {
	if r == nil {
		return core.SubscriptionRecord{}
	}
	return core.SubscriptionRecord{
		SubscriptionID:  r.SubscriptionID,
		Resource:        r.Resource,
		NotificationURL: r.NotificationURL,
		ClientState:     r.ClientState,
		ExpiresAt:       r.ExpiresAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

var _ core.SubscriptionStore = (*SubscriptionStore)(nil)
