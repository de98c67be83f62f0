package query

import (
	"context"

	"github.com/goliatone/go-helpdesk-bridge/core"
)

type SubscriptionStatusReader interface {
	Status(ctx context.Context) (core.SubscriptionStatus, error)
}

// RetryQueueStats counts jobs per status.
type RetryQueueStats struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	Succeeded    int `json:"succeeded"`
	DeadLettered int `json:"dead_lettered"`
	Total        int `json:"total"`
}

type SubscriptionStatusQuery struct {
	reader SubscriptionStatusReader
}

func NewSubscriptionStatusQuery(reader SubscriptionStatusReader) *SubscriptionStatusQuery {
	return &SubscriptionStatusQuery{reader: reader}
}

func (q *SubscriptionStatusQuery) Query(ctx context.Context, _ SubscriptionStatusMessage) (core.SubscriptionStatus, error) {
	if q == nil || q.reader == nil {
		return core.SubscriptionStatus{}, queryDependencyError("query: subscription manager is required")
	}
	return q.reader.Status(ctx)
}

type RetryQueueStatsQuery struct {
	inspector core.RetryQueueInspector
}

func NewRetryQueueStatsQuery(inspector core.RetryQueueInspector) *RetryQueueStatsQuery {
	return &RetryQueueStatsQuery{inspector: inspector}
}

func (q *RetryQueueStatsQuery) Query(ctx context.Context, _ RetryQueueStatsMessage) (RetryQueueStats, error) {
	if q == nil || q.inspector == nil {
		return RetryQueueStats{}, queryDependencyError("query: retry queue inspector is required")
	}
	counts, err := q.inspector.CountByStatus(ctx)
	if err != nil {
		return RetryQueueStats{}, err
	}
	stats := RetryQueueStats{
		Pending:      counts[core.JobStatusPending],
		InFlight:     counts[core.JobStatusInFlight],
		Succeeded:    counts[core.JobStatusSucceeded],
		DeadLettered: counts[core.JobStatusDeadLettered],
	}
	for _, count := range counts {
		stats.Total += count
	}
	return stats, nil
}

type ListDeadLettersQuery struct {
	inspector core.RetryQueueInspector
}

func NewListDeadLettersQuery(inspector core.RetryQueueInspector) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{inspector: inspector}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.RetryJob, error) {
	if q == nil || q.inspector == nil {
		return nil, queryDependencyError("query: retry queue inspector is required")
	}
	limit := msg.Limit
	if limit == 0 {
		limit = DefaultDeadLetterLimit
	}
	return q.inspector.ListByStatus(ctx, core.JobStatusDeadLettered, limit)
}
