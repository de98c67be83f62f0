package query

import (
	"context"
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

type stubStatusReader struct {
	status core.SubscriptionStatus
	err    error
}

func (s stubStatusReader) Status(context.Context) (core.SubscriptionStatus, error) {
	return s.status, s.err
}

type stubInspector struct {
	counts map[core.JobStatus]int
	jobs   []core.RetryJob
	err    error

	listedStatus core.JobStatus
	listedLimit  int
}

func (s *stubInspector) CountByStatus(context.Context) (map[core.JobStatus]int, error) {
	return s.counts, s.err
}

func (s *stubInspector) ListByStatus(_ context.Context, status core.JobStatus, limit int) ([]core.RetryJob, error) {
	s.listedStatus = status
	s.listedLimit = limit
	return s.jobs, s.err
}

func TestSubscriptionStatusQuery_Delegates(t *testing.T) {
	reader := stubStatusReader{status: core.SubscriptionStatus{State: core.SubscriptionStateRenewalDue, SubscriptionID: "sub_1"}}
	status, err := NewSubscriptionStatusQuery(reader).Query(context.Background(), SubscriptionStatusMessage{})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.State != core.SubscriptionStateRenewalDue || status.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected status %#v", status)
	}

	failing := stubStatusReader{err: errors.New("graph down")}
	if _, err := NewSubscriptionStatusQuery(failing).Query(context.Background(), SubscriptionStatusMessage{}); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestRetryQueueStatsQuery_CountsPerStatus(t *testing.T) {
	inspector := &stubInspector{counts: map[core.JobStatus]int{
		core.JobStatusPending:      3,
		core.JobStatusInFlight:     1,
		core.JobStatusDeadLettered: 2,
	}}
	stats, err := NewRetryQueueStatsQuery(inspector).Query(context.Background(), RetryQueueStatsMessage{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.Pending != 3 || stats.InFlight != 1 || stats.Succeeded != 0 || stats.DeadLettered != 2 || stats.Total != 6 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestListDeadLettersQuery_DefaultsLimit(t *testing.T) {
	inspector := &stubInspector{jobs: []core.RetryJob{{ID: "job_1", Status: core.JobStatusDeadLettered}}}
	jobs, err := NewListDeadLettersQuery(inspector).Query(context.Background(), ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(jobs) != 1 || inspector.listedStatus != core.JobStatusDeadLettered || inspector.listedLimit != DefaultDeadLetterLimit {
		t.Fatalf("unexpected listing %#v status=%s limit=%d", jobs, inspector.listedStatus, inspector.listedLimit)
	}

	if _, err := NewListDeadLettersQuery(inspector).Query(context.Background(), ListDeadLettersMessage{Limit: 5}); err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if inspector.listedLimit != 5 {
		t.Fatalf("expected explicit limit, got %d", inspector.listedLimit)
	}
}

func TestListDeadLettersMessage_ValidateReturnsRichError(t *testing.T) {
	err := (ListDeadLettersMessage{Limit: -1}).Validate()
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ErrorBadInput || rich.Code != http.StatusBadRequest {
		t.Fatalf("unexpected envelope %q %d", rich.TextCode, rich.Code)
	}
	if validation := rich.AllValidationErrors(); len(validation) == 0 || validation[0].Field != "limit" {
		t.Fatalf("expected limit validation field, got %#v", validation)
	}
	if err := (ListDeadLettersMessage{Limit: MaxDeadLetterLimit + 1}).Validate(); err == nil {
		t.Fatalf("expected oversized limit to be rejected")
	}
}

func TestQueries_NilDependencyReturnsRichError(t *testing.T) {
	var q *RetryQueueStatsQuery
	_, err := q.Query(context.Background(), RetryQueueStatsMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.ErrorInternal {
		t.Fatalf("unexpected envelope %q %q", rich.Category, rich.TextCode)
	}
}
