package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/providers/graph"
)

type memoryLedger struct {
	mu       sync.Mutex
	records  map[string]core.ProcessedMessage
	claimErr error
	released []string
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{records: map[string]core.ProcessedMessage{}}
}

func (l *memoryLedger) TryClaim(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return false, l.claimErr
	}
	if _, ok := l.records[id]; ok {
		return false, nil
	}
	l.records[id] = core.ProcessedMessage{MessageID: id, Outcome: core.MessageOutcomeInFlight}
	return true, nil
}

func (l *memoryLedger) MarkOutcome(_ context.Context, id string, outcome core.MessageOutcome, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[id]
	if !ok {
		return core.NewNotFoundError("not found")
	}
	if err := core.ValidateOutcomeTransition(record.Outcome, outcome); err != nil {
		return core.NewConflictError(err.Error())
	}
	record.Outcome = outcome
	record.Detail = detail
	l.records[id] = record
	return nil
}

func (l *memoryLedger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	if record, ok := l.records[id]; ok && record.Outcome == core.MessageOutcomeInFlight {
		delete(l.records, id)
	}
	return nil
}

func (l *memoryLedger) Get(_ context.Context, id string) (core.ProcessedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[id]
	if !ok {
		return core.ProcessedMessage{}, core.NewNotFoundError("not found")
	}
	return record, nil
}

func (l *memoryLedger) outcome(id string) core.MessageOutcome {
	record, err := l.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return record.Outcome
}

func (l *memoryLedger) detail(id string) string {
	record, _ := l.Get(context.Background(), id)
	return record.Detail
}

type memoryThreads struct {
	mu      sync.Mutex
	threads map[int]core.IssueThread
	err     error
}

func newMemoryThreads(threads ...core.IssueThread) *memoryThreads {
	store := &memoryThreads{threads: map[int]core.IssueThread{}}
	for _, thread := range threads {
		store.threads[thread.IssueNumber] = thread
	}
	return store
}

func (s *memoryThreads) Upsert(_ context.Context, thread core.IssueThread) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return core.IssueThread{}, s.err
	}
	s.threads[thread.IssueNumber] = thread
	return thread, nil
}

func (s *memoryThreads) GetByIssue(_ context.Context, issue int) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return core.IssueThread{}, s.err
	}
	thread, ok := s.threads[issue]
	if !ok {
		return core.IssueThread{}, core.NewNotFoundError("thread not found")
	}
	return thread, nil
}

func (s *memoryThreads) GetByToken(_ context.Context, token string) (core.IssueThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.threads {
		if thread.Token == token {
			return thread, nil
		}
	}
	return core.IssueThread{}, core.NewNotFoundError("thread not found")
}

type memoryQueue struct {
	mu   sync.Mutex
	jobs []core.RetryJob
	err  error
}

func (q *memoryQueue) Enqueue(_ context.Context, in core.EnqueueJobInput) (core.RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return core.RetryJob{}, q.err
	}
	payload, _ := json.Marshal(in.Payload)
	job := core.RetryJob{
		ID:        fmt.Sprintf("job-%d", len(q.jobs)+1),
		JobType:   in.JobType,
		Payload:   payload,
		Status:    core.JobStatusPending,
		LastError: in.LastError,
	}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *memoryQueue) ClaimBatch(context.Context, int) ([]core.RetryJob, error) { return nil, nil }

func (q *memoryQueue) ReportSuccess(context.Context, core.RetryJob) error { return nil }

func (q *memoryQueue) ReportFailure(_ context.Context, job core.RetryJob, _ error) (core.RetryJob, error) {
	return job, nil
}

func (q *memoryQueue) Get(context.Context, string) (core.RetryJob, error) {
	return core.RetryJob{}, core.NewNotFoundError("not found")
}

type stubCommenter struct {
	mu       sync.Mutex
	err      error
	comments []core.IssueCommentPayload
}

func (c *stubCommenter) CreateIssueComment(_ context.Context, payload core.IssueCommentPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, payload)
	return c.err
}

type stubMailer struct {
	mu   sync.Mutex
	err  error
	sent []core.SendMailPayload
}

func (m *stubMailer) SendMail(_ context.Context, payload core.SendMailPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return m.err
}

type stubFetcher struct {
	messages map[string]graph.Message
	err      error
	calls    int
}

func (f *stubFetcher) GetMessage(_ context.Context, mailbox string, id string) (graph.Message, error) {
	f.calls++
	if f.err != nil {
		return graph.Message{}, f.err
	}
	message, ok := f.messages[id]
	if !ok {
		return graph.Message{}, core.NewTerminalDeliveryError("graph_get_message", fmt.Errorf("no message %s in %s", id, mailbox))
	}
	return message, nil
}

type captureAlerts struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (a *captureAlerts) Notify(_ context.Context, alert core.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *captureAlerts) types() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		names = append(names, alert.Type)
	}
	return strings.Join(names, ",")
}
