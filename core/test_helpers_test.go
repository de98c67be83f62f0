package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capturedLog, len(*l.records))
	copy(out, *l.records)
	return out
}

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu       sync.Mutex
	counters []capturedCounter
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *captureMetricsRecorder) total(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, counter := range m.counters {
		if counter.name == name {
			total += counter.value
		}
	}
	return total
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *captureNotifier) Notify(_ context.Context, alert Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *captureNotifier) snapshot() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

// memoryRetryQueue mirrors the durable queue semantics closely enough for
// worker tests.
type memoryRetryQueue struct {
	mu     sync.Mutex
	policy RetryPolicy
	now    func() time.Time
	next   int
	jobs   map[string]RetryJob
	order  []string

	successConflicts map[string]bool
	expired          []RetryJob
}

func newMemoryRetryQueue(policy RetryPolicy, now func() time.Time) *memoryRetryQueue {
	return &memoryRetryQueue{policy: policy, now: now, jobs: map[string]RetryJob{}, successConflicts: map[string]bool{}}
}

func (q *memoryRetryQueue) Enqueue(_ context.Context, in EnqueueJobInput) (RetryJob, error) {
	if err := in.Validate(); err != nil {
		return RetryJob{}, err
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return RetryJob{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.policy.MaxAttempts
	}
	job := RetryJob{
		ID:            fmt.Sprintf("job_%d", q.next),
		JobType:       in.JobType,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: q.now(),
		Status:        JobStatusPending,
		CreatedAt:     q.now(),
		UpdatedAt:     q.now(),
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return job, nil
}

func (q *memoryRetryQueue) ClaimBatch(_ context.Context, limit int) ([]RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := append([]RetryJob{}, q.expired...)
	q.expired = nil
	for _, id := range q.order {
		if len(out) >= limit {
			break
		}
		job := q.jobs[id]
		if job.Status != JobStatusPending || job.NextAttemptAt.After(now) {
			continue
		}
		claimedAt := now
		job.Status = JobStatusInFlight
		job.ClaimToken = fmt.Sprintf("claim_%s_%d", id, job.AttemptCount)
		job.ClaimedAt = &claimedAt
		q.jobs[id] = job
		out = append(out, job)
	}
	return out, nil
}

func (q *memoryRetryQueue) ReportSuccess(_ context.Context, job RetryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.successConflicts[job.ID] {
		return NewConflictError("claim superseded")
	}
	current, ok := q.jobs[job.ID]
	if !ok || current.Status != JobStatusInFlight || current.ClaimToken != job.ClaimToken {
		return NewConflictError("claim superseded")
	}
	current.Status = JobStatusSucceeded
	current.LastError = ""
	q.jobs[job.ID] = current
	return nil
}

func (q *memoryRetryQueue) ReportFailure(_ context.Context, job RetryJob, cause error) (RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.jobs[job.ID]
	if !ok || current.Status != JobStatusInFlight || current.ClaimToken != job.ClaimToken {
		return RetryJob{}, NewConflictError("claim superseded")
	}
	decision := q.policy.PlanFailure(current, cause, q.now())
	current.AttemptCount = decision.AttemptCount
	current.LastError = cause.Error()
	current.ClaimToken = ""
	current.ClaimedAt = nil
	if decision.DeadLetter {
		current.Status = JobStatusDeadLettered
	} else {
		current.Status = JobStatusPending
		current.NextAttemptAt = decision.NextAttemptAt
	}
	q.jobs[job.ID] = current
	return current, nil
}

func (q *memoryRetryQueue) Get(_ context.Context, id string) (RetryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return RetryJob{}, NewNotFoundError("job not found")
	}
	return job, nil
}

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]ProcessedMessage
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{records: map[string]ProcessedMessage{}}
}

func (s *memoryIdempotencyStore) TryClaim(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[messageID]; exists {
		return false, nil
	}
	s.records[messageID] = ProcessedMessage{MessageID: messageID, Outcome: MessageOutcomeInFlight}
	return true, nil
}

func (s *memoryIdempotencyStore) MarkOutcome(_ context.Context, messageID string, outcome MessageOutcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[messageID]
	if !ok {
		return NewNotFoundError("message not found")
	}
	if err := ValidateOutcomeTransition(record.Outcome, outcome); err != nil {
		return NewConflictError(err.Error())
	}
	record.Outcome = outcome
	record.Detail = detail
	s.records[messageID] = record
	return nil
}

func (s *memoryIdempotencyStore) Release(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, messageID)
	return nil
}

func (s *memoryIdempotencyStore) Get(_ context.Context, messageID string) (ProcessedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[messageID]
	if !ok {
		return ProcessedMessage{}, NewNotFoundError("message not found")
	}
	return record, nil
}

type stubSubscriptionProvider struct {
	mu            sync.Mutex
	byID          map[string]RemoteSubscription
	getErr        error
	listErr       error
	nextID        int
	createCalls   []CreateSubscriptionRequest
	renewCalls    []string
	renewExpiries []time.Time
	getCalls      int
	listCalls     int
}

func newStubSubscriptionProvider(subscriptions ...RemoteSubscription) *stubSubscriptionProvider {
	provider := &stubSubscriptionProvider{byID: map[string]RemoteSubscription{}}
	for _, subscription := range subscriptions {
		provider.byID[subscription.ID] = subscription
	}
	return provider
}

func (p *stubSubscriptionProvider) GetSubscription(_ context.Context, id string) (RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.getErr != nil {
		return RemoteSubscription{}, p.getErr
	}
	subscription, ok := p.byID[id]
	if !ok {
		return RemoteSubscription{}, NewNotFoundError("subscription not found")
	}
	return subscription, nil
}

func (p *stubSubscriptionProvider) ListSubscriptions(context.Context) ([]RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RemoteSubscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.byID[id])
	}
	return out, nil
}

func (p *stubSubscriptionProvider) CreateSubscription(_ context.Context, req CreateSubscriptionRequest) (RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.createCalls = append(p.createCalls, req)
	created := RemoteSubscription{
		ID:              fmt.Sprintf("sub_new_%d", p.nextID),
		Resource:        req.Resource,
		NotificationURL: req.NotificationURL,
		ChangeType:      req.ChangeType,
		ExpiresAt:       req.ExpiresAt,
	}
	p.byID[created.ID] = created
	return created, nil
}

func (p *stubSubscriptionProvider) RenewSubscription(_ context.Context, id string, expiresAt time.Time) (RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renewCalls = append(p.renewCalls, id)
	p.renewExpiries = append(p.renewExpiries, expiresAt)
	subscription, ok := p.byID[id]
	if !ok {
		return RemoteSubscription{}, NewNotFoundError("subscription not found")
	}
	subscription.ExpiresAt = expiresAt
	p.byID[id] = subscription
	return subscription, nil
}

func (p *stubSubscriptionProvider) mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.createCalls) + len(p.renewCalls)
}

type memorySubscriptionStore struct {
	mu      sync.Mutex
	records map[string]SubscriptionRecord
	upserts int
}

func newMemorySubscriptionStore() *memorySubscriptionStore {
	return &memorySubscriptionStore{records: map[string]SubscriptionRecord{}}
}

func (s *memorySubscriptionStore) Get(_ context.Context, resource string) (SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[resource]
	if !ok {
		return SubscriptionRecord{}, NewNotFoundError("subscription record not found")
	}
	return record, nil
}

func (s *memorySubscriptionStore) Upsert(_ context.Context, record SubscriptionRecord) (SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.records[record.Resource] = record
	return record, nil
}

type funcExecutor struct {
	jobType JobType
	fn      func(context.Context, RetryJob) error
}

func (e funcExecutor) JobType() JobType { return e.jobType }

func (e funcExecutor) Execute(ctx context.Context, job RetryJob) error { return e.fn(ctx, job) }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
