package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	SubscriptionSourceNone       = "none"
	SubscriptionSourcePinned     = "pinned"
	SubscriptionSourceStored     = "stored"
	SubscriptionSourceDiscovered = "discovered"
	SubscriptionSourceProvider   = "provider"

	defaultSubscriptionChangeType = "created"
)

type EnsureAction string

const (
	EnsureActionNone    EnsureAction = "none"
	EnsureActionCreated EnsureAction = "created"
	EnsureActionRenewed EnsureAction = "renewed"
)

// SubscriptionSettings describes the single mailbox subscription the bridge
// maintains.
type SubscriptionSettings struct {
	Resource        string
	NotificationURL string
	ClientState     string
	PinnedID        string
	Lifetime        time.Duration
	RenewalWindow   time.Duration
}

type SubscriptionStatus struct {
	State            SubscriptionState `json:"state"`
	SubscriptionID   string            `json:"subscription_id,omitempty"`
	Resource         string            `json:"resource,omitempty"`
	ExpiresAt        *time.Time        `json:"expiration_utc,omitempty"`
	MinutesRemaining *int              `json:"minutes_remaining,omitempty"`
	Source           string            `json:"source"`
}

func (s SubscriptionStatus) Healthy() bool {
	return s.State == SubscriptionStateHealthy
}

type EnsureResult struct {
	Action     EnsureAction       `json:"action"`
	Status     SubscriptionStatus `json:"status"`
	PreviousID string             `json:"previous_subscription_id,omitempty"`
}

type SubscriptionManagerOption func(*SubscriptionManager)

func WithSubscriptionClock(clock Clock) SubscriptionManagerOption {
	return func(m *SubscriptionManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

func WithSubscriptionLogger(logger Logger) SubscriptionManagerOption {
	return func(m *SubscriptionManager) { m.logger = logger }
}

func WithSubscriptionMetrics(metrics MetricsRecorder) SubscriptionManagerOption {
	return func(m *SubscriptionManager) { m.metrics = metrics }
}

func WithSubscriptionNotifier(notifier AlertNotifier) SubscriptionManagerOption {
	return func(m *SubscriptionManager) { m.notifier = notifier }
}

// SubscriptionManager keeps exactly one change notification subscription
// alive for the configured resource. It never retries provider calls itself.
type SubscriptionManager struct {
	provider SubscriptionProvider
	store    SubscriptionStore
	settings SubscriptionSettings
	notifier AlertNotifier
	logger   Logger
	metrics  MetricsRecorder
	now      Clock
	obs      observer
}

func NewSubscriptionManager(
	provider SubscriptionProvider,
	store SubscriptionStore,
	settings SubscriptionSettings,
	opts ...SubscriptionManagerOption,
) (*SubscriptionManager, error) {
	if provider == nil {
		return nil, fmt.Errorf("core: subscription provider is required")
	}
	settings.Resource = strings.TrimSpace(settings.Resource)
	settings.NotificationURL = strings.TrimSpace(settings.NotificationURL)
	settings.PinnedID = strings.TrimSpace(settings.PinnedID)
	if settings.Resource == "" {
		return nil, fmt.Errorf("core: subscription resource is required")
	}
	if settings.Lifetime <= 0 {
		settings.Lifetime = time.Duration(ClampSubscriptionLifetime(DefaultConfig().Graph.SubscriptionLifetimeMinutes)) * time.Minute
	}
	if settings.RenewalWindow < 0 {
		settings.RenewalWindow = 0
	}
	manager := &SubscriptionManager{
		provider: provider,
		store:    store,
		settings: settings,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.notifier == nil {
		manager.notifier = NopAlertNotifier{}
	}
	manager.obs = newObserver("subscription", manager.logger, manager.metrics)
	return manager, nil
}

// Status reports the current lifecycle state without mutating anything.
func (m *SubscriptionManager) Status(ctx context.Context) (status SubscriptionStatus, err error) {
	startedAt := time.Now()
	defer func() {
		m.obs.observe(ctx, startedAt, "status", err, map[string]any{
			"resource":        m.settings.Resource,
			"state":           string(status.State),
			"subscription_id": status.SubscriptionID,
		})
	}()

	remote, source, err := m.findExisting(ctx)
	if err != nil {
		return SubscriptionStatus{}, err
	}
	return m.statusFor(remote, source), nil
}

// Ensure converges the remote subscription to healthy and persists the
// authoritative record. Running it again right after a success is a no-op.
func (m *SubscriptionManager) Ensure(ctx context.Context) (result EnsureResult, err error) {
	startedAt := time.Now()
	defer func() {
		m.obs.observe(ctx, startedAt, "ensure", err, map[string]any{
			"resource":        m.settings.Resource,
			"action":          string(result.Action),
			"state":           string(result.Status.State),
			"subscription_id": result.Status.SubscriptionID,
		})
	}()

	if m.settings.NotificationURL == "" {
		return EnsureResult{}, NewBadInputError("graph.notification_url", "notification url is required for subscription lifecycle operations")
	}
	if strings.TrimSpace(m.settings.ClientState) == "" {
		return EnsureResult{}, NewBadInputError("graph.client_state", "client state is required for subscription lifecycle operations")
	}

	remote, source, err := m.findExisting(ctx)
	if err != nil {
		return EnsureResult{}, err
	}
	status := m.statusFor(remote, source)
	target := m.now().Add(m.settings.Lifetime).UTC().Truncate(time.Second)

	switch status.State {
	case SubscriptionStateHealthy:
		if err := m.syncRecord(ctx, *remote); err != nil {
			return EnsureResult{}, err
		}
		return EnsureResult{Action: EnsureActionNone, Status: status}, nil

	case SubscriptionStateRenewalDue:
		renewed, err := m.provider.RenewSubscription(ctx, remote.ID, target)
		if err != nil {
			return EnsureResult{}, err
		}
		renewed = m.fillRemote(renewed, *remote)
		if err := m.syncRecord(ctx, renewed); err != nil {
			return EnsureResult{}, err
		}
		return EnsureResult{
			Action:     EnsureActionRenewed,
			Status:     m.statusFor(&renewed, SubscriptionSourceProvider),
			PreviousID: remote.ID,
		}, nil

	default:
		created, err := m.provider.CreateSubscription(ctx, CreateSubscriptionRequest{
			Resource:        m.settings.Resource,
			NotificationURL: m.settings.NotificationURL,
			ClientState:     m.settings.ClientState,
			ChangeType:      defaultSubscriptionChangeType,
			ExpiresAt:       target,
		})
		if err != nil {
			return EnsureResult{}, err
		}
		created = m.fillRemote(created, RemoteSubscription{
			Resource:        m.settings.Resource,
			NotificationURL: m.settings.NotificationURL,
			ClientState:     m.settings.ClientState,
			ExpiresAt:       target,
		})
		if err := m.syncRecord(ctx, created); err != nil {
			return EnsureResult{}, err
		}
		outcome := EnsureResult{
			Action: EnsureActionCreated,
			Status: m.statusFor(&created, SubscriptionSourceProvider),
		}
		if remote != nil {
			outcome.PreviousID = remote.ID
		}
		return outcome, nil
	}
}

// AlertIfUnhealthy raises an alert for any state other than healthy and
// reports whether it did.
func (m *SubscriptionManager) AlertIfUnhealthy(ctx context.Context, status SubscriptionStatus) bool {
	if status.Healthy() {
		return false
	}
	fields := map[string]any{
		"state":    string(status.State),
		"resource": m.settings.Resource,
	}
	if status.SubscriptionID != "" {
		fields["subscription_id"] = status.SubscriptionID
	}
	if status.MinutesRemaining != nil {
		fields["minutes_remaining"] = *status.MinutesRemaining
	}
	m.notifier.Notify(ctx, Alert{
		Type:    AlertSubscriptionUnhealthy,
		Summary: fmt.Sprintf("Mailbox subscription for %s is %s", m.settings.Resource, status.State),
		Context: fields,
	})
	return true
}

func (m *SubscriptionManager) findExisting(ctx context.Context) (*RemoteSubscription, string, error) {
	if m.settings.PinnedID != "" {
		remote, err := m.provider.GetSubscription(ctx, m.settings.PinnedID)
		switch {
		case err == nil:
			if !m.clientStateTrusted(remote.ClientState) {
				return nil, "", NewAuthenticationError(
					fmt.Sprintf("pinned subscription %s carries an unexpected client state", m.settings.PinnedID),
					nil,
				)
			}
			return &remote, SubscriptionSourcePinned, nil
		case IsNotFound(err):
			m.obs.log(ctx, "warn", "pinned subscription not found; falling back to discovery", map[string]any{
				"subscription_id": m.settings.PinnedID,
			})
		default:
			return nil, "", err
		}
	}

	remote, err := m.findStored(ctx)
	if err != nil {
		return nil, "", err
	}
	if remote != nil {
		return remote, SubscriptionSourceStored, nil
	}

	if m.settings.NotificationURL == "" {
		return nil, SubscriptionSourceNone, nil
	}
	subscriptions, err := m.provider.ListSubscriptions(ctx)
	if err != nil {
		return nil, "", err
	}
	matches := make([]RemoteSubscription, 0, 1)
	for _, candidate := range subscriptions {
		if !strings.EqualFold(strings.TrimSpace(candidate.Resource), m.settings.Resource) {
			continue
		}
		if strings.TrimSpace(candidate.NotificationURL) != m.settings.NotificationURL {
			continue
		}
		if !m.clientStateTrusted(candidate.ClientState) {
			continue
		}
		matches = append(matches, candidate)
	}
	switch len(matches) {
	case 0:
		return nil, SubscriptionSourceNone, nil
	case 1:
		return &matches[0], SubscriptionSourceDiscovered, nil
	default:
		ids := make([]string, 0, len(matches))
		for _, match := range matches {
			ids = append(ids, match.ID)
		}
		sort.Strings(ids)
		return nil, "", NewSubscriptionAmbiguousError(m.settings.Resource, ids)
	}
}

// findStored verifies the locally recorded subscription against the provider.
// A record written under a different client state is ignored.
func (m *SubscriptionManager) findStored(ctx context.Context) (*RemoteSubscription, error) {
	if m.store == nil {
		return nil, nil
	}
	record, err := m.store.Get(ctx, m.settings.Resource)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	id := strings.TrimSpace(record.SubscriptionID)
	if id == "" {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(record.ClientState), []byte(m.settings.ClientState)) != 1 {
		m.obs.log(ctx, "warn", "local subscription record has a foreign client state; ignoring it", map[string]any{
			"subscription_id": id,
		})
		return nil, nil
	}
	remote, err := m.provider.GetSubscription(ctx, id)
	switch {
	case err == nil:
	case IsNotFound(err):
		m.obs.log(ctx, "warn", "recorded subscription not found; falling back to discovery", map[string]any{
			"subscription_id": id,
		})
		return nil, nil
	default:
		return nil, err
	}
	if !m.clientStateTrusted(remote.ClientState) {
		m.obs.log(ctx, "warn", "recorded subscription carries an unexpected client state; ignoring it", map[string]any{
			"subscription_id": id,
		})
		return nil, nil
	}
	if remote.ID == "" {
		remote.ID = id
	}
	return &remote, nil
}

// clientStateTrusted accepts an empty remote value because the provider does
// not always echo clientState back on reads.
func (m *SubscriptionManager) clientStateTrusted(remote string) bool {
	if remote == "" || m.settings.ClientState == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(remote), []byte(m.settings.ClientState)) == 1
}

func (m *SubscriptionManager) statusFor(remote *RemoteSubscription, source string) SubscriptionStatus {
	if remote == nil {
		return SubscriptionStatus{
			State:    SubscriptionStateMissing,
			Resource: m.settings.Resource,
			Source:   SubscriptionSourceNone,
		}
	}
	status := SubscriptionStatus{
		SubscriptionID: remote.ID,
		Resource:       firstNonEmpty(remote.Resource, m.settings.Resource),
		Source:         source,
	}
	if remote.ExpiresAt.IsZero() {
		status.State = SubscriptionStateExpired
		return status
	}
	now := m.now()
	expiresAt := remote.ExpiresAt.UTC()
	remaining := int(math.Floor(expiresAt.Sub(now).Minutes()))
	status.ExpiresAt = &expiresAt
	status.MinutesRemaining = &remaining
	status.State = ComputeSubscriptionState(expiresAt, now, m.settings.RenewalWindow)
	return status
}

// fillRemote backfills fields the provider omitted from a mutation response.
func (m *SubscriptionManager) fillRemote(remote RemoteSubscription, fallback RemoteSubscription) RemoteSubscription {
	if remote.ID == "" {
		remote.ID = fallback.ID
	}
	remote.Resource = firstNonEmpty(remote.Resource, fallback.Resource, m.settings.Resource)
	remote.NotificationURL = firstNonEmpty(remote.NotificationURL, fallback.NotificationURL, m.settings.NotificationURL)
	remote.ClientState = firstNonEmpty(remote.ClientState, fallback.ClientState, m.settings.ClientState)
	if remote.ExpiresAt.IsZero() {
		remote.ExpiresAt = fallback.ExpiresAt
	}
	return remote
}

func (m *SubscriptionManager) syncRecord(ctx context.Context, remote RemoteSubscription) error {
	if m.store == nil {
		return nil
	}
	desired := SubscriptionRecord{
		SubscriptionID:  remote.ID,
		Resource:        m.settings.Resource,
		NotificationURL: firstNonEmpty(remote.NotificationURL, m.settings.NotificationURL),
		ClientState:     m.settings.ClientState,
		ExpiresAt:       remote.ExpiresAt.UTC(),
	}
	current, err := m.store.Get(ctx, m.settings.Resource)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err == nil && sameSubscriptionRecord(current, desired) {
		return nil
	}
	_, err = m.store.Upsert(ctx, desired)
	return err
}

func sameSubscriptionRecord(a SubscriptionRecord, b SubscriptionRecord) bool {
	return a.SubscriptionID == b.SubscriptionID &&
		a.NotificationURL == b.NotificationURL &&
		a.ClientState == b.ClientState &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
