package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	testResource        = "users/support@example.com/mailFolders('Inbox')/messages"
	testNotificationURL = "https://bridge.example.com/webhooks/graph"
	testClientState     = "client-state-secret"
)

func testSubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		Resource:        testResource,
		NotificationURL: testNotificationURL,
		ClientState:     testClientState,
		Lifetime:        2880 * time.Minute,
		RenewalWindow:   360 * time.Minute,
	}
}

func newTestManager(t *testing.T, provider *stubSubscriptionProvider, store SubscriptionStore, settings SubscriptionSettings, now time.Time) *SubscriptionManager {
	t.Helper()
	manager, err := NewSubscriptionManager(provider, store, settings,
		WithSubscriptionClock(func() time.Time { return now }),
		WithSubscriptionLogger(stubLogger{}),
	)
	if err != nil {
		t.Fatalf("new subscription manager: %v", err)
	}
	return manager
}

func TestSubscriptionManager_RenewsWhenInsideRenewalWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(RemoteSubscription{
		ID:              "sub_1",
		Resource:        testResource,
		NotificationURL: testNotificationURL,
		ExpiresAt:       now.Add(120 * time.Minute),
	})
	store := newMemorySubscriptionStore()
	manager := newTestManager(t, provider, store, testSubscriptionSettings(), now)

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != SubscriptionStateRenewalDue || status.MinutesRemaining == nil || *status.MinutesRemaining != 120 {
		t.Fatalf("expected renewal_due with 120 minutes, got %#v", status)
	}
	if provider.mutations() != 0 {
		t.Fatalf("status must not mutate the provider")
	}

	result, err := manager.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if result.Action != EnsureActionRenewed || result.Status.SubscriptionID != "sub_1" {
		t.Fatalf("expected renewal of sub_1, got %#v", result)
	}
	if len(provider.renewExpiries) != 1 || !provider.renewExpiries[0].Equal(now.Add(2880*time.Minute)) {
		t.Fatalf("expected renewal to now+2880m, got %#v", provider.renewExpiries)
	}
	if result.Status.State != SubscriptionStateHealthy {
		t.Fatalf("expected healthy after renewal, got %q", result.Status.State)
	}
	record, err := store.Get(ctx, testResource)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.SubscriptionID != "sub_1" || !record.ExpiresAt.Equal(now.Add(2880*time.Minute)) {
		t.Fatalf("unexpected persisted record: %#v", record)
	}

	again, err := manager.Ensure(ctx)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if again.Action != EnsureActionNone || provider.mutations() != 1 {
		t.Fatalf("expected second ensure to be a no-op, got %#v", again)
	}
}

func TestSubscriptionManager_CreatesWhenMissing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(RemoteSubscription{
		ID:              "sub_other",
		Resource:        "users/other@example.com/messages",
		NotificationURL: testNotificationURL,
		ExpiresAt:       now.Add(48 * time.Hour),
	})
	store := newMemorySubscriptionStore()
	manager := newTestManager(t, provider, store, testSubscriptionSettings(), now)

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != SubscriptionStateMissing {
		t.Fatalf("expected missing, got %q", status.State)
	}

	result, err := manager.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if result.Action != EnsureActionCreated || len(provider.createCalls) != 1 {
		t.Fatalf("expected exactly one create, got %#v", result)
	}
	created := provider.createCalls[0]
	if created.ClientState != testClientState || created.ChangeType != "created" || created.Resource != testResource {
		t.Fatalf("unexpected create request: %#v", created)
	}
	record, err := store.Get(ctx, testResource)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.SubscriptionID != result.Status.SubscriptionID || record.ClientState != testClientState {
		t.Fatalf("unexpected persisted record: %#v", record)
	}
}

func TestSubscriptionManager_ExpiredIsRecreated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(RemoteSubscription{
		ID:              "sub_old",
		Resource:        testResource,
		NotificationURL: testNotificationURL,
		ExpiresAt:       now,
	})
	manager := newTestManager(t, provider, newMemorySubscriptionStore(), testSubscriptionSettings(), now)

	result, err := manager.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if result.Action != EnsureActionCreated || result.PreviousID != "sub_old" {
		t.Fatalf("expected recreate replacing sub_old, got %#v", result)
	}
	if len(provider.renewCalls) != 0 {
		t.Fatalf("expired subscriptions must not be renewed")
	}
}

func TestSubscriptionManager_AmbiguousMatchesFailBothOperations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(
		RemoteSubscription{ID: "sub_a", Resource: testResource, NotificationURL: testNotificationURL, ExpiresAt: now.Add(48 * time.Hour)},
		RemoteSubscription{ID: "sub_b", Resource: testResource, NotificationURL: testNotificationURL, ExpiresAt: now.Add(48 * time.Hour)},
	)
	manager := newTestManager(t, provider, newMemorySubscriptionStore(), testSubscriptionSettings(), now)

	if _, err := manager.Status(ctx); !IsSubscriptionAmbiguous(err) {
		t.Fatalf("expected ambiguity from status, got %v", err)
	}
	if _, err := manager.Ensure(ctx); !IsSubscriptionAmbiguous(err) {
		t.Fatalf("expected ambiguity from ensure, got %v", err)
	}
	if provider.mutations() != 0 {
		t.Fatalf("ambiguity must not mutate the provider")
	}
}

func TestSubscriptionManager_IgnoresForeignClientState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(
		RemoteSubscription{ID: "sub_mine", Resource: testResource, NotificationURL: testNotificationURL, ClientState: testClientState, ExpiresAt: now.Add(48 * time.Hour)},
		RemoteSubscription{ID: "sub_foreign", Resource: testResource, NotificationURL: testNotificationURL, ClientState: "someone-else", ExpiresAt: now.Add(48 * time.Hour)},
	)
	manager := newTestManager(t, provider, newMemorySubscriptionStore(), testSubscriptionSettings(), now)

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.SubscriptionID != "sub_mine" || status.State != SubscriptionStateHealthy {
		t.Fatalf("expected healthy sub_mine, got %#v", status)
	}
}

func TestSubscriptionManager_HealthySyncsLocalRecordWithoutProviderCall(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := newStubSubscriptionProvider(RemoteSubscription{
		ID:              "sub_1",
		Resource:        testResource,
		NotificationURL: testNotificationURL,
		ExpiresAt:       now.Add(40 * time.Hour),
	})
	store := newMemorySubscriptionStore()
	manager := newTestManager(t, provider, store, testSubscriptionSettings(), now)

	for i := 0; i < 2; i++ {
		result, err := manager.Ensure(ctx)
		if err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
		if result.Action != EnsureActionNone {
			t.Fatalf("expected no action for healthy subscription, got %q", result.Action)
		}
	}
	if provider.mutations() != 0 {
		t.Fatalf("healthy subscription must not call the provider")
	}
	if store.upserts != 1 {
		t.Fatalf("expected one local sync, got %d", store.upserts)
	}
}

func TestSubscriptionManager_PinnedSubscription(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settings := testSubscriptionSettings()
	settings.PinnedID = "sub_pinned"

	provider := newStubSubscriptionProvider(RemoteSubscription{
		ID:          "sub_pinned",
		Resource:    testResource,
		ClientState: testClientState,
		ExpiresAt:   now.Add(48 * time.Hour),
	})
	manager := newTestManager(t, provider, nil, settings, now)
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Source != SubscriptionSourcePinned || status.State != SubscriptionStateHealthy {
		t.Fatalf("expected healthy pinned status, got %#v", status)
	}
	if provider.listCalls != 0 {
		t.Fatalf("pinned lookups must not list subscriptions")
	}

	tampered := newStubSubscriptionProvider(RemoteSubscription{
		ID:          "sub_pinned",
		Resource:    testResource,
		ClientState: "tampered",
		ExpiresAt:   now.Add(48 * time.Hour),
	})
	manager = newTestManager(t, tampered, nil, settings, now)
	if _, err := manager.Status(ctx); !IsAuthentication(err) {
		t.Fatalf("expected client state mismatch to fail, got %v", err)
	}

	gone := newStubSubscriptionProvider()
	manager = newTestManager(t, gone, nil, settings, now)
	status, err = manager.Status(ctx)
	if err != nil {
		t.Fatalf("status after pinned 404: %v", err)
	}
	if status.State != SubscriptionStateMissing || gone.listCalls != 1 {
		t.Fatalf("expected discovery fallback to report missing, got %#v", status)
	}
}

func TestSubscriptionManager_StatusReadsLocalRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settings := testSubscriptionSettings()
	settings.NotificationURL = ""

	remote := RemoteSubscription{
		ID:          "sub_1",
		Resource:    testResource,
		ClientState: testClientState,
		ExpiresAt:   now.Add(48 * time.Hour),
	}
	record := SubscriptionRecord{
		SubscriptionID: "sub_1",
		Resource:       testResource,
		ClientState:    testClientState,
		ExpiresAt:      now.Add(48 * time.Hour),
	}

	provider := newStubSubscriptionProvider(remote)
	store := newMemorySubscriptionStore()
	store.records[testResource] = record
	manager := newTestManager(t, provider, store, settings, now)

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != SubscriptionStateHealthy || status.SubscriptionID != "sub_1" || status.Source != SubscriptionSourceStored {
		t.Fatalf("expected healthy stored sub_1, got %#v", status)
	}
	if provider.getCalls != 1 || provider.listCalls != 0 {
		t.Fatalf("expected one provider lookup and no listing, got get=%d list=%d", provider.getCalls, provider.listCalls)
	}

	foreign := record
	foreign.ClientState = "someone-else"
	provider = newStubSubscriptionProvider(remote)
	store = newMemorySubscriptionStore()
	store.records[testResource] = foreign
	manager = newTestManager(t, provider, store, settings, now)
	status, err = manager.Status(ctx)
	if err != nil {
		t.Fatalf("status with foreign record: %v", err)
	}
	if status.State != SubscriptionStateMissing || provider.getCalls != 0 {
		t.Fatalf("foreign record must not be trusted, got %#v get=%d", status, provider.getCalls)
	}

	provider = newStubSubscriptionProvider(RemoteSubscription{
		ID:              "sub_2",
		Resource:        testResource,
		NotificationURL: testNotificationURL,
		ExpiresAt:       now.Add(48 * time.Hour),
	})
	store = newMemorySubscriptionStore()
	store.records[testResource] = record
	manager = newTestManager(t, provider, store, testSubscriptionSettings(), now)
	status, err = manager.Status(ctx)
	if err != nil {
		t.Fatalf("status with stale record: %v", err)
	}
	if status.SubscriptionID != "sub_2" || status.Source != SubscriptionSourceDiscovered {
		t.Fatalf("expected discovery after recorded 404, got %#v", status)
	}
	if provider.getCalls != 1 || provider.listCalls != 1 {
		t.Fatalf("expected lookup then listing, got get=%d list=%d", provider.getCalls, provider.listCalls)
	}

	provider = newStubSubscriptionProvider(remote)
	provider.getErr = NewTransientDeliveryError("get_subscription", errors.New("503"), 0)
	store = newMemorySubscriptionStore()
	store.records[testResource] = record
	manager = newTestManager(t, provider, store, settings, now)
	if _, err := manager.Status(ctx); !IsTransientDelivery(err) {
		t.Fatalf("expected lookup failure to surface, got %v", err)
	}
}

func TestSubscriptionManager_SurfacesProviderFailures(t *testing.T) {
	ctx := context.Background()
	provider := newStubSubscriptionProvider()
	provider.listErr = NewTransientDeliveryError("list_subscriptions", errors.New("503"), 0)
	manager := newTestManager(t, provider, nil, testSubscriptionSettings(), time.Now())
	if _, err := manager.Ensure(ctx); !IsTransientDelivery(err) {
		t.Fatalf("expected provider failure to surface, got %v", err)
	}
	if provider.listCalls != 1 {
		t.Fatalf("expected no internal retry, got %d list calls", provider.listCalls)
	}
}

func TestSubscriptionManager_EnsureRequiresNotificationURLAndClientState(t *testing.T) {
	settings := testSubscriptionSettings()
	settings.ClientState = ""
	manager := newTestManager(t, newStubSubscriptionProvider(), nil, settings, time.Now())
	if _, err := manager.Ensure(context.Background()); err == nil {
		t.Fatalf("expected missing client state error")
	}
}

func TestSubscriptionManager_AlertIfUnhealthy(t *testing.T) {
	notifier := &captureNotifier{}
	manager, err := NewSubscriptionManager(newStubSubscriptionProvider(), nil, testSubscriptionSettings(), WithSubscriptionNotifier(notifier))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.AlertIfUnhealthy(context.Background(), SubscriptionStatus{State: SubscriptionStateHealthy}) {
		t.Fatalf("healthy status must not alert")
	}
	if !manager.AlertIfUnhealthy(context.Background(), SubscriptionStatus{State: SubscriptionStateExpired, SubscriptionID: "sub_1"}) {
		t.Fatalf("expected alert for expired status")
	}
	alerts := notifier.snapshot()
	if len(alerts) != 1 || alerts[0].Type != AlertSubscriptionUnhealthy || alerts[0].Context["subscription_id"] != "sub_1" {
		t.Fatalf("unexpected alerts: %#v", alerts)
	}
}
