package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/bootstrap"
	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/providers/graph"
	glog "github.com/goliatone/go-logger/glog"
)

const testResource = "/users/support@example.com/mailFolders('Inbox')/messages"

func TestParseFlagsMode(t *testing.T) {
	parsed, err := parseFlags([]string{"--mode", " Ensure "})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if parsed.mode != modeEnsure {
		t.Fatalf("expected ensure mode, got %q", parsed.mode)
	}
	parsed, err = parseFlags(nil)
	if err != nil || parsed.mode != modeStatus {
		t.Fatalf("expected status default, got %q err=%v", parsed.mode, err)
	}
	if _, err := parseFlags([]string{"--mode", "delete"}); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestStatusMissingExitsNonZeroAndAlerts(t *testing.T) {
	mail := newFakeMailbox()
	var out bytes.Buffer
	code, err := run(context.Background(), testConfig(), modeStatus, testOptions(mail), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != core.ExitCodeFailure {
		t.Fatalf("expected exit %d, got %d", core.ExitCodeFailure, code)
	}
	var status core.SubscriptionStatus
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		t.Fatalf("decode status %q: %v", out.String(), err)
	}
	if status.State != core.SubscriptionStateMissing {
		t.Fatalf("expected missing, got %q", status.State)
	}
	if !mail.sentSubjectContains(core.AlertSubscriptionUnhealthy) {
		t.Fatalf("expected unhealthy alert email, sent %#v", mail.sent)
	}
}

func TestEnsureCreatesThenStatusIsHealthy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mail := newFakeMailbox()

	var out bytes.Buffer
	code, err := run(ctx, cfg, modeEnsure, testOptions(mail), &out)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if code != core.ExitCodeClean {
		t.Fatalf("expected exit %d, got %d", core.ExitCodeClean, code)
	}
	var result core.EnsureResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode ensure result %q: %v", out.String(), err)
	}
	if result.Action != core.EnsureActionCreated || result.Status.SubscriptionID != "sub-1" {
		t.Fatalf("unexpected ensure result %#v", result)
	}

	out.Reset()
	code, err = run(ctx, cfg, modeStatus, testOptions(mail), &out)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if code != core.ExitCodeClean {
		t.Fatalf("expected healthy exit %d, got %d (%s)", core.ExitCodeClean, code, out.String())
	}
	if len(mail.sent) != 0 {
		t.Fatalf("expected no alerts, got %d", len(mail.sent))
	}
}

func TestEnsureFailureAlerts(t *testing.T) {
	mail := newFakeMailbox()
	mail.createErr = core.NewTransientDeliveryError("create_subscription", fmt.Errorf("graph unavailable"), 0)

	var out bytes.Buffer
	code, err := run(context.Background(), testConfig(), modeEnsure, testOptions(mail), &out)
	if !core.IsTransientDelivery(err) {
		t.Fatalf("expected the provider error through the dispatcher, got %v", err)
	}
	if code != core.ExitCodeFailure {
		t.Fatalf("expected exit %d, got %d", core.ExitCodeFailure, code)
	}
	if !strings.Contains(out.String(), `"action": "failed"`) {
		t.Fatalf("expected failure document, got %s", out.String())
	}
	if !mail.sentSubjectContains(core.AlertSubscriptionEnsureFailed) {
		t.Fatalf("expected ensure failure alert email, sent %#v", mail.sent)
	}
}

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Database.DSN = fmt.Sprintf("file:lifecycle-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	cfg.Graph.SupportMailbox = "support@example.com"
	cfg.Graph.SubscriptionResource = testResource
	cfg.Graph.NotificationURL = "https://bridge.example.com/webhooks/graph"
	cfg.Graph.ClientState = "client-state"
	cfg.Alerts.EmailTo = "oncall@example.com"
	return cfg
}

func testOptions(mail *fakeMailbox) bootstrap.Options {
	return bootstrap.Options{
		Logger: glog.Nop(),
		Mail:   mail,
	}
}

// fakeMailbox keeps subscriptions in memory and records sent mail.
type fakeMailbox struct {
	mu            sync.Mutex
	subscriptions map[string]core.RemoteSubscription
	sent          []core.SendMailPayload
	createErr     error
	nextID        int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{subscriptions: map[string]core.RemoteSubscription{}}
}

func (f *fakeMailbox) SendMail(_ context.Context, payload core.SendMailPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeMailbox) sentSubjectContains(value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, payload := range f.sent {
		if strings.Contains(payload.Subject, value) {
			return true
		}
	}
	return false
}

func (f *fakeMailbox) GetMessage(context.Context, string, string) (graph.Message, error) {
	return graph.Message{}, core.NewNotFoundError("message not found")
}

func (f *fakeMailbox) GetSubscription(_ context.Context, id string) (core.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscription, ok := f.subscriptions[id]
	if !ok {
		return core.RemoteSubscription{}, core.NewNotFoundError("subscription not found")
	}
	return subscription, nil
}

func (f *fakeMailbox) ListSubscriptions(context.Context) ([]core.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.RemoteSubscription, 0, len(f.subscriptions))
	for _, subscription := range f.subscriptions {
		out = append(out, subscription)
	}
	return out, nil
}

func (f *fakeMailbox) CreateSubscription(_ context.Context, req core.CreateSubscriptionRequest) (core.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return core.RemoteSubscription{}, f.createErr
	}
	f.nextID++
	subscription := core.RemoteSubscription{
		ID:              fmt.Sprintf("sub-%d", f.nextID),
		Resource:        req.Resource,
		NotificationURL: req.NotificationURL,
		ChangeType:      req.ChangeType,
		ClientState:     req.ClientState,
		ExpiresAt:       req.ExpiresAt,
	}
	f.subscriptions[subscription.ID] = subscription
	return subscription, nil
}

func (f *fakeMailbox) RenewSubscription(_ context.Context, id string, expiresAt time.Time) (core.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscription, ok := f.subscriptions[id]
	if !ok {
		return core.RemoteSubscription{}, core.NewNotFoundError("subscription not found")
	}
	subscription.ExpiresAt = expiresAt
	f.subscriptions[subscription.ID] = subscription
	return subscription, nil
}
