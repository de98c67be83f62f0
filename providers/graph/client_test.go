package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/transport"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	base := []Option{
		WithHTTPClient(server.Client()),
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "graph-token"})),
	}
	client, err := New(Config{BaseURL: server.URL}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSendMail_PostsTextMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.SendMail(context.Background(), core.SendMailPayload{
		Mailbox:   "support@example.com",
		Recipient: "alice@example.com",
		Subject:   "Re: issue",
		BodyText:  "hello",
	})
	if err != nil {
		t.Fatalf("send mail: %v", err)
	}
	if gotPath != "/users/support@example.com/sendMail" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer graph-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	message := gotBody["message"].(map[string]any)
	if message["subject"] != "Re: issue" || gotBody["saveToSentItems"] != "true" {
		t.Fatalf("unexpected body %#v", gotBody)
	}
	body := message["body"].(map[string]any)
	if body["contentType"] != "Text" || body["content"] != "hello" {
		t.Fatalf("unexpected message body %#v", body)
	}
	recipients := message["toRecipients"].([]any)
	address := recipients[0].(map[string]any)["emailAddress"].(map[string]any)["address"]
	if address != "alice@example.com" {
		t.Fatalf("unexpected recipient %v", address)
	}
}

func TestSendMail_ClassifiesFailures(t *testing.T) {
	status := http.StatusServiceUnavailable
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(status)
	})
	payload := core.SendMailPayload{Mailbox: "s@example.com", Recipient: "a@example.com", Subject: "x"}

	err := client.SendMail(context.Background(), payload)
	if !core.IsTransientDelivery(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if delay, ok := core.RetryAfter(err); !ok || delay != 4*time.Second {
		t.Fatalf("expected retry-after 4s, got %v %v", delay, ok)
	}

	status = http.StatusBadRequest
	if err := client.SendMail(context.Background(), payload); !core.IsTerminalDelivery(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestSendMail_RetriesThroughRetrier(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}, WithRetrier(&transport.Retrier{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}))

	err := client.SendMail(context.Background(), core.SendMailPayload{Mailbox: "s@example.com", Recipient: "a@example.com", Subject: "x"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestGetMessage_SelectsFieldsAndNormalizesSender(t *testing.T) {
	var gotSelect string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSelect = r.URL.Query().Get("$select")
		if r.URL.Path != "/users/support@example.com/messages/AAMk1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{
			"id": "AAMk1",
			"internetMessageId": "<m1@example.com>",
			"subject": "Re: [Issue #4] Printer",
			"body": {"contentType": "html", "content": "<p>hi</p>"},
			"from": {"emailAddress": {"address": "Alice@Example.com", "name": "Alice"}}
		}`)
	})

	message, err := client.GetMessage(context.Background(), "support@example.com", "AAMk1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if gotSelect != "internetMessageId,subject,body,from" {
		t.Fatalf("unexpected $select %q", gotSelect)
	}
	if message.InternetMessageID != "<m1@example.com>" || message.From != "alice@example.com" {
		t.Fatalf("unexpected message %+v", message)
	}
	if message.BodyContentType != "html" || message.BodyContent != "<p>hi</p>" {
		t.Fatalf("unexpected body %+v", message)
	}
}

func TestSubscriptions_CRUD(t *testing.T) {
	var created, renewed map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions/missing":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions/sub-1":
			_, _ = io.WriteString(w, `{"id":"sub-1","resource":"users/s/messages","changeType":"created","expirationDateTime":"2026-03-01T10:00:00.0000000Z"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions":
			_, _ = io.WriteString(w, `{"value":[{"id":"sub-1","resource":"users/s/messages"},{"id":"sub-2","resource":"other"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"sub-3","resource":"users/s/messages","expirationDateTime":"2026-03-02T00:00:00Z"}`)
		case r.Method == http.MethodPatch && r.URL.Path == "/subscriptions/sub-1":
			_ = json.NewDecoder(r.Body).Decode(&renewed)
			_, _ = io.WriteString(w, `{"id":"sub-1","expirationDateTime":"2026-03-05T00:00:00Z"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	if _, err := client.GetSubscription(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	remote, err := client.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !remote.ExpiresAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %v", remote.ExpiresAt)
	}

	list, err := client.ListSubscriptions(ctx)
	if err != nil || len(list) != 2 || list[1].ID != "sub-2" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}

	expiry := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	made, err := client.CreateSubscription(ctx, core.CreateSubscriptionRequest{
		Resource:        "users/s/messages",
		NotificationURL: "https://bridge.example.com/webhooks/graph",
		ClientState:     "state",
		ExpiresAt:       expiry,
	})
	if err != nil || made.ID != "sub-3" {
		t.Fatalf("create subscription: %+v %v", made, err)
	}
	if created["changeType"] != "created" || created["clientState"] != "state" ||
		created["expirationDateTime"] != "2026-03-02T00:00:00Z" {
		t.Fatalf("unexpected create body %#v", created)
	}

	renewedSub, err := client.RenewSubscription(ctx, "sub-1", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil || !renewedSub.ExpiresAt.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("renew subscription: %+v %v", renewedSub, err)
	}
	if len(renewed) != 1 || renewed["expirationDateTime"] != "2026-03-05T00:00:00Z" {
		t.Fatalf("unexpected renew body %#v", renewed)
	}
}

func TestClientCredentialsTokenIsFetchedOnceAndReused(t *testing.T) {
	var tokenCalls int32
	var gotForm string
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		_ = r.ParseForm()
		gotForm = r.PostForm.Get("grant_type") + "|" + r.PostForm.Get("scope") + "|" + r.PostForm.Get("client_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"value":[]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := New(Config{
		TenantID:     "tenant-1",
		ClientID:     "client",
		ClientSecret: "secret",
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/%s/token",
	}, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.ListSubscriptions(context.Background()); err != nil {
			t.Fatalf("list subscriptions: %v", err)
		}
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Fatalf("expected one token request, got %d", tokenCalls)
	}
	if gotForm != "client_credentials|"+DefaultScope+"|client" {
		t.Fatalf("unexpected token form %q", gotForm)
	}
}

func TestNew_RequiresCredentialsWithoutTokenSource(t *testing.T) {
	if _, err := New(Config{TenantID: "t"}); err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}

func TestClassifyTokenError(t *testing.T) {
	rejected := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadRequest}}
	if !core.IsTerminalDelivery(classifyTokenError(rejected)) {
		t.Fatalf("expected rejected credentials to be terminal")
	}
	throttled := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}
	if !core.IsTransientDelivery(classifyTokenError(throttled)) {
		t.Fatalf("expected throttled token endpoint to be transient")
	}
	if !core.IsTransientDelivery(classifyTokenError(errors.New("dial tcp: refused"))) {
		t.Fatalf("expected network token failure to be transient")
	}
}
