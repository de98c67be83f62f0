package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/transport"
	"github.com/redis/go-redis/v9"
)

// WebhookSink posts the JSON payload to an operator webhook.
type WebhookSink struct {
	URL     string
	REST    *transport.RESTAdapter
	Retrier *transport.Retrier
	Timeout time.Duration
}

func (WebhookSink) Name() string { return "webhook" }

func (s WebhookSink) Send(ctx context.Context, payload Payload) error {
	const operation = "alert_webhook_post"
	target := strings.TrimSpace(s.URL)
	if target == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rest := s.REST
	if rest == nil {
		rest = transport.NewRESTAdapter(nil)
	}
	call := func(ctx context.Context) error {
		res, err := rest.Do(ctx, transport.Request{
			Method:  http.MethodPost,
			URL:     target,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
			Timeout: s.Timeout,
		})
		if err != nil {
			return transport.ClassifyError(operation, err)
		}
		return transport.Classify(operation, res, time.Now().UTC())
	}
	if s.Retrier == nil {
		return call(ctx)
	}
	return s.Retrier.Do(ctx, operation, call)
}

// EmailSink mails a plain text rendering of the alert from the support
// mailbox.
type EmailSink struct {
	Sender        core.MailSender
	Mailbox       string
	To            string
	SubjectPrefix string
}

func (EmailSink) Name() string { return "email" }

func (s EmailSink) Send(ctx context.Context, payload Payload) error {
	if s.Sender == nil || strings.TrimSpace(s.To) == "" {
		return nil
	}
	return s.Sender.SendMail(ctx, core.SendMailPayload{
		Mailbox:     strings.TrimSpace(s.Mailbox),
		Recipient:   strings.TrimSpace(s.To),
		Subject:     strings.TrimSpace(s.SubjectPrefix + " " + payload.AlertType),
		BodyText:    RenderEmailBody(payload),
		SourceEvent: EventBridgeAlert,
	})
}

func RenderEmailBody(payload Payload) string {
	values := payload.Context
	if values == nil {
		values = map[string]any{}
	}
	encoded, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", values))
	}
	errText := payload.Error
	if strings.TrimSpace(errText) == "" {
		errText = "(none)"
	}
	return fmt.Sprintf("%s\n\nContext:\n%s\n\nError:\n%s\n", payload.Summary, encoded, errText)
}

// StreamAdder is the slice of the Redis client the stream sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends alerts to a Redis stream for downstream consumers.
type RedisStreamSink struct {
	Client StreamAdder
	Stream string
	MaxLen int64
}

func (RedisStreamSink) Name() string { return "redis_stream" }

func (s RedisStreamSink) Send(ctx context.Context, payload Payload) error {
	if s.Client == nil || strings.TrimSpace(s.Stream) == "" {
		return nil
	}
	contextJSON, err := json.Marshal(payload.Context)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: strings.TrimSpace(s.Stream),
		Values: map[string]any{
			"event":      payload.Event,
			"alert_type": payload.AlertType,
			"summary":    payload.Summary,
			"context":    string(contextJSON),
			"error":      payload.Error,
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	if err := s.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("alerts: xadd %s: %w", args.Stream, err)
	}
	return nil
}
