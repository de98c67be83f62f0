package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/webhooks"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type MailReplyHandler interface {
	Process(ctx context.Context, notifications []webhooks.GraphNotification) (webhooks.MailReplyResult, error)
}

type IssueEventHandler interface {
	Process(ctx context.Context, event string, deliveryID string, body []byte) (webhooks.IssueEventResult, error)
}

type SignatureVerifier interface {
	Verify(headers http.Header, body []byte) error
}

// Options wires the router. Graph and GitHub routes are only mounted when
// their handler is set.
type Options struct {
	Env          string
	Graph        MailReplyHandler
	GitHub       IssueEventHandler
	Verifier     SignatureVerifier
	Alerts       core.AlertNotifier
	Logger       core.Logger
	MaxBodyBytes int64
}

type server struct {
	opts Options
}

func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.GitHub != nil && opts.Verifier == nil {
		return nil, fmt.Errorf("inbound: github handler requires a signature verifier")
	}
	if opts.Alerts == nil {
		opts.Alerts = core.NopAlertNotifier{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	opts.Logger = glog.Ensure(opts.Logger)
	s := &server{opts: opts}

	router := gin.New()
	router.Use(Recovery(opts.Logger))
	router.Use(RequestLogger(opts.Logger))

	router.GET("/health", s.health)
	if opts.Graph != nil {
		group := router.Group("/webhooks/graph")
		group.GET("", s.graphValidation)
		group.POST("", s.graphNotification)
	}
	if opts.GitHub != nil {
		router.POST("/webhooks/github", s.githubDelivery)
	}
	return router, nil
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "env": s.opts.Env})
}

func (s *server) graphValidation(c *gin.Context) {
	token := c.Query("validationToken")
	if token == "" {
		abortWithError(c, inboundBadInput("missing validationToken", nil))
		return
	}
	c.String(http.StatusOK, token)
}

func (s *server) graphNotification(c *gin.Context) {
	// Subscription creation handshakes arrive as a POST with the token in
	// the query string.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}
	ctx := c.Request.Context()

	body, ok := s.readBody(c)
	if !ok {
		return
	}
	var batch webhooks.GraphNotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		s.log(ctx, "warn", "invalid graph webhook payload", map[string]any{"event": "graph_webhook_invalid_json"})
		abortWithError(c, inboundBadInput("invalid JSON payload", nil))
		return
	}
	s.log(ctx, "info", "received graph webhook", map[string]any{
		"event":         "graph_webhook_received",
		"notifications": len(batch.Value),
	})

	result, err := s.opts.Graph.Process(ctx, batch.Value)
	if err != nil {
		s.opts.Alerts.Notify(ctx, core.Alert{
			Type:    core.AlertGraphWebhookError,
			Summary: "Unhandled error while processing Graph webhook",
			Context: map[string]any{"notifications": len(batch.Value)},
			Err:     err,
		})
		_ = c.Error(err)
		abortWithError(c, inboundInternal("graph webhook processing error", nil))
		return
	}
	s.log(ctx, "info", "graph webhook processed", map[string]any{
		"event":     "graph_webhook_processed",
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"deferred":  result.Deferred,
		"failed":    result.Failed,
	})
	c.JSON(http.StatusAccepted, result)
}

func (s *server) githubDelivery(c *gin.Context) {
	ctx := c.Request.Context()
	event := c.GetHeader(webhooks.GitHubEventHeader)
	deliveryID := c.GetHeader(webhooks.GitHubDeliveryHeader)

	body, ok := s.readBody(c)
	if !ok {
		return
	}
	s.log(ctx, "info", "received github webhook", map[string]any{
		"event":        "github_webhook_received",
		"github_event": event,
		"delivery_id":  deliveryID,
	})
	if err := s.opts.Verifier.Verify(c.Request.Header, body); err != nil {
		s.log(ctx, "warn", "rejected github webhook signature", map[string]any{
			"event":       "github_webhook_unauthorized",
			"delivery_id": deliveryID,
			"error":       err.Error(),
		})
		abortWithError(c, inboundUnauthorized("invalid webhook signature"))
		return
	}

	result, err := s.opts.GitHub.Process(ctx, event, deliveryID, body)
	if err != nil {
		if core.IsBadInput(err) {
			abortWithError(c, inboundBadInput("invalid github event payload", map[string]any{"github_event": event}))
			return
		}
		s.opts.Alerts.Notify(ctx, core.Alert{
			Type:    core.AlertGitHubWebhookError,
			Summary: "Unhandled error while processing GitHub webhook",
			Context: map[string]any{"github_event": event, "delivery_id": deliveryID},
			Err:     err,
		})
		_ = c.Error(err)
		abortWithError(c, inboundInternal("github webhook processing error", nil))
		return
	}
	s.log(ctx, "info", "github webhook processed", map[string]any{
		"event":        "github_webhook_processed",
		"github_event": event,
		"status":       result.Status,
		"issue_number": result.IssueNumber,
	})
	c.JSON(http.StatusOK, result)
}

func (s *server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, inboundError(
				"request body too large",
				goerrors.CategoryBadInput,
				http.StatusRequestEntityTooLarge,
				core.ErrorBadInput,
				map[string]any{"limit": s.opts.MaxBodyBytes},
			))
			return nil, false
		}
		abortWithError(c, inboundBadInput("failed to read request body", nil))
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		abortWithError(c, inboundBadInput("empty request body", nil))
		return nil, false
	}
	return body, true
}

func (s *server) log(ctx context.Context, level string, message string, fields map[string]any) {
	core.LogEvent(ctx, s.opts.Logger, level, message, fields)
}
