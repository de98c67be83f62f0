// Package github posts issue comments through the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/transport"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultBaseURL = "https://api.github.com"
	APIVersion     = "2022-11-28"
	UserAgent      = "github-issue-email-parser"

	defaultTimeout = 20 * time.Second
)

type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

func ConfigFromCore(cfg core.Config) Config {
	return Config{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.APIBaseURL,
		Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	}
}

type Option func(*Client)

func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithRetrier(retrier *transport.Retrier) Option {
	return func(c *Client) {
		if retrier != nil {
			c.retrier = retrier
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		c.logger = glog.Ensure(logger)
	}
}

func WithClock(clock core.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

type Client struct {
	cfg        Config
	httpClient transport.HTTPDoer
	rest       *transport.RESTAdapter
	retrier    *transport.Retrier
	logger     core.Logger
	now        core.Clock
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := &Client{
		cfg:     cfg,
		retrier: &transport.Retrier{MaxAttempts: 1},
		logger:  glog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.rest = transport.NewRESTAdapter(client.httpClient)
	client.rest.DefaultHeaders["Accept"] = "application/vnd.github+json"
	client.rest.DefaultHeaders["X-GitHub-Api-Version"] = APIVersion
	client.rest.DefaultHeaders["User-Agent"] = UserAgent
	return client, nil
}

// CreateIssueComment posts payload.Body on the issue.
func (c *Client) CreateIssueComment(ctx context.Context, payload core.IssueCommentPayload) error {
	const operation = "github_create_issue_comment"
	if c == nil || c.rest == nil {
		return core.NewTerminalDeliveryError(operation, fmt.Errorf("github: client is not configured"))
	}
	if err := payload.Validate(); err != nil {
		return core.NewTerminalDeliveryError(operation, err)
	}
	body, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: payload.Body})
	if err != nil {
		return core.NewTerminalDeliveryError(operation, err)
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments",
		url.PathEscape(strings.TrimSpace(payload.Owner)),
		url.PathEscape(strings.TrimSpace(payload.Repo)),
		payload.IssueNumber,
	)

	err = c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		res, err := c.rest.Do(ctx, transport.Request{
			Method: http.MethodPost,
			URL:    c.cfg.BaseURL + path,
			Headers: map[string]string{
				"Authorization": "Bearer " + c.cfg.Token,
				"Content-Type":  "application/json",
			},
			Body:    body,
			Timeout: c.cfg.Timeout,
		})
		if err != nil {
			return transport.ClassifyError(operation, err)
		}
		return c.classify(operation, res)
	})
	if err != nil {
		return err
	}
	core.LogEvent(ctx, c.logger, "info", "github_comment_created", map[string]any{
		"owner":        payload.Owner,
		"repo":         payload.Repo,
		"issue_number": payload.IssueNumber,
	})
	return nil
}

// classify treats a primary rate limit (403 with no remaining quota) as
// transient and schedules the retry for the quota reset.
func (c *Client) classify(operation string, res transport.Response) error {
	now := c.now()
	if res.StatusCode == http.StatusForbidden && isRateLimited(res) {
		statusErr := &transport.StatusError{Operation: operation, StatusCode: res.StatusCode, Body: string(res.Body)}
		return core.NewTransientDeliveryError(operation, statusErr, rateLimitReset(res.Headers, now))
	}
	return transport.Classify(operation, res, now)
}

func isRateLimited(res transport.Response) bool {
	if strings.TrimSpace(res.Headers.Get("X-RateLimit-Remaining")) == "0" {
		return true
	}
	return strings.Contains(strings.ToLower(string(res.Body)), "rate limit")
}

func rateLimitReset(headers http.Header, now time.Time) time.Duration {
	if delay, ok := transport.ParseRetryAfter(headers.Get("Retry-After"), now); ok {
		return delay
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(headers.Get("X-RateLimit-Reset")), 10, 64)
	if err != nil || epoch <= 0 {
		return 0
	}
	delay := time.Unix(epoch, 0).Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

var _ core.IssueCommenter = (*Client)(nil)
