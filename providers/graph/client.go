// Package graph is a minimal Microsoft Graph client for the support mailbox:
// sending mail, reading inbound messages and managing change notification
// subscriptions.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/transport"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultBaseURL  = "https://graph.microsoft.com/v1.0"
	DefaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	DefaultScope    = "https://graph.microsoft.com/.default"

	tokenEarlyExpiry = 2 * time.Minute
	defaultTimeout   = 20 * time.Second
)

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	Timeout      time.Duration
}

// ConfigFromCore maps the graph section of the bridge config.
func ConfigFromCore(cfg core.Config) Config {
	return Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		BaseURL:      cfg.Graph.APIBaseURL,
		TokenURL:     cfg.Graph.TokenURL,
		Timeout:      time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	}
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTokenSource replaces the client credentials flow.
func WithTokenSource(source oauth2.TokenSource) Option {
	return func(c *Client) {
		if source != nil {
			c.tokens = source
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
	httpClient *http.Client
	rest       *transport.RESTAdapter
	tokens     oauth2.TokenSource
	retrier    *transport.Retrier
	logger     core.Logger
	now        core.Clock
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retrier:    &transport.Retrier{MaxAttempts: 1},
		logger:     glog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.rest = transport.NewRESTAdapter(client.httpClient)
	client.rest.DefaultHeaders["Accept"] = "application/json"

	if client.tokens == nil {
		tenant := strings.TrimSpace(cfg.TenantID)
		if tenant == "" || strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
			return nil, fmt.Errorf("graph: tenant id, client id and client secret are required")
		}
		tokenURL := cfg.TokenURL
		if strings.Contains(tokenURL, "%s") {
			tokenURL = fmt.Sprintf(tokenURL, url.PathEscape(tenant))
		}
		credentials := clientcredentials.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			TokenURL:     tokenURL,
			Scopes:       []string{DefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client.httpClient)
		client.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, credentials.TokenSource(tokenCtx), tokenEarlyExpiry)
	}
	return client, nil
}

// Message is the subset of a mailbox message the bridge reads.
type Message struct {
	ID                string
	InternetMessageID string
	Subject           string
	BodyContentType   string
	BodyContent       string
	From              string
}

type messageResource struct {
	ID                string `json:"id"`
	InternetMessageID string `json:"internetMessageId"`
	Subject           string `json:"subject"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"from"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type sendMailRequest struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients []recipient `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems string `json:"saveToSentItems"`
}

type subscriptionResource struct {
	ID                 string `json:"id,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
}

// SendMail sends a plain text message from payload.Mailbox.
func (c *Client) SendMail(ctx context.Context, payload core.SendMailPayload) error {
	if err := payload.Validate(); err != nil {
		return core.NewTerminalDeliveryError("graph_send_mail", err)
	}
	var body sendMailRequest
	body.Message.Subject = payload.Subject
	body.Message.Body.ContentType = "Text"
	body.Message.Body.Content = payload.BodyText
	body.Message.ToRecipients = []recipient{{EmailAddress: emailAddress{Address: strings.TrimSpace(payload.Recipient)}}}
	body.SaveToSentItems = "true"

	path := "/users/" + url.PathEscape(strings.TrimSpace(payload.Mailbox)) + "/sendMail"
	if err := c.call(ctx, "graph_send_mail", http.MethodPost, path, nil, body, nil); err != nil {
		return err
	}
	core.LogEvent(ctx, c.logger, "info", "graph_send_mail_success", map[string]any{
		"mailbox":      payload.Mailbox,
		"recipient":    payload.Recipient,
		"issue_number": payload.IssueNumber,
	})
	return nil
}

func (c *Client) GetMessage(ctx context.Context, mailbox string, messageID string) (Message, error) {
	mailbox = strings.TrimSpace(mailbox)
	messageID = strings.TrimSpace(messageID)
	if mailbox == "" || messageID == "" {
		return Message{}, core.NewBadInputError("message_id", "mailbox and message id are required")
	}
	var resource messageResource
	path := "/users/" + url.PathEscape(mailbox) + "/messages/" + url.PathEscape(messageID)
	query := map[string]string{"$select": "internetMessageId,subject,body,from"}
	if err := c.call(ctx, "graph_get_message", http.MethodGet, path, query, nil, &resource); err != nil {
		return Message{}, err
	}
	return Message{
		ID:                resource.ID,
		InternetMessageID: resource.InternetMessageID,
		Subject:           resource.Subject,
		BodyContentType:   resource.Body.ContentType,
		BodyContent:       resource.Body.Content,
		From:              strings.ToLower(strings.TrimSpace(resource.From.EmailAddress.Address)),
	}, nil
}

// GetSubscription returns a NotFound error when the provider no longer knows
// the id.
func (c *Client) GetSubscription(ctx context.Context, id string) (core.RemoteSubscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.RemoteSubscription{}, core.NewBadInputError("subscription_id", "subscription id is required")
	}
	var resource subscriptionResource
	err := c.call(ctx, "graph_get_subscription", http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, nil, &resource)
	if err != nil {
		if code, ok := transport.StatusCode(err); ok && code == http.StatusNotFound {
			return core.RemoteSubscription{}, core.NewNotFoundError(fmt.Sprintf("graph subscription %q not found", id))
		}
		return core.RemoteSubscription{}, err
	}
	return resource.toCore()
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]core.RemoteSubscription, error) {
	var page struct {
		Value []subscriptionResource `json:"value"`
	}
	if err := c.call(ctx, "graph_list_subscriptions", http.MethodGet, "/subscriptions", nil, nil, &page); err != nil {
		return nil, err
	}
	out := make([]core.RemoteSubscription, 0, len(page.Value))
	for _, resource := range page.Value {
		subscription, err := resource.toCore()
		if err != nil {
			return nil, err
		}
		out = append(out, subscription)
	}
	return out, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req core.CreateSubscriptionRequest) (core.RemoteSubscription, error) {
	changeType := strings.TrimSpace(req.ChangeType)
	if changeType == "" {
		changeType = "created"
	}
	body := subscriptionResource{
		ChangeType:         changeType,
		NotificationURL:    strings.TrimSpace(req.NotificationURL),
		Resource:           strings.TrimSpace(req.Resource),
		ExpirationDateTime: formatExpiry(req.ExpiresAt),
		ClientState:        req.ClientState,
	}
	var resource subscriptionResource
	if err := c.call(ctx, "graph_create_subscription", http.MethodPost, "/subscriptions", nil, body, &resource); err != nil {
		return core.RemoteSubscription{}, err
	}
	return resource.toCore()
}

func (c *Client) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (core.RemoteSubscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.RemoteSubscription{}, core.NewBadInputError("subscription_id", "subscription id is required")
	}
	body := subscriptionResource{ExpirationDateTime: formatExpiry(expiresAt)}
	var resource subscriptionResource
	err := c.call(ctx, "graph_renew_subscription", http.MethodPatch, "/subscriptions/"+url.PathEscape(id), nil, body, &resource)
	if err != nil {
		if code, ok := transport.StatusCode(err); ok && code == http.StatusNotFound {
			return core.RemoteSubscription{}, core.NewNotFoundError(fmt.Sprintf("graph subscription %q not found", id))
		}
		return core.RemoteSubscription{}, err
	}
	return resource.toCore()
}

// call runs one Graph request through the retrier and decodes a JSON reply
// into out when given.
func (c *Client) call(
	ctx context.Context,
	operation string,
	method string,
	path string,
	query map[string]string,
	body any,
	out any,
) error {
	if c == nil || c.rest == nil || c.tokens == nil {
		return core.NewTerminalDeliveryError(operation, fmt.Errorf("graph: client is not configured"))
	}
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return core.NewTerminalDeliveryError(operation, err)
		}
		payload = encoded
	}
	return c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		token, err := c.tokens.Token()
		if err != nil {
			return classifyTokenError(err)
		}
		headers := map[string]string{"Authorization": "Bearer " + token.AccessToken}
		if payload != nil {
			headers["Content-Type"] = "application/json"
		}
		res, err := c.rest.Do(ctx, transport.Request{
			Method:  method,
			URL:     c.cfg.BaseURL + path,
			Headers: headers,
			Query:   query,
			Body:    payload,
			Timeout: c.cfg.Timeout,
		})
		if err != nil {
			return transport.ClassifyError(operation, err)
		}
		if err := transport.Classify(operation, res, c.now()); err != nil {
			return err
		}
		if out == nil || len(res.Body) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Body, out); err != nil {
			return core.NewTerminalDeliveryError(operation, fmt.Errorf("graph: decode response: %w", err))
		}
		return nil
	})
}

func classifyTokenError(err error) error {
	const operation = "graph_token_request"
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		if transport.IsTransientStatus(retrieve.Response.StatusCode) {
			return core.NewTransientDeliveryError(operation, err, 0)
		}
		return core.NewTerminalDeliveryError(operation, err)
	}
	return core.NewTransientDeliveryError(operation, err, 0)
}

func (r subscriptionResource) toCore() (core.RemoteSubscription, error) {
	out := core.RemoteSubscription{
		ID:              r.ID,
		Resource:        r.Resource,
		NotificationURL: r.NotificationURL,
		ChangeType:      r.ChangeType,
		ClientState:     r.ClientState,
	}
	if strings.TrimSpace(r.ExpirationDateTime) != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r.ExpirationDateTime))
		if err != nil {
			return core.RemoteSubscription{}, core.NewTerminalDeliveryError(
				"graph_parse_subscription",
				fmt.Errorf("graph: invalid expirationDateTime %q: %w", r.ExpirationDateTime, err),
			)
		}
		out.ExpiresAt = expiresAt.UTC()
	}
	return out, nil
}

func formatExpiry(at time.Time) string {
	return at.UTC().Format(time.RFC3339)
}

var (
	_ core.SubscriptionProvider = (*Client)(nil)
	_ core.MailSender           = (*Client)(nil)
)
