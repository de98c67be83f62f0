package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/security"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	EventIssues       = "issues"
	EventIssueComment = "issue_comment"

	StatusSent    = "sent"
	StatusQueued  = "queued"
	StatusFailed  = "failed"
	StatusIgnored = "ignored"

	defaultIssueTitle = "(no title)"
)

var supportedIssueActions = map[string]struct{}{
	"opened":   {},
	"edited":   {},
	"reopened": {},
	"closed":   {},
}

type githubUser struct {
	Login string `json:"login"`
}

type githubIssue struct {
	Number  int        `json:"number"`
	Title   string     `json:"title"`
	Body    string     `json:"body"`
	HTMLURL string     `json:"html_url"`
	User    githubUser `json:"user"`
}

type githubComment struct {
	ID      int64      `json:"id"`
	Body    string     `json:"body"`
	HTMLURL string     `json:"html_url"`
	User    githubUser `json:"user"`
}

// IssueEventPayload is the subset of issues and issue_comment events the
// bridge reads.
type IssueEventPayload struct {
	Action  string         `json:"action"`
	Issue   githubIssue    `json:"issue"`
	Comment *githubComment `json:"comment,omitempty"`
	Sender  githubUser     `json:"sender"`
}

type IssueEventConfig struct {
	SupportMailbox string
	CommentMarker  string
}

func IssueEventConfigFromCore(cfg core.Config) IssueEventConfig {
	return IssueEventConfig{
		SupportMailbox: cfg.Graph.SupportMailbox,
		CommentMarker:  cfg.GitHub.CommentMarker,
	}
}

type IssueEventDeps struct {
	Ledger  core.IdempotencyStore
	Tokens  core.TokenCodec
	Threads core.ThreadStore
	Mailer  core.MailSender
	Queue   core.RetryQueue
	Alerts  core.AlertNotifier
	Logger  core.Logger
	Clock   core.Clock
}

type IssueEventResult struct {
	Status      string `json:"status"`
	Event       string `json:"event,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	RetryJobID  string `json:"retry_job_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// IssueEventProcessor mails issue and comment updates to the requester.
type IssueEventProcessor struct {
	cfg  IssueEventConfig
	deps IssueEventDeps
}

func NewIssueEventProcessor(cfg IssueEventConfig, deps IssueEventDeps) (*IssueEventProcessor, error) {
	if deps.Ledger == nil || deps.Tokens == nil || deps.Threads == nil {
		return nil, fmt.Errorf("webhooks: ledger, tokens and threads are required")
	}
	if deps.Mailer == nil || deps.Queue == nil {
		return nil, fmt.Errorf("webhooks: mailer and retry queue are required")
	}
	if deps.Alerts == nil {
		deps.Alerts = core.NopAlertNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	deps.Logger = glog.Ensure(deps.Logger)
	cfg.SupportMailbox = strings.TrimSpace(cfg.SupportMailbox)
	return &IssueEventProcessor{cfg: cfg, deps: deps}, nil
}

// Process handles one GitHub delivery. deliveryID dedupes redeliveries; an
// empty id disables dedupe for that request.
func (p *IssueEventProcessor) Process(ctx context.Context, event string, deliveryID string, body []byte) (IssueEventResult, error) {
	event = strings.TrimSpace(event)
	var payload IssueEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return IssueEventResult{}, core.NewBadInputError("payload", "invalid github event payload")
	}

	if reason := p.ignoreReason(event, payload); reason != "" {
		return IssueEventResult{Status: StatusIgnored, Event: event, Reason: reason}, nil
	}
	issueNumber := payload.Issue.Number

	ledgerKey := ""
	if deliveryID = strings.TrimSpace(deliveryID); deliveryID != "" {
		ledgerKey = "github:" + deliveryID
		claimed, err := p.deps.Ledger.TryClaim(ctx, ledgerKey)
		if err != nil {
			return IssueEventResult{}, err
		}
		if !claimed {
			return IssueEventResult{Status: StatusIgnored, Event: event, IssueNumber: issueNumber, Reason: "duplicate delivery"}, nil
		}
	}

	requester := ExtractRequesterEmail(payload.Issue.Body)
	if requester == "" {
		p.mark(ctx, ledgerKey, core.MessageOutcomeSkipped, "requester contact not found")
		return IssueEventResult{
			Status:      StatusIgnored,
			Event:       event,
			IssueNumber: issueNumber,
			Reason:      "requester contact not found in issue body",
		}, nil
	}

	token, err := p.deps.Tokens.Encode(core.ThreadIdentity{IssueNumber: issueNumber, IssuedAt: p.deps.Clock().UTC().Truncate(time.Second)})
	if err != nil {
		return IssueEventResult{}, p.release(ctx, ledgerKey, err)
	}
	if _, err := p.deps.Threads.Upsert(ctx, core.IssueThread{
		IssueNumber:    issueNumber,
		Token:          token,
		RequesterEmail: requester,
	}); err != nil {
		return IssueEventResult{}, p.release(ctx, ledgerKey, err)
	}

	title := strings.TrimSpace(payload.Issue.Title)
	if title == "" {
		title = defaultIssueTitle
	}
	sourceEvent := EventIssueComment + ":created"
	text := buildCommentEmailBody(payload)
	if event == EventIssues {
		sourceEvent = EventIssues + ":" + payload.Action
		text = buildIssueEmailBody(payload)
	}
	mail := core.SendMailPayload{
		Mailbox:     p.cfg.SupportMailbox,
		Recipient:   requester,
		Subject:     security.BuildSubject(token, issueNumber, title),
		BodyText:    text,
		IssueNumber: issueNumber,
		SourceEvent: sourceEvent,
	}
	result := IssueEventResult{Event: event, IssueNumber: issueNumber, Recipient: requester}

	sendErr := p.deps.Mailer.SendMail(ctx, mail)
	if sendErr == nil {
		p.mark(ctx, ledgerKey, core.MessageOutcomeSucceeded, "mail sent")
		p.log(ctx, "info", "processed github event", map[string]any{
			"event":        "github_" + event + "_webhook_processed",
			"action":       payload.Action,
			"issue_number": issueNumber,
			"recipient":    requester,
			"delivery":     StatusSent,
		})
		result.Status = StatusSent
		return result, nil
	}

	alertContext := map[string]any{
		"issue_number": issueNumber,
		"recipient":    requester,
		"source_event": sourceEvent,
	}
	if core.IsTerminalDelivery(sendErr) || core.IsAuthentication(sendErr) {
		p.mark(ctx, ledgerKey, core.MessageOutcomeFailed, sendErr.Error())
		p.deps.Alerts.Notify(ctx, core.Alert{
			Type:    core.AlertOutboundDeliveryFailed,
			Summary: "Failed to send outbound issue email",
			Context: alertContext,
			Err:     sendErr,
		})
		result.Status = StatusFailed
		result.Reason = sendErr.Error()
		return result, nil
	}

	queued := mail
	queued.LedgerKey = ledgerKey
	job, err := p.deps.Queue.Enqueue(ctx, core.EnqueueJobInput{
		JobType:   core.JobTypeOutboundEmailSend,
		Payload:   queued,
		LastError: sendErr.Error(),
	})
	if err != nil {
		return IssueEventResult{}, p.release(ctx, ledgerKey, fmt.Errorf("webhooks: enqueue mail retry: %w", err))
	}
	p.mark(ctx, ledgerKey, core.MessageOutcomeDeferred, "queued retry job "+job.ID)
	p.log(ctx, "error", "queued outbound email retry", map[string]any{
		"event":        "outbound_email_queued_for_retry",
		"job_id":       job.ID,
		"issue_number": issueNumber,
		"recipient":    requester,
		"source_event": sourceEvent,
		"error":        sendErr.Error(),
	})
	alertContext["job_id"] = job.ID
	p.deps.Alerts.Notify(ctx, core.Alert{
		Type:    core.AlertOutboundDeliveryFailed,
		Summary: "Failed to send outbound issue email; queued for retry",
		Context: alertContext,
		Err:     sendErr,
	})
	result.Status = StatusQueued
	result.RetryJobID = job.ID
	return result, nil
}

func (p *IssueEventProcessor) ignoreReason(event string, payload IssueEventPayload) string {
	switch event {
	case EventIssues:
		if _, ok := supportedIssueActions[payload.Action]; !ok {
			return "unsupported issues action " + payload.Action
		}
	case EventIssueComment:
		if payload.Action != "created" {
			return "unsupported issue_comment action " + payload.Action
		}
	default:
		return "unsupported event " + event
	}
	if payload.Issue.Number <= 0 {
		return "missing issue number"
	}
	if event == EventIssueComment {
		if payload.Comment == nil {
			return "missing comment"
		}
		marker := strings.TrimSpace(p.cfg.CommentMarker)
		if marker != "" && strings.Contains(payload.Comment.Body, marker) {
			return "bridge-authored comment"
		}
	}
	return ""
}

func buildIssueEmailBody(payload IssueEventPayload) string {
	return fmt.Sprintf(
		"Issue update\n\nAction: %s\nIssue: #%d - %s\nUpdated by: %s\nURL: %s\n\nCurrent issue summary:\n%s\n",
		payload.Action,
		payload.Issue.Number,
		payload.Issue.Title,
		loginOrUnknown(payload.Sender),
		payload.Issue.HTMLURL,
		ExtractReplyText(payload.Issue.Body),
	)
}

func buildCommentEmailBody(payload IssueEventPayload) string {
	comment := githubComment{}
	if payload.Comment != nil {
		comment = *payload.Comment
	}
	return fmt.Sprintf(
		"Issue comment update\n\nIssue: #%d - %s\nComment by: %s\nIssue URL: %s\nComment URL: %s\n\nComment:\n%s\n",
		payload.Issue.Number,
		payload.Issue.Title,
		loginOrUnknown(payload.Sender),
		payload.Issue.HTMLURL,
		comment.HTMLURL,
		ExtractReplyText(comment.Body),
	)
}

func loginOrUnknown(user githubUser) string {
	if login := strings.TrimSpace(user.Login); login != "" {
		return login
	}
	return "unknown"
}

func (p *IssueEventProcessor) mark(ctx context.Context, key string, outcome core.MessageOutcome, detail string) {
	if key == "" {
		return
	}
	if err := p.deps.Ledger.MarkOutcome(ctx, key, outcome, detail); err != nil {
		p.log(ctx, "warn", "mark delivery outcome failed", map[string]any{
			"delivery_key": key,
			"outcome":      string(outcome),
			"error":        err.Error(),
		})
	}
}

func (p *IssueEventProcessor) release(ctx context.Context, key string, cause error) error {
	if key == "" {
		return cause
	}
	if err := p.deps.Ledger.Release(ctx, key); err != nil {
		p.log(ctx, "error", "release delivery claim failed", map[string]any{
			"delivery_key": key,
			"error":        err.Error(),
		})
	}
	return cause
}

func (p *IssueEventProcessor) log(ctx context.Context, level string, message string, fields map[string]any) {
	core.LogEvent(ctx, p.deps.Logger, level, message, fields)
}
