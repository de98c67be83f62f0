package webhooks

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/providers/graph"
	"github.com/goliatone/go-helpdesk-bridge/security"
	glog "github.com/goliatone/go-logger/glog"
)

const SourceGraphReplyComment = "graph_reply_comment"

// GraphNotification is one change notification from the mailbox provider.
type GraphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type GraphNotificationBatch struct {
	Value []GraphNotification `json:"value"`
}

type MessageFetcher interface {
	GetMessage(ctx context.Context, mailbox string, messageID string) (graph.Message, error)
}

type MailReplyConfig struct {
	SupportMailbox string
	ClientState    string
	Owner          string
	Repo           string
	CommentMarker  string
}

func MailReplyConfigFromCore(cfg core.Config) MailReplyConfig {
	return MailReplyConfig{
		SupportMailbox: cfg.Graph.SupportMailbox,
		ClientState:    cfg.Graph.ClientState,
		Owner:          cfg.GitHub.Owner,
		Repo:           cfg.GitHub.Repo,
		CommentMarker:  cfg.GitHub.CommentMarker,
	}
}

type MailReplyDeps struct {
	Messages  MessageFetcher
	Ledger    core.IdempotencyStore
	Tokens    core.TokenCodec
	Threads   core.ThreadStore
	Commenter core.IssueCommenter
	Queue     core.RetryQueue
	Alerts    core.AlertNotifier
	Logger    core.Logger
}

type MailReplyResult struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
}

// MailReplyProcessor posts requester replies from the support mailbox as
// issue comments.
type MailReplyProcessor struct {
	cfg  MailReplyConfig
	deps MailReplyDeps
}

func NewMailReplyProcessor(cfg MailReplyConfig, deps MailReplyDeps) (*MailReplyProcessor, error) {
	if deps.Messages == nil || deps.Ledger == nil || deps.Tokens == nil || deps.Threads == nil {
		return nil, fmt.Errorf("webhooks: messages, ledger, tokens and threads are required")
	}
	if deps.Commenter == nil || deps.Queue == nil {
		return nil, fmt.Errorf("webhooks: commenter and retry queue are required")
	}
	if deps.Alerts == nil {
		deps.Alerts = core.NopAlertNotifier{}
	}
	deps.Logger = glog.Ensure(deps.Logger)
	cfg.SupportMailbox = strings.ToLower(strings.TrimSpace(cfg.SupportMailbox))
	return &MailReplyProcessor{cfg: cfg, deps: deps}, nil
}

type replyOutcome int

const (
	replySkipped replyOutcome = iota
	replyProcessed
	replyDeferred
	replyFailed
)

// Process handles a notification batch. An error means the batch should be
// redelivered; notifications already handled are protected by their claims.
func (p *MailReplyProcessor) Process(ctx context.Context, notifications []GraphNotification) (MailReplyResult, error) {
	result := MailReplyResult{Status: "ok"}
	for _, notification := range notifications {
		outcome, err := p.processOne(ctx, notification)
		if err != nil {
			return result, err
		}
		switch outcome {
		case replyProcessed:
			result.Processed++
		case replyDeferred:
			result.Deferred++
		case replyFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

func (p *MailReplyProcessor) processOne(ctx context.Context, notification GraphNotification) (replyOutcome, error) {
	graphID := strings.TrimSpace(notification.ResourceData.ID)
	if graphID == "" {
		return replySkipped, nil
	}
	if !p.clientStateMatches(notification.ClientState) {
		p.log(ctx, "warn", "graph notification rejected", map[string]any{
			"event":           "graph_notification_rejected",
			"subscription_id": notification.SubscriptionID,
			"reason":          "client_state_mismatch",
		})
		return replySkipped, nil
	}

	message, err := p.deps.Messages.GetMessage(ctx, p.cfg.SupportMailbox, graphID)
	if err != nil {
		return replySkipped, err
	}
	messageID := strings.TrimSpace(message.InternetMessageID)
	if messageID == "" {
		messageID = graphID
	}

	claimed, err := p.deps.Ledger.TryClaim(ctx, messageID)
	if err != nil {
		return replySkipped, err
	}
	if !claimed {
		p.log(ctx, "info", "duplicate inbound message", map[string]any{
			"event":      "graph_inbound_duplicate",
			"message_id": messageID,
		})
		return replySkipped, nil
	}

	return p.handleClaimed(ctx, messageID, message)
}

func (p *MailReplyProcessor) handleClaimed(ctx context.Context, messageID string, message graph.Message) (replyOutcome, error) {
	sender := strings.ToLower(strings.TrimSpace(message.From))
	if sender != "" && sender == p.cfg.SupportMailbox {
		return p.skip(ctx, messageID, "self_sent")
	}

	token, ok := security.ExtractToken(message.Subject)
	if !ok {
		return p.skip(ctx, messageID, "missing_thread_token")
	}
	identity, err := p.deps.Tokens.Decode(token)
	if err != nil {
		p.log(ctx, "warn", "thread token rejected", map[string]any{
			"event":      "graph_inbound_token_rejected",
			"message_id": messageID,
			"error":      err.Error(),
		})
		return p.skip(ctx, messageID, "invalid_thread_token")
	}

	thread, err := p.deps.Threads.GetByIssue(ctx, identity.IssueNumber)
	if err != nil {
		if core.IsNotFound(err) {
			return p.skip(ctx, messageID, "unknown_thread")
		}
		return replySkipped, p.release(ctx, messageID, err)
	}
	requester := strings.ToLower(strings.TrimSpace(thread.RequesterEmail))
	if sender == "" || sender != requester {
		p.log(ctx, "warn", "inbound sender is not the requester", map[string]any{
			"event":        "graph_inbound_sender_rejected",
			"message_id":   messageID,
			"issue_number": thread.IssueNumber,
			"sender":       sender,
		})
		return p.skip(ctx, messageID, "sender_not_requester")
	}

	body := message.BodyContent
	if strings.EqualFold(strings.TrimSpace(message.BodyContentType), "html") {
		body = HTMLToText(body)
	}
	reply := ExtractReplyText(body)
	if strings.TrimSpace(reply) == "" {
		return p.skip(ctx, messageID, "empty_reply")
	}

	payload := core.IssueCommentPayload{
		Owner:       p.cfg.Owner,
		Repo:        p.cfg.Repo,
		IssueNumber: thread.IssueNumber,
		Body:        p.commentBody(message.From, reply, messageID),
		MessageID:   messageID,
		SourceEvent: SourceGraphReplyComment,
	}
	commentErr := p.deps.Commenter.CreateIssueComment(ctx, payload)
	if commentErr == nil {
		p.mark(ctx, messageID, core.MessageOutcomeSucceeded, "comment created")
		p.log(ctx, "info", "processed inbound reply", map[string]any{
			"event":        "graph_inbound_processed",
			"message_id":   messageID,
			"issue_number": thread.IssueNumber,
			"sender":       sender,
		})
		return replyProcessed, nil
	}

	alertContext := map[string]any{
		"issue_number": thread.IssueNumber,
		"message_id":   messageID,
	}
	if core.IsTerminalDelivery(commentErr) || core.IsAuthentication(commentErr) {
		p.mark(ctx, messageID, core.MessageOutcomeFailed, commentErr.Error())
		p.deps.Alerts.Notify(ctx, core.Alert{
			Type:    core.AlertInboundCommentFailed,
			Summary: "Failed to create issue comment from inbound email",
			Context: alertContext,
			Err:     commentErr,
		})
		return replyFailed, nil
	}

	job, err := p.deps.Queue.Enqueue(ctx, core.EnqueueJobInput{
		JobType:   core.JobTypeInboundCommentCreate,
		Payload:   payload,
		LastError: commentErr.Error(),
	})
	if err != nil {
		return replySkipped, p.release(ctx, messageID, fmt.Errorf("webhooks: enqueue comment retry: %w", err))
	}
	p.mark(ctx, messageID, core.MessageOutcomeDeferred, "queued retry job "+job.ID)
	p.log(ctx, "error", "queued issue comment retry", map[string]any{
		"event":        "inbound_comment_queued_for_retry",
		"job_id":       job.ID,
		"issue_number": thread.IssueNumber,
		"message_id":   messageID,
		"error":        commentErr.Error(),
	})
	alertContext["job_id"] = job.ID
	p.deps.Alerts.Notify(ctx, core.Alert{
		Type:    core.AlertInboundCommentFailed,
		Summary: "Failed to create issue comment from inbound email; queued for retry",
		Context: alertContext,
		Err:     commentErr,
	})
	return replyDeferred, nil
}

func (p *MailReplyProcessor) commentBody(sender string, reply string, messageID string) string {
	return fmt.Sprintf(
		"Email reply from `%s`:\n\n%s\n\n<!-- %s message-id:%s -->",
		strings.TrimSpace(sender),
		reply,
		p.cfg.CommentMarker,
		messageID,
	)
}

func (p *MailReplyProcessor) clientStateMatches(actual string) bool {
	expected := p.cfg.ClientState
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

func (p *MailReplyProcessor) skip(ctx context.Context, messageID string, reason string) (replyOutcome, error) {
	p.mark(ctx, messageID, core.MessageOutcomeSkipped, reason)
	return replySkipped, nil
}

// mark records an outcome after the side effect decision. Failures are
// logged only: the claim already blocks reprocessing.
func (p *MailReplyProcessor) mark(ctx context.Context, messageID string, outcome core.MessageOutcome, detail string) {
	if err := p.deps.Ledger.MarkOutcome(ctx, messageID, outcome, detail); err != nil {
		p.log(ctx, "warn", "mark message outcome failed", map[string]any{
			"message_id": messageID,
			"outcome":    string(outcome),
			"error":      err.Error(),
		})
	}
}

// release drops the claim so the provider's redelivery is processed again.
func (p *MailReplyProcessor) release(ctx context.Context, messageID string, cause error) error {
	if err := p.deps.Ledger.Release(ctx, messageID); err != nil {
		p.log(ctx, "error", "release message claim failed", map[string]any{
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
	return cause
}

func (p *MailReplyProcessor) log(ctx context.Context, level string, message string, fields map[string]any) {
	core.LogEvent(ctx, p.deps.Logger, level, message, fields)
}
