package core

import (
	"context"
	"fmt"
	"strings"
)

// SendMailExecutor replays outbound_email_send jobs. When Messages is set and
// the payload names a ledger key, that entry is marked succeeded once the mail
// is sent.
type SendMailExecutor struct {
	Sender   MailSender
	Messages IdempotencyStore
	Logger   Logger
}

func (SendMailExecutor) JobType() JobType { return JobTypeOutboundEmailSend }

func (e SendMailExecutor) Execute(ctx context.Context, job RetryJob) error {
	if e.Sender == nil {
		return NewTerminalDeliveryError(string(JobTypeOutboundEmailSend), fmt.Errorf("core: mail sender is not configured"))
	}
	var payload SendMailPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return NewTerminalDeliveryError(string(JobTypeOutboundEmailSend), err)
	}
	if err := e.Sender.SendMail(ctx, payload); err != nil {
		return err
	}
	markReplayed(ctx, e.Messages, e.Logger, job, payload.LedgerKey, "mail sent by retry worker")
	return nil
}

// IssueCommentExecutor replays inbound_comment_create jobs. When Messages is
// set, the originating mail message is marked succeeded once the comment
// lands.
type IssueCommentExecutor struct {
	Commenter IssueCommenter
	Messages  IdempotencyStore
	Logger    Logger
}

func (IssueCommentExecutor) JobType() JobType { return JobTypeInboundCommentCreate }

func (e IssueCommentExecutor) Execute(ctx context.Context, job RetryJob) error {
	if e.Commenter == nil {
		return NewTerminalDeliveryError(string(JobTypeInboundCommentCreate), fmt.Errorf("core: issue commenter is not configured"))
	}
	var payload IssueCommentPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return NewTerminalDeliveryError(string(JobTypeInboundCommentCreate), err)
	}
	if err := e.Commenter.CreateIssueComment(ctx, payload); err != nil {
		return err
	}
	markReplayed(ctx, e.Messages, e.Logger, job, payload.MessageID, "comment created by retry worker")
	return nil
}

// markReplayed records a replayed side effect. The effect already happened, so
// a failed mark is logged and never turned into a retry.
func markReplayed(ctx context.Context, messages IdempotencyStore, logger Logger, job RetryJob, key string, detail string) {
	key = strings.TrimSpace(key)
	if messages == nil || key == "" {
		return
	}
	if err := messages.MarkOutcome(ctx, key, MessageOutcomeSucceeded, detail); err != nil {
		logEvent(ctx, logger, "warn", "mark replayed message succeeded", map[string]any{
			"message_id": key,
			"job_id":     job.ID,
			"error":      err.Error(),
		})
	}
}

// ProcessedMessageDeadLetterObserver marks the originating ledger entry failed
// when its job is dead-lettered: the mail message behind a comment job or the
// webhook delivery behind a mail job.
type ProcessedMessageDeadLetterObserver struct {
	Messages IdempotencyStore
	Logger   Logger
}

func (o ProcessedMessageDeadLetterObserver) OnDeadLetter(ctx context.Context, job RetryJob, cause error) {
	if o.Messages == nil {
		return
	}
	messageID := strings.TrimSpace(ledgerKeyOf(job))
	if messageID == "" {
		return
	}
	detail := "retry job dead-lettered"
	if cause != nil {
		detail = cause.Error()
	}
	if err := o.Messages.MarkOutcome(ctx, messageID, MessageOutcomeFailed, detail); err != nil {
		logEvent(ctx, o.Logger, "warn", "mark dead-lettered message failed", map[string]any{
			"message_id": messageID,
			"job_id":     job.ID,
			"error":      err.Error(),
		})
	}
}

func ledgerKeyOf(job RetryJob) string {
	switch job.JobType {
	case JobTypeInboundCommentCreate:
		var payload IssueCommentPayload
		if err := job.DecodePayload(&payload); err == nil {
			return payload.MessageID
		}
	case JobTypeOutboundEmailSend:
		var payload SendMailPayload
		if err := job.DecodePayload(&payload); err == nil {
			return payload.LedgerKey
		}
	}
	return ""
}

var (
	_ JobExecutor        = SendMailExecutor{}
	_ JobExecutor        = IssueCommentExecutor{}
	_ DeadLetterObserver = ProcessedMessageDeadLetterObserver{}
)
