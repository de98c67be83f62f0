package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/transport"
	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 10000

// FromConfig builds a notifier with a sink per configured destination. The
// returned close func releases the Redis connection, if any.
func FromConfig(cfg core.Config, sender core.MailSender, logger core.Logger) (*Notifier, func() error, error) {
	sinks := make([]Sink, 0, 3)
	closeFn := func() error { return nil }

	if url := strings.TrimSpace(cfg.Alerts.WebhookURL); url != "" {
		sinks = append(sinks, WebhookSink{
			URL:     url,
			REST:    transport.NewRESTAdapter(nil),
			Retrier: transport.NewRetrier(cfg.API, logger),
			Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		})
	}
	if to := strings.TrimSpace(cfg.Alerts.EmailTo); to != "" && sender != nil {
		sinks = append(sinks, EmailSink{
			Sender:        sender,
			Mailbox:       cfg.Graph.SupportMailbox,
			To:            to,
			SubjectPrefix: cfg.Alerts.SubjectPrefix,
		})
	}
	if redisURL := strings.TrimSpace(cfg.Alerts.RedisURL); redisURL != "" {
		options, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("alerts: parse redis url: %w", err)
		}
		client := redis.NewClient(options)
		sinks = append(sinks, RedisStreamSink{
			Client: client,
			Stream: cfg.Alerts.RedisStream,
			MaxLen: defaultStreamMaxLen,
		})
		closeFn = client.Close
	}
	return NewNotifier(logger, sinks...), closeFn, nil
}
