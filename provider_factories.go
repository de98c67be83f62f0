package bridge

import (
	"github.com/goliatone/go-helpdesk-bridge/core"
	"github.com/goliatone/go-helpdesk-bridge/providers/github"
	"github.com/goliatone/go-helpdesk-bridge/providers/graph"
	"github.com/goliatone/go-helpdesk-bridge/transport"
)

// GitHubClient builds the issue tracker client with the API retry policy.
func GitHubClient(cfg Config, logger Logger, opts ...github.Option) (*github.Client, error) {
	base := []github.Option{
		github.WithLogger(logger),
		github.WithRetrier(transport.NewRetrier(cfg.API, logger)),
	}
	return github.New(github.ConfigFromCore(cfg), append(base, opts...)...)
}

// GraphClient builds the mailbox client with the API retry policy.
func GraphClient(cfg Config, logger Logger, opts ...graph.Option) (*graph.Client, error) {
	base := []graph.Option{
		graph.WithLogger(logger),
		graph.WithRetrier(transport.NewRetrier(cfg.API, logger)),
	}
	return graph.New(graph.ConfigFromCore(cfg), append(base, opts...)...)
}

var (
	_ core.IssueCommenter       = (*github.Client)(nil)
	_ core.MailSender           = (*graph.Client)(nil)
	_ core.SubscriptionProvider = (*graph.Client)(nil)
)
