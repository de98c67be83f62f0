package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-helpdesk-bridge/core"
)

var (
	_ gocmd.Querier[SubscriptionStatusMessage, core.SubscriptionStatus] = (*SubscriptionStatusQuery)(nil)
	_ gocmd.Querier[RetryQueueStatsMessage, RetryQueueStats]            = (*RetryQueueStatsQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.RetryJob]            = (*ListDeadLettersQuery)(nil)
)
