package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RunRetryBatchMessage]      = (*RunRetryBatchCommand)(nil)
	_ gocmd.Commander[EnsureSubscriptionMessage] = (*EnsureSubscriptionCommand)(nil)
	_ gocmd.Commander[ReplayDeadLetterMessage]   = (*ReplayDeadLetterCommand)(nil)
)
