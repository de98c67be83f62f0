package bridge

import "github.com/goliatone/go-helpdesk-bridge/core"

type Config = core.Config

type Logger = core.Logger
type LoggerProvider = core.LoggerProvider

type Alert = core.Alert
type AlertNotifier = core.AlertNotifier
type MetricsRecorder = core.MetricsRecorder

type RetryJob = core.RetryJob
type RetryPolicy = core.RetryPolicy
type WorkerSummary = core.WorkerSummary
type SubscriptionStatus = core.SubscriptionStatus
type EnsureResult = core.EnsureResult

var (
	ResolveConfig = core.ResolveConfig
	MapError      = core.MapError
	HTTPStatus    = core.HTTPStatus
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}
