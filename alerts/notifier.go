// Package alerts fans operator alerts out to the configured sinks. Every
// alert is logged; webhook, email and Redis stream delivery are best effort.
package alerts

import (
	"context"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
	glog "github.com/goliatone/go-logger/glog"
)

const EventBridgeAlert = "bridge_alert"

// Payload is the wire form of an alert shared by all sinks.
type Payload struct {
	Event     string         `json:"event"`
	AlertType string         `json:"alert_type"`
	Summary   string         `json:"summary"`
	Context   map[string]any `json:"context"`
	Error     string         `json:"error"`
}

func NewPayload(alert core.Alert) Payload {
	payload := Payload{
		Event:     EventBridgeAlert,
		AlertType: strings.TrimSpace(alert.Type),
		Summary:   strings.TrimSpace(alert.Summary),
		Context:   Redact(alert.Context),
	}
	if alert.Err != nil {
		payload.Error = alert.Err.Error()
	}
	return payload
}

type Sink interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type Notifier struct {
	sinks  []Sink
	logger core.Logger
}

func NewNotifier(logger core.Logger, sinks ...Sink) *Notifier {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Notifier{sinks: filtered, logger: glog.Ensure(logger)}
}

// Notify never fails; sink errors are logged as <sink>_delivery_failed.
func (n *Notifier) Notify(ctx context.Context, alert core.Alert) {
	if n == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// alerts raised while a request is being torn down must still go out.
	ctx = context.WithoutCancel(ctx)

	payload := NewPayload(alert)
	core.LogEvent(ctx, n.logger, "error", "Bridge alert", map[string]any{
		"event":      payload.Event,
		"alert_type": payload.AlertType,
		"summary":    payload.Summary,
		"context":    payload.Context,
		"error":      payload.Error,
	})
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, payload); err != nil {
			core.LogEvent(ctx, n.logger, "error", "alert delivery failed", map[string]any{
				"event":      "alert_" + sink.Name() + "_delivery_failed",
				"alert_type": payload.AlertType,
				"error":      err.Error(),
			})
		}
	}
}

func (n *Notifier) Sinks() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.sinks))
	for _, sink := range n.sinks {
		names = append(names, sink.Name())
	}
	return names
}

var _ core.AlertNotifier = (*Notifier)(nil)
