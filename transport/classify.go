package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
)

var transientStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusConflict:            {},
	http.StatusTooEarly:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsTransientStatus reports whether a provider status is worth retrying.
func IsTransientStatus(status int) bool {
	_, ok := transientStatuses[status]
	return ok
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	if body == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Operation, e.StatusCode, body)
}

// StatusCode extracts the provider status from err, if any.
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr != nil {
		return statusErr.StatusCode, true
	}
	return 0, false
}

// Classify turns a provider response into nil for 2xx, or a transient or
// terminal delivery error. Retry-After is honoured on transient statuses.
func Classify(operation string, res Response, now time.Time) error {
	if res.OK() {
		return nil
	}
	statusErr := &StatusError{Operation: operation, StatusCode: res.StatusCode, Body: string(res.Body)}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return core.NewTerminalDeliveryError(operation, statusErr)
	case IsTransientStatus(res.StatusCode):
		retryAfter, _ := ParseRetryAfter(res.Headers.Get("Retry-After"), now)
		return core.NewTransientDeliveryError(operation, statusErr, retryAfter)
	default:
		return core.NewTerminalDeliveryError(operation, statusErr)
	}
}

// ClassifyError maps adapter failures onto the delivery taxonomy. Network
// failures are transient; context cancellation passes through.
func ClassifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if core.IsTransientDelivery(err) || core.IsTerminalDelivery(err) {
		return err
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return core.NewTransientDeliveryError(operation, err, 0)
	}
	return core.NewTerminalDeliveryError(operation, err)
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
