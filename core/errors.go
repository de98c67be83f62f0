package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput              = "BRIDGE_BAD_INPUT"
	ErrorNotFound              = "BRIDGE_NOT_FOUND"
	ErrorConflict              = "BRIDGE_CONFLICT"
	ErrorAuthentication        = "BRIDGE_AUTHENTICATION_FAILED"
	ErrorDuplicateMessage      = "BRIDGE_DUPLICATE_MESSAGE"
	ErrorTransientDelivery     = "BRIDGE_TRANSIENT_DELIVERY"
	ErrorTerminalDelivery      = "BRIDGE_TERMINAL_DELIVERY"
	ErrorSubscriptionAmbiguous = "BRIDGE_SUBSCRIPTION_AMBIGUOUS"
	ErrorStoreUnavailable      = "BRIDGE_STORE_UNAVAILABLE"
	ErrorInternal              = "BRIDGE_INTERNAL_ERROR"
)

const metadataRetryAfterMS = "retry_after_ms"

// NewAuthenticationError reports a token or signature that failed verification.
// It is never retried.
func NewAuthenticationError(reason string, cause error) *goerrors.Error {
	message := "authentication failed"
	if reason = strings.TrimSpace(reason); reason != "" {
		message = "authentication failed: " + reason
	}
	return newBridgeError(cause, message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorAuthentication, nil)
}

// NewDuplicateMessageError reports a refused idempotency claim. Callers treat
// it as a successful no-op.
func NewDuplicateMessageError(messageID string) *goerrors.Error {
	return newBridgeError(
		nil,
		fmt.Sprintf("message %q already processed", strings.TrimSpace(messageID)),
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorDuplicateMessage,
		map[string]any{"message_id": strings.TrimSpace(messageID)},
	)
}

// NewTransientDeliveryError marks a delivery failure as retriable. A positive
// retryAfter carries the provider's requested delay.
func NewTransientDeliveryError(operation string, cause error, retryAfter time.Duration) *goerrors.Error {
	metadata := map[string]any{"operation": strings.TrimSpace(operation)}
	if retryAfter > 0 {
		metadata[metadataRetryAfterMS] = retryAfter.Milliseconds()
	}
	return newBridgeError(
		cause,
		fmt.Sprintf("%s: transient delivery failure", strings.TrimSpace(operation)),
		goerrors.CategoryExternal,
		http.StatusBadGateway,
		ErrorTransientDelivery,
		metadata,
	)
}

// NewTerminalDeliveryError marks a delivery failure that must go straight to
// the dead-letter state.
func NewTerminalDeliveryError(operation string, cause error) *goerrors.Error {
	return newBridgeError(
		cause,
		fmt.Sprintf("%s: terminal delivery failure", strings.TrimSpace(operation)),
		goerrors.CategoryOperation,
		http.StatusBadGateway,
		ErrorTerminalDelivery,
		map[string]any{"operation": strings.TrimSpace(operation)},
	)
}

func NewSubscriptionAmbiguousError(resource string, subscriptionIDs []string) *goerrors.Error {
	ids := append([]string(nil), subscriptionIDs...)
	return newBridgeError(
		nil,
		fmt.Sprintf(
			"found %d subscriptions for resource %q; pin one with graph.subscription_id",
			len(ids),
			strings.TrimSpace(resource),
		),
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorSubscriptionAmbiguous,
		map[string]any{"resource": strings.TrimSpace(resource), "subscription_ids": ids},
	)
}

func NewStoreUnavailableError(operation string, cause error) *goerrors.Error {
	return newBridgeError(
		cause,
		fmt.Sprintf("%s: durable store unavailable", strings.TrimSpace(operation)),
		goerrors.CategoryInternal,
		http.StatusServiceUnavailable,
		ErrorStoreUnavailable,
		map[string]any{"operation": strings.TrimSpace(operation)},
	)
}

func NewNotFoundError(message string) *goerrors.Error {
	return newBridgeError(nil, message, goerrors.CategoryNotFound, http.StatusNotFound, ErrorNotFound, nil)
}

func NewConflictError(message string) *goerrors.Error {
	return newBridgeError(nil, message, goerrors.CategoryConflict, http.StatusConflict, ErrorConflict, nil)
}

func NewBadInputError(field string, message string) *goerrors.Error {
	return goerrors.NewValidation("validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func IsAuthentication(err error) bool { return hasTextCode(err, ErrorAuthentication) }

func IsDuplicateMessage(err error) bool { return hasTextCode(err, ErrorDuplicateMessage) }

func IsTransientDelivery(err error) bool { return hasTextCode(err, ErrorTransientDelivery) }

func IsTerminalDelivery(err error) bool { return hasTextCode(err, ErrorTerminalDelivery) }

func IsSubscriptionAmbiguous(err error) bool { return hasTextCode(err, ErrorSubscriptionAmbiguous) }

func IsStoreUnavailable(err error) bool { return hasTextCode(err, ErrorStoreUnavailable) }

func IsNotFound(err error) bool { return hasTextCode(err, ErrorNotFound) }

func IsConflict(err error) bool { return hasTextCode(err, ErrorConflict) }

func IsBadInput(err error) bool { return hasTextCode(err, ErrorBadInput) }

// RetryAfter returns the provider requested delay carried by a transient
// delivery error.
func RetryAfter(err error) (time.Duration, bool) {
	rich := findTextCode(err, ErrorTransientDelivery)
	if rich == nil || rich.Metadata == nil {
		return 0, false
	}
	switch value := rich.Metadata[metadataRetryAfterMS].(type) {
	case int64:
		return time.Duration(value) * time.Millisecond, value > 0
	case int:
		return time.Duration(value) * time.Millisecond, value > 0
	case float64:
		return time.Duration(value) * time.Millisecond, value > 0
	}
	return 0, false
}

// MapError normalizes any error into a go-errors envelope with a bridge text
// code and HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func HTTPStatus(err error) int {
	mapped := MapError(err)
	if mapped == nil {
		return http.StatusOK
	}
	return mapped.Code
}

func newBridgeError(
	cause error,
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func hasTextCode(err error, textCode string) bool {
	return findTextCode(err, textCode) != nil
}

func findTextCode(err error, textCode string) *goerrors.Error {
	for current := err; current != nil; current = errors.Unwrap(current) {
		if rich, ok := current.(*goerrors.Error); ok && rich != nil && rich.TextCode == textCode {
			return rich
		}
	}
	return nil
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorAuthentication
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
		return ErrorTransientDelivery
	default:
		return ErrorInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
