// Package webhooks turns provider webhook deliveries into bridge side effects.
//
// Every inbound side effect is admitted by a single idempotency claim on the
// provider's message or delivery id. After a claim the record always moves to
// an outcome: succeeded, skipped, failed or deferred to the retry queue. A
// claim is released only when the failure happened before any side effect
// and the delivery should be retried by the provider.
package webhooks
