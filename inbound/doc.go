// Package inbound exposes the webhook receiver as a gin router.
//
// Graph change notifications and GitHub deliveries are handed to the
// webhooks processors; a processing error answers 500 so the provider
// redelivers, and the per-message claims keep the redelivery from repeating
// side effects.
package inbound
