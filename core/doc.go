// Package core contains the bridge domain contracts, entities and the
// reliability engine: retry policy and worker, idempotency outcomes and the
// mailbox subscription lifecycle. Storage, transport and vendor adapters
// depend on this package; core must not depend on them.
package core
