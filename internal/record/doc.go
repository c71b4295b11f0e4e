// Package record defines the locally owned, versioned records that the
// synchronization engine operates on: recording sessions, their phase
// annotations, and the durable queue items that describe pending remote
// mutations.
//
// Every record carries a local version counter, an optional remote
// identifier/version pair, and a sync status. The sync status is owned by
// the orchestrator and conflict resolver in internal/syncer; nothing else
// transitions it. Local mutation and status transition are deliberately
// decoupled events.
//
// Queue items snapshot the record state at enqueue time. They are immutable
// once written, so a remote call always reflects the state at the moment of
// the mutation even if the record mutates again before the item drains.
package record
