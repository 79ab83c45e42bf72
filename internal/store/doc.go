// Package store is the in-memory entity cache.
//
// The store keys entities by (kind, id) and guards every authoritative write with a
// revision gate: a write whose revision is older than the stored one is rejected with a
// *StaleWriteError and leaves the store untouched. Optimistic predictions bypass the
// gate but never advance the stored revision.
//
// Every successful write notifies kind subscribers first and id-scoped subscribers
// second, each exactly once and in registration order, on the writing goroutine.
// Listeners may read the store but must not write to it.
//
// Collections are ordered id sequences scoped to (kind, parent). Only explicit
// collection operations change their order; removing an entity drops its id from
// every collection of its kind.
package store
