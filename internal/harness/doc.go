// Package harness runs YAML scenarios against a complete sync session: store,
// mutation engine, push-channel adapter and time tracker over an in-process
// fake server.
//
// # Scenario Format
//
//	name: optimistic_success
//	description: A prediction is visible at once and the server's revision replaces it.
//	seed:
//	  - {kind: task, id: t1, revision: 1, parent: l1, fields: {title: a, status: todo}}
//	steps:
//	  - action: hold
//	  - action: mutate
//	    kind: task
//	    id: t1
//	    patch: {status: done}
//	    expect: {status: pending}
//	  - action: release
//	    token: tok-1
//	    expect: {status: committed}
//	assertions:
//	  - {type: entity, kind: task, id: t1, revision: 2, fields: {status: done}}
//	  - {type: replay}
//
// Seeded entities are loaded into the fake server and hydrated, so the
// journal of every run starts with hydrate and collection entries.
//
// # Actions
//
//   - mutate, bulk, create, delete, reorder, hydrate: engine operations
//   - event: a push-channel event delivered to the adapter
//   - hold, unhold, release, reject: park server requests and settle them one token at a time
//   - fail_next: the next server call fails with the named error kind
//   - advance: moves the manual clock
//   - timer_start, timer_stop, timer_reset: time tracking
//   - window: computes a virtual-list window
//
// # Assertion Types
//
//   - entity, absent: store contents for one key
//   - collection: ordered ids under a parent
//   - timer: timer state, task and elapsed time
//   - journal_count: number of journal entries of one event type
//   - pending_count: mutations awaiting settlement
//   - replay: the journal rebuilds every confirmed entity
//
// # Determinism
//
// Tokens are sequential ("tok-1", "tok-2", ...), the clock only moves on
// advance and each run gets a fresh in-memory journal, so traces compare
// byte for byte against testdata/golden.
package harness
