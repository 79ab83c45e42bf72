// Package reconcile merges push-channel events into the entity store.
//
// Events may arrive duplicated and in any order. Created and updated events go
// through the store's strict revision gate, so a redelivered or older event is
// dropped without notifying anyone; deleted events always remove. When the
// coordinator holds a pending prediction for the entity, the event becomes the
// prediction's new base instead of replacing it.
//
// Dialer is the websocket transport that feeds the adapter.
package reconcile
