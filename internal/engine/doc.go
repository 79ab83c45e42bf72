// Package engine is the mutation coordinator.
//
// The engine applies optimistic predictions to the entity store on the caller's
// goroutine, issues the matching API request in the background, and settles the
// response on a single-writer Run loop. Each mutation carries a correlation token;
// only the most recently issued token for an entity may change what the user sees.
//
// Thread-safety model:
//   - Mutate, MutateWith, MutateBulk, Create, Delete, Reorder, Hydrate: any goroutine
//   - Run: exactly one goroutine
//   - Submit, Do: any goroutine; the function runs on the Run loop
//
// Store listeners run while the engine holds its mutex and must not call back
// into the engine.
package engine
