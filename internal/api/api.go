// Package api is the contract between the sync core and the remote task service,
// plus an HTTP implementation of it.
//
// Every mutating call carries the correlation token that identifies the optimistic
// mutation it settles. The server echoes nothing back; the caller keeps the
// token-to-mutation mapping.
package api

import (
	"context"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

// Client is the remote API consumed by the engine.
// Implementations must be safe for concurrent use.
type Client interface {
	// List returns the entities of kind under parent in server order.
	List(ctx context.Context, req ListRequest) ([]entity.Entity, error)
	// Create stores a new entity; the server assigns id and revision.
	Create(ctx context.Context, req CreateRequest) (entity.Entity, error)
	// Update applies a patch and returns the resulting authoritative entity.
	Update(ctx context.Context, req UpdateRequest) (entity.Entity, error)
	// Delete removes an entity.
	Delete(ctx context.Context, req DeleteRequest) error
	// Reorder sets the order of a collection and returns the order the server stored.
	Reorder(ctx context.Context, req ReorderRequest) ([]string, error)
}

// ListRequest selects one collection.
type ListRequest struct {
	Kind   entity.Kind
	Parent string
}

// CreateRequest creates an entity from a full field set.
type CreateRequest struct {
	Token  string
	Kind   entity.Kind
	Parent string
	Fields ir.Object
}

// UpdateRequest patches one entity.
type UpdateRequest struct {
	Token string
	Kind  entity.Kind
	ID    string
	Patch ir.Object
}

// DeleteRequest deletes one entity.
type DeleteRequest struct {
	Token string
	Kind  entity.Kind
	ID    string
}

// ReorderRequest replaces the order of a collection.
type ReorderRequest struct {
	Token  string
	Kind   entity.Kind
	Parent string
	IDs    []string
}
