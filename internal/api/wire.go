package api

import (
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

// HeaderToken carries the correlation token of a mutating request.
const HeaderToken = "X-Correlation-Token"

// CollectionPath is the route for a kind, e.g. /v1/tasks.
func CollectionPath(kind entity.Kind) string {
	return "/v1/" + string(kind) + "s"
}

// CreateBody is the JSON body of POST {collection}.
type CreateBody struct {
	Parent string    `json:"parent,omitempty"`
	Fields ir.Object `json:"fields"`
}

// UpdateBody is the JSON body of PATCH {collection}/{id}. Null members clear fields.
type UpdateBody struct {
	Patch ir.Object `json:"patch"`
}

// ReorderBody is the JSON body of PUT {collection}/order.
type ReorderBody struct {
	Parent string   `json:"parent,omitempty"`
	IDs    []string `json:"ids"`
}

// ListResponse is returned by GET {collection}.
type ListResponse struct {
	Items []entity.Entity `json:"items"`
}

// OrderResponse is returned by PUT {collection}/order.
type OrderResponse struct {
	IDs []string `json:"ids"`
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload describes a failure.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// EventsPath is the websocket route of the push channel.
const EventsPath = "/v1/events"

// EventType names a push event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one push-channel message, sent as a JSON text frame.
//
// Fields holds the full field set unless Partial is set, in which case it holds
// only the changed fields (null clears). Deleted events carry no fields.
type Event struct {
	Type     EventType   `json:"type"`
	Kind     entity.Kind `json:"kind"`
	ID       string      `json:"id"`
	Revision int64       `json:"revision"`
	Parent   string      `json:"parent,omitempty"`
	Fields   ir.Object   `json:"fields,omitempty"`
	Partial  bool        `json:"partial,omitempty"`
}

// EventFor builds a full-state event for ent.
func EventFor(t EventType, ent entity.Entity) Event {
	ev := Event{Type: t, Kind: ent.Kind, ID: ent.ID, Revision: ent.Revision, Parent: ent.Parent}
	if t != EventDeleted && ent.Fields != nil {
		ev.Fields = ent.Fields.Object()
	}
	return ev
}
