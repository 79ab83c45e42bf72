// Package entity defines the domain entities held by the store: tasks, goals, lists and
// workspaces, each a revisioned envelope around a kind-specific field set.
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/tasksync/internal/ir"
)

// Kind selects the field variant of an entity.
type Kind string

const (
	KindTask      Kind = "task"
	KindGoal      Kind = "goal"
	KindList      Kind = "list"
	KindWorkspace Kind = "workspace"
)

// Kinds lists every kind in a fixed order.
var Kinds = []Kind{KindWorkspace, KindList, KindGoal, KindTask}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindGoal, KindList, KindWorkspace:
		return true
	}
	return false
}

// ParseKind converts a name such as "task" into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Key identifies an entity across kinds.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Entity is the envelope shared by every kind.
//
// ID never changes. Revision is assigned by the server and never decreases for
// authoritative writes. Pending is true while an optimistic write is unconfirmed.
// Parent scopes the entity into a collection (a task's list, a list's workspace) and
// may be empty.
type Entity struct {
	Kind     Kind
	ID       string
	Revision int64
	Pending  bool
	Parent   string
	Fields   Fields
}

// Key returns the entity's identity.
func (e Entity) Key() Key {
	return Key{Kind: e.Kind, ID: e.ID}
}

// Clone returns a copy that shares no mutable state with e.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = e.Fields.clone()
	}
	return out
}

// SameState reports whether two entities carry the same revision, pending flag,
// parent and field values.
func (e Entity) SameState(other Entity) bool {
	return e.Kind == other.Kind &&
		e.ID == other.ID &&
		e.Revision == other.Revision &&
		e.Pending == other.Pending &&
		e.Parent == other.Parent &&
		SameFields(e.Fields, other.Fields)
}

// Apply returns a copy of e with patch applied to its fields. Revision and
// Pending are left untouched.
func (e Entity) Apply(patch ir.Object) (Entity, error) {
	if e.Fields == nil {
		return Entity{}, fmt.Errorf("apply patch to %s: entity has no fields", e.Key())
	}
	f, err := ApplyPatch(e.Fields, patch)
	if err != nil {
		return Entity{}, fmt.Errorf("apply patch to %s: %w", e.Key(), err)
	}
	out := e
	out.Fields = f
	return out, nil
}

type entityJSON struct {
	Kind     Kind            `json:"kind"`
	ID       string          `json:"id"`
	Revision int64           `json:"revision"`
	Pending  bool            `json:"pending,omitempty"`
	Parent   string          `json:"parent,omitempty"`
	Fields   json.RawMessage `json:"fields"`
}

// MarshalJSON renders the envelope with fields as a plain object.
func (e Entity) MarshalJSON() ([]byte, error) {
	fields := ir.Object{}
	if e.Fields != nil {
		fields = e.Fields.Object()
	}
	raw, err := fields.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(entityJSON{
		Kind:     e.Kind,
		ID:       e.ID,
		Revision: e.Revision,
		Pending:  e.Pending,
		Parent:   e.Parent,
		Fields:   raw,
	})
}

// UnmarshalJSON decodes the envelope and the kind-specific fields.
func (e *Entity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw entityJSON
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	if !raw.Kind.Valid() {
		return fmt.Errorf("decode entity %q: unknown kind %q", raw.ID, raw.Kind)
	}
	if raw.ID == "" {
		return fmt.Errorf("decode entity: missing id")
	}
	obj := ir.Object{}
	if len(raw.Fields) > 0 && string(raw.Fields) != "null" {
		if err := obj.UnmarshalJSON(raw.Fields); err != nil {
			return fmt.Errorf("decode entity %s/%s fields: %w", raw.Kind, raw.ID, err)
		}
	}
	fields, err := FieldsFromObject(raw.Kind, obj)
	if err != nil {
		return fmt.Errorf("decode entity %s/%s: %w", raw.Kind, raw.ID, err)
	}
	*e = Entity{
		Kind:     raw.Kind,
		ID:       raw.ID,
		Revision: raw.Revision,
		Pending:  raw.Pending,
		Parent:   raw.Parent,
		Fields:   fields,
	}
	return nil
}
