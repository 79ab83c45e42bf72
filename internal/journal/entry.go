package journal

import "github.com/roach88/tasksync/internal/entity"

// EventType names what an entry records.
type EventType string

const (
	EventPredict       EventType = "predict"
	EventCommit        EventType = "commit"
	EventRollback      EventType = "rollback"
	EventSuperseded    EventType = "superseded"
	EventRemove        EventType = "remove"
	EventHydrate       EventType = "hydrate"
	EventCollection    EventType = "collection"
	EventChannelApply  EventType = "channel_apply"
	EventChannelDrop   EventType = "channel_drop"
	EventChannelDelete EventType = "channel_delete"
)

// Entry is one journal record. Entity is set for events that carry entity
// state; IDs is set for collection events.
type Entry struct {
	Seq      int64
	Event    EventType
	Token    string
	Kind     entity.Kind
	ID       string
	Parent   string
	Revision int64
	Entity   *entity.Entity
	IDs      []string
	Detail   string
	Digest   string
}

// Authoritative reports whether the entry changes confirmed state and so takes
// part in replay. Predictions, superseded settles and dropped events do not.
func (e Entry) Authoritative() bool {
	switch e.Event {
	case EventCommit, EventRollback, EventRemove, EventHydrate,
		EventCollection, EventChannelApply, EventChannelDelete:
		return true
	}
	return false
}
