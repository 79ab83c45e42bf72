package store

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/tasksync/internal/entity"
)

// ChangeOp describes what happened to an entity.
type ChangeOp string

const (
	OpPut    ChangeOp = "put"
	OpRemove ChangeOp = "remove"
)

// Change is delivered to listeners after a write lands.
type Change struct {
	Op  ChangeOp
	Key entity.Key
	// Entity is the new state. Zero for OpRemove.
	Entity entity.Entity
	// Previous is the state before the write; valid when Existed is true.
	Previous entity.Entity
	Existed  bool
}

// Listener receives changes. It runs synchronously on the writer's goroutine
// while the writer lock is held: it may read the store but must not write to
// it (Put, Remove, collection writes, or an engine Mutate), which would
// deadlock. Hand writes to another goroutine instead.
type Listener func(Change)

type subscription struct {
	id uint64
	fn Listener
}

// Store holds entities and collections for one session.
//
// mu guards state. writeMu serializes writers across the state update and the
// notification pass, so listeners observe changes in the order they were applied.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	entities    map[entity.Key]entity.Entity
	kindSubs    map[entity.Kind][]subscription
	idSubs      map[entity.Key][]subscription
	collections map[CollectionKey][]string
	collSubs    map[CollectionKey][]collectionSubscription
	nextSubID   uint64

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entities:    make(map[entity.Key]entity.Entity),
		kindSubs:    make(map[entity.Kind][]subscription),
		idSubs:      make(map[entity.Key][]subscription),
		collections: make(map[CollectionKey][]string),
		collSubs:    make(map[CollectionKey][]collectionSubscription),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored entity.
func (s *Store) Get(kind entity.Kind, id string) (entity.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entity.Key{Kind: kind, ID: id}]
	if !ok {
		return entity.Entity{}, false
	}
	return e.Clone(), true
}

// List returns every entity of kind ordered by id.
func (s *Store) List(kind entity.Kind) []entity.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entity.Entity
	for k, e := range s.entities {
		if k.Kind == kind {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b entity.Entity) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Put is the authoritative upsert. The write is rejected when the incoming
// revision is older than the stored one. An equal revision with identical state is
// a silent no-op.
func (s *Store) Put(e entity.Entity) error {
	return s.put(e, func(stored, incoming int64) bool { return incoming < stored })
}

// PutNewer is Put with a strict gate: an equal revision is rejected too.
// Push events use it so that redelivery never notifies.
func (s *Store) PutNewer(e entity.Entity) error {
	return s.put(e, func(stored, incoming int64) bool { return incoming <= stored })
}

func (s *Store) put(e entity.Entity, stale func(stored, incoming int64) bool) error {
	if err := validate(e); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	key := e.Key()
	prev, existed := s.entities[key]
	if existed && stale(prev.Revision, e.Revision) {
		s.mu.Unlock()
		err := &StaleWriteError{Key: key, Stored: prev.Revision, Incoming: e.Revision}
		s.logger.Debug("stale write dropped",
			"kind", key.Kind,
			"id", key.ID,
			"revision", e.Revision,
			"stored_revision", prev.Revision)
		return err
	}
	if existed && prev.SameState(e) {
		s.mu.Unlock()
		return nil
	}
	next := e.Clone()
	s.entities[key] = next
	subs := s.subscribersLocked(key)
	s.mu.Unlock()

	notify(subs, Change{Op: OpPut, Key: key, Entity: next.Clone(), Previous: prev, Existed: existed})
	return nil
}

// PutOptimistic writes a prediction. It always lands for a stored entity, forces
// Pending and keeps the stored revision, since only the server assigns revisions.
// Returns ErrNotFound if the entity is not stored.
func (s *Store) PutOptimistic(e entity.Entity) error {
	if err := validate(e); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	key := e.Key()
	prev, existed := s.entities[key]
	if !existed {
		s.mu.Unlock()
		return fmt.Errorf("optimistic write for %s: %w", key, ErrNotFound)
	}
	next := e.Clone()
	next.Revision = prev.Revision
	next.Pending = true
	if prev.SameState(next) {
		s.mu.Unlock()
		return nil
	}
	s.entities[key] = next
	subs := s.subscribersLocked(key)
	s.mu.Unlock()

	notify(subs, Change{Op: OpPut, Key: key, Entity: next.Clone(), Previous: prev, Existed: true})
	return nil
}

// Remove deletes the entity and drops its id from every collection of its kind.
// Returns false if nothing was stored.
func (s *Store) Remove(kind entity.Kind, id string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	key := entity.Key{Kind: kind, ID: id}
	prev, existed := s.entities[key]
	if !existed {
		s.mu.Unlock()
		return false
	}
	delete(s.entities, key)
	subs := s.subscribersLocked(key)
	collChanges := s.dropFromCollectionsLocked(key)
	s.mu.Unlock()

	notify(subs, Change{Op: OpRemove, Key: key, Previous: prev, Existed: true})
	for _, cc := range collChanges {
		notifyCollection(cc.subs, cc.change)
	}
	return true
}

// Entities returns every stored entity ordered by kind then id.
func (s *Store) Entities() []entity.Entity {
	var out []entity.Entity
	for _, kind := range entity.Kinds {
		out = append(out, s.List(kind)...)
	}
	return out
}

// Subscribe registers a listener for every change to entities of kind.
// The returned function unsubscribes; calling it more than once is harmless.
func (s *Store) Subscribe(kind entity.Kind, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.kindSubs[kind] = append(s.kindSubs[kind], subscription{id: id, fn: fn})
	return s.unsubscriber(func() {
		s.kindSubs[kind] = removeSub(s.kindSubs[kind], id)
	})
}

// SubscribeID registers a listener for one entity.
func (s *Store) SubscribeID(kind entity.Kind, id string, fn Listener) func() {
	key := entity.Key{Kind: kind, ID: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	subID := s.nextSubID
	s.idSubs[key] = append(s.idSubs[key], subscription{id: subID, fn: fn})
	return s.unsubscriber(func() {
		s.idSubs[key] = removeSub(s.idSubs[key], subID)
		if len(s.idSubs[key]) == 0 {
			delete(s.idSubs, key)
		}
	})
}

func (s *Store) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			remove()
		})
	}
}

// subscribersLocked snapshots kind subscribers followed by id subscribers.
func (s *Store) subscribersLocked(key entity.Key) []subscription {
	kind := s.kindSubs[key.Kind]
	ids := s.idSubs[key]
	out := make([]subscription, 0, len(kind)+len(ids))
	out = append(out, kind...)
	return append(out, ids...)
}

func notify(subs []subscription, c Change) {
	for _, sub := range subs {
		sub.fn(c)
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	return slices.DeleteFunc(slices.Clone(subs), func(s subscription) bool { return s.id == id })
}

func validate(e entity.Entity) error {
	key := e.Key()
	switch {
	case !e.Kind.Valid():
		return &InvalidEntityError{Key: key, Reason: "unknown kind"}
	case e.ID == "":
		return &InvalidEntityError{Key: key, Reason: "empty id"}
	case e.Fields == nil:
		return &InvalidEntityError{Key: key, Reason: "missing fields"}
	case e.Fields.Kind() != e.Kind:
		return &InvalidEntityError{Key: key, Reason: fmt.Sprintf("fields belong to %s", e.Fields.Kind())}
	case e.Revision < 0:
		return &InvalidEntityError{Key: key, Reason: "negative revision"}
	}
	return nil
}
