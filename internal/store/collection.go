package store

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/tasksync/internal/entity"
)

// CollectionKey scopes an ordered id sequence, e.g. the tasks of one list.
type CollectionKey struct {
	Kind   entity.Kind
	Parent string
}

func (k CollectionKey) String() string {
	return string(k.Kind) + "@" + k.Parent
}

// CollectionChange carries the full new order of a collection.
type CollectionChange struct {
	Key CollectionKey
	IDs []string
}

// CollectionListener receives collection changes synchronously. Like Listener,
// it must not write to the store.
type CollectionListener func(CollectionChange)

type collectionSubscription struct {
	id uint64
	fn CollectionListener
}

type pendingCollectionChange struct {
	subs   []collectionSubscription
	change CollectionChange
}

// Collection returns a copy of the ids in a collection.
func (s *Store) Collection(kind entity.Kind, parent string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.collections[CollectionKey{Kind: kind, Parent: parent}])
}

// Collections returns the keys of every non-empty collection.
func (s *Store) Collections() []CollectionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]CollectionKey, 0, len(s.collections))
	for k, ids := range s.collections {
		if len(ids) > 0 {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b CollectionKey) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		switch {
		case a.Parent < b.Parent:
			return -1
		case a.Parent > b.Parent:
			return 1
		}
		return 0
	})
	return keys
}

// SetCollection replaces the membership and order of a collection. Duplicate ids
// are rejected.
func (s *Store) SetCollection(kind entity.Kind, parent string, ids []string) error {
	key := CollectionKey{Kind: kind, Parent: parent}
	if dup, ok := firstDuplicate(ids); ok {
		return fmt.Errorf("set collection %s: duplicate id %q", key, dup)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if slices.Equal(s.collections[key], ids) {
		s.mu.Unlock()
		return nil
	}
	s.collections[key] = slices.Clone(ids)
	subs := slices.Clone(s.collSubs[key])
	s.mu.Unlock()

	notifyCollection(subs, CollectionChange{Key: key, IDs: slices.Clone(ids)})
	return nil
}

// AppendToCollection adds id at the end of a collection unless already present.
// Reports whether the collection changed.
func (s *Store) AppendToCollection(kind entity.Kind, parent, id string) bool {
	key := CollectionKey{Kind: kind, Parent: parent}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if slices.Contains(s.collections[key], id) {
		s.mu.Unlock()
		return false
	}
	next := append(slices.Clone(s.collections[key]), id)
	s.collections[key] = next
	subs := slices.Clone(s.collSubs[key])
	s.mu.Unlock()

	notifyCollection(subs, CollectionChange{Key: key, IDs: slices.Clone(next)})
	return true
}

// Reorder sets a new order for a collection. ids must be a permutation of the
// current membership.
func (s *Store) Reorder(kind entity.Kind, parent string, ids []string) error {
	key := CollectionKey{Kind: kind, Parent: parent}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current := s.collections[key]
	if !isPermutation(current, ids) {
		s.mu.Unlock()
		return fmt.Errorf("reorder %s: ids are not a permutation of the current collection", key)
	}
	if slices.Equal(current, ids) {
		s.mu.Unlock()
		return nil
	}
	s.collections[key] = slices.Clone(ids)
	subs := slices.Clone(s.collSubs[key])
	s.mu.Unlock()

	notifyCollection(subs, CollectionChange{Key: key, IDs: slices.Clone(ids)})
	return nil
}

// SubscribeCollection registers a listener for one collection.
func (s *Store) SubscribeCollection(kind entity.Kind, parent string, fn CollectionListener) func() {
	key := CollectionKey{Kind: kind, Parent: parent}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.collSubs[key] = append(s.collSubs[key], collectionSubscription{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.collSubs[key] = slices.DeleteFunc(slices.Clone(s.collSubs[key]), func(c collectionSubscription) bool {
				return c.id == id
			})
		})
	}
}

func (s *Store) dropFromCollectionsLocked(key entity.Key) []pendingCollectionChange {
	var changes []pendingCollectionChange
	for ck, ids := range s.collections {
		if ck.Kind != key.Kind {
			continue
		}
		idx := slices.Index(ids, key.ID)
		if idx < 0 {
			continue
		}
		next := slices.Delete(slices.Clone(ids), idx, idx+1)
		s.collections[ck] = next
		changes = append(changes, pendingCollectionChange{
			subs:   slices.Clone(s.collSubs[ck]),
			change: CollectionChange{Key: ck, IDs: slices.Clone(next)},
		})
	}
	return changes
}

func notifyCollection(subs []collectionSubscription, c CollectionChange) {
	for _, sub := range subs {
		sub.fn(c)
	}
}

func firstDuplicate(ids []string) (string, bool) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return "", false
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}
