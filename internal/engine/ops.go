package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/store"
)

// Delete marks the entity pending and asks the server to delete it. The entity
// is removed when the server confirms (or reports it already gone) and restored
// if the server refuses.
func (e *Engine) Delete(ctx context.Context, kind entity.Kind, id string) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := entity.Key{Kind: kind, ID: id}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.store.Get(kind, id)
	if !ok {
		return nil, &UnknownEntityError{Key: key}
	}
	rec := e.newRecord(opDelete, key)
	rec.base = current
	rec.base.Pending = false
	if prev := e.pending[key]; prev != nil {
		rec.base = prev.base
	}
	rec.predicted = current
	if err := e.store.PutOptimistic(current); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &UnknownEntityError{Key: key}
		}
		return nil, fmt.Errorf("delete %s: %w", key, err)
	}
	e.pending[key] = rec
	e.inflight[rec.token] = rec
	e.updatePendingGauge()
	e.record(ctx, journal.Entry{Event: journal.EventPredict, Token: rec.token, Kind: kind, ID: id, Detail: "delete"})

	req := api.DeleteRequest{Token: rec.token, Kind: kind, ID: id}
	e.issue(ctx, rec, func(ctx context.Context) settlement {
		return settlement{err: e.client.Delete(ctx, req)}
	})
	return rec.mutation, nil
}

func (e *Engine) settleDelete(ctx context.Context, rec *record, s *settlement) Outcome {
	key := rec.key
	latest := e.pending[key] == rec

	if s.err == nil || api.IsNotFound(s.err) {
		// The entity is gone on the server whichever record is latest.
		if latest {
			delete(e.pending, key)
		}
		e.removeConfirmed(ctx, rec, "deleted")
		return Outcome{Status: StatusRemoved}
	}

	rej := e.rejected(rec, s.err)
	if !latest {
		e.record(ctx, journal.Entry{Event: journal.EventSuperseded, Token: rec.token, Kind: key.Kind, ID: key.ID, Detail: s.err.Error()})
		return Outcome{Status: StatusSuperseded, Err: rej}
	}
	delete(e.pending, key)
	return e.rollback(ctx, rec, rej)
}

// Create asks the server to create an entity. Nothing is shown until the server
// assigns an id; then the entity is stored and appended to its parent's collection.
func (e *Engine) Create(ctx context.Context, kind entity.Kind, parent string, fields ir.Object) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("create: unknown entity kind %q", kind)
	}
	if err := e.schema.ValidateFields(kind, fields); err != nil {
		return nil, fmt.Errorf("create %s: %w", kind, err)
	}
	if _, err := entity.FieldsFromObject(kind, fields); err != nil {
		return nil, fmt.Errorf("create %s: %w", kind, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.newRecord(opCreate, entity.Key{Kind: kind})
	rec.coll = store.CollectionKey{Kind: kind, Parent: parent}
	e.inflight[rec.token] = rec
	e.logger.Debug("create issued", "kind", kind, "parent", parent, "token", rec.token)

	req := api.CreateRequest{Token: rec.token, Kind: kind, Parent: parent, Fields: fields.Clone()}
	e.issue(ctx, rec, func(ctx context.Context) settlement {
		ent, err := e.client.Create(ctx, req)
		return settlement{entity: ent, err: err}
	})
	return rec.mutation, nil
}

func (e *Engine) settleCreate(ctx context.Context, rec *record, s *settlement) Outcome {
	if s.err != nil {
		e.logger.Warn("create rejected", "kind", rec.key.Kind, "token", rec.token, "error", s.err)
		return Outcome{Status: StatusRolledBack, Err: e.rejected(rec, s.err)}
	}
	ent := s.entity.Clone()
	ent.Pending = false
	if ent.Parent == "" {
		ent.Parent = rec.coll.Parent
	}
	if ent.Kind != rec.key.Kind || ent.ID == "" {
		err := fmt.Errorf("server returned %s for a %s create", ent.Key(), rec.key.Kind)
		return Outcome{Status: StatusRolledBack, Err: e.rejected(rec, err)}
	}
	final := e.putConfirmed(ctx, ent, "create")
	e.record(ctx, journal.Entry{Event: journal.EventCommit, Token: rec.token, Entity: entityPtr(final)})
	if e.store.AppendToCollection(ent.Kind, ent.Parent, ent.ID) {
		e.record(ctx, journal.Entry{
			Event:  journal.EventCollection,
			Token:  rec.token,
			Kind:   ent.Kind,
			Parent: ent.Parent,
			IDs:    e.store.Collection(ent.Kind, ent.Parent),
		})
	}
	return Outcome{Status: StatusCommitted, Key: final.Key(), Entity: final}
}

// Reorder shows the new order of a collection immediately and sends it to the
// server. Reorders of one collection supersede each other like entity mutations.
func (e *Engine) Reorder(ctx context.Context, kind entity.Kind, parent string, ids []string) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ck := store.CollectionKey{Kind: kind, Parent: parent}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.store.Collection(kind, parent)
	if err := e.store.Reorder(kind, parent, ids); err != nil {
		return nil, err
	}
	rec := e.newRecord(opReorder, entity.Key{Kind: kind})
	rec.coll = ck
	rec.baseIDs = current
	rec.ids = slices.Clone(ids)
	if prev := e.orders[ck]; prev != nil {
		rec.baseIDs = prev.baseIDs
	}
	e.orders[ck] = rec
	e.inflight[rec.token] = rec
	e.updatePendingGauge()
	e.record(ctx, journal.Entry{Event: journal.EventPredict, Token: rec.token, Kind: kind, Parent: parent, IDs: rec.ids, Detail: "reorder"})

	req := api.ReorderRequest{Token: rec.token, Kind: kind, Parent: parent, IDs: slices.Clone(ids)}
	e.issue(ctx, rec, func(ctx context.Context) settlement {
		got, err := e.client.Reorder(ctx, req)
		return settlement{ids: got, err: err}
	})
	return rec.mutation, nil
}

func (e *Engine) settleReorder(ctx context.Context, rec *record, s *settlement) Outcome {
	ck := rec.coll
	latest := e.orders[ck] == rec

	if s.err == nil {
		confirmed := s.ids
		if confirmed == nil {
			confirmed = rec.ids
		}
		if !latest {
			if cur := e.orders[ck]; cur != nil {
				cur.baseIDs = slices.Clone(confirmed)
			}
			return Outcome{Status: StatusSuperseded, IDs: slices.Clone(confirmed)}
		}
		delete(e.orders, ck)
		final := e.setOrder(ctx, rec, confirmed)
		return Outcome{Status: StatusCommitted, IDs: final}
	}

	rej := &MutationRejectedError{Token: rec.token, Key: entity.Key{Kind: ck.Kind, ID: ck.Parent}, Cause: s.err}
	if !latest {
		return Outcome{Status: StatusSuperseded, Err: rej}
	}
	delete(e.orders, ck)
	final := e.setOrder(ctx, rec, rec.baseIDs)
	e.logger.Warn("reorder rolled back", "kind", ck.Kind, "parent", ck.Parent, "token", rec.token, "error", s.err)
	return Outcome{Status: StatusRolledBack, IDs: final, Err: rej}
}

// setOrder applies want to the collection, keeping membership changes that
// happened while the request was in flight.
func (e *Engine) setOrder(ctx context.Context, rec *record, want []string) []string {
	ck := rec.coll
	final := mergeOrder(e.store.Collection(ck.Kind, ck.Parent), want)
	if err := e.store.SetCollection(ck.Kind, ck.Parent, final); err != nil {
		e.logger.Error("set collection failed", "kind", ck.Kind, "parent", ck.Parent, "error", err)
		return e.store.Collection(ck.Kind, ck.Parent)
	}
	e.record(ctx, journal.Entry{Event: journal.EventCollection, Token: rec.token, Kind: ck.Kind, Parent: ck.Parent, IDs: final})
	return final
}

// mergeOrder orders current by want: ids in want come first in want's order
// (if still present), followed by ids that want does not mention.
func mergeOrder(current, want []string) []string {
	present := make(map[string]bool, len(current))
	for _, id := range current {
		present[id] = true
	}
	out := make([]string, 0, len(current))
	placed := make(map[string]bool, len(current))
	for _, id := range want {
		if present[id] && !placed[id] {
			out = append(out, id)
			placed[id] = true
		}
	}
	for _, id := range current {
		if !placed[id] {
			out = append(out, id)
		}
	}
	return out
}

// Hydrate fetches a collection from the server and stores it. Entities with a
// pending prediction keep it; the fetched state becomes their rollback base.
// Returns the collection order.
func (e *Engine) Hydrate(ctx context.Context, kind entity.Kind, parent string) ([]string, error) {
	items, err := e.client.List(ctx, api.ListRequest{Kind: kind, Parent: parent})
	if err != nil {
		return nil, fmt.Errorf("hydrate %s@%s: %w", kind, parent, err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.Kind != kind {
			return nil, fmt.Errorf("hydrate %s@%s: server returned %s", kind, parent, it.Key())
		}
		ids = append(ids, it.ID)
	}

	var applyErr error
	err = e.Do(ctx, func(ctx context.Context) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, it := range items {
			ent := it.Clone()
			if ent.Parent == "" {
				ent.Parent = parent
			}
			if _, err := e.applyAuthoritativeLocked(ent, false); err != nil {
				if store.IsStaleWrite(err) {
					e.metrics.StaleWrite("hydrate")
					continue
				}
				applyErr = err
				return
			}
			e.record(ctx, journal.Entry{Event: journal.EventHydrate, Entity: entityPtr(ent)})
		}
		ck := store.CollectionKey{Kind: kind, Parent: parent}
		if _, reordering := e.orders[ck]; reordering {
			return
		}
		if err := e.store.SetCollection(kind, parent, ids); err != nil {
			applyErr = err
			return
		}
		e.record(ctx, journal.Entry{Event: journal.EventCollection, Kind: kind, Parent: parent, IDs: ids})
	})
	if err != nil {
		return nil, err
	}
	if applyErr != nil {
		return nil, fmt.Errorf("hydrate %s@%s: %w", kind, parent, applyErr)
	}
	e.logger.Info("hydrated", "kind", kind, "parent", parent, "count", len(ids))
	return ids, nil
}
