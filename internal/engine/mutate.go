package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/store"
)

// Mutate applies patch optimistically to the entity and sends it to the server.
//
// The prediction is visible (Pending=true, revision unchanged) before Mutate
// returns. The returned Mutation settles on the Run loop: committed with the
// server's entity on success, rolled back to the last confirmed state on
// failure. A second Mutate for the same entity before the first settles
// predicts from the pending state and replaces the first as the one whose
// response counts.
func (e *Engine) Mutate(ctx context.Context, kind entity.Kind, id string, patch ir.Object, opts ...MutateOption) (*Mutation, error) {
	return e.MutateWith(ctx, kind, id, func(entity.Entity) (ir.Object, error) {
		return patch, nil
	}, opts...)
}

// MutateWith is Mutate with a patch derived from the entity's current state.
// derive runs under the engine lock, so no other prediction can interleave
// between the read and the write.
func (e *Engine) MutateWith(ctx context.Context, kind entity.Kind, id string, derive DeriveFunc, opts ...MutateOption) (*Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := mutateConfig{predict: applyPatch}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := entity.Key{Kind: kind, ID: id}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.store.Get(kind, id)
	if !ok {
		return nil, &UnknownEntityError{Key: key}
	}
	patch, err := derive(current)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	if err := e.schema.ValidatePatch(kind, patch); err != nil {
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	predicted, err := cfg.predict(current, patch)
	if err != nil {
		return nil, fmt.Errorf("mutate %s: predict: %w", key, err)
	}

	rec := e.newRecord(opUpdate, key)
	rec.base = current
	rec.base.Pending = false
	rec.patch = patch.Clone()
	rec.predict = cfg.predict
	rec.commit = cfg.commit
	if prev := e.pending[key]; prev != nil {
		rec.base = prev.base
		rec.patch = mergePatches(prev.patch, patch)
	}
	rec.predicted = predicted

	if err := e.store.PutOptimistic(predicted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &UnknownEntityError{Key: key}
		}
		return nil, fmt.Errorf("mutate %s: %w", key, err)
	}
	e.pending[key] = rec
	e.inflight[rec.token] = rec
	e.updatePendingGauge()

	e.logger.Debug("mutation issued",
		"kind", kind,
		"id", id,
		"token", rec.token,
		"revision", rec.base.Revision)
	e.record(ctx, journal.Entry{
		Event:  journal.EventPredict,
		Token:  rec.token,
		Entity: entityPtr(predicted),
	})

	req := api.UpdateRequest{Token: rec.token, Kind: kind, ID: id, Patch: patch.Clone()}
	e.issue(ctx, rec, func(ctx context.Context) settlement {
		ent, err := e.client.Update(ctx, req)
		return settlement{entity: ent, err: err}
	})
	return rec.mutation, nil
}

// settle applies one API response. Runs on the Run loop, or inline after it exits.
func (e *Engine) settle(ctx context.Context, s *settlement) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.inflight[s.token]
	if !ok {
		e.logger.Warn("settle for unknown token", "token", s.token)
		return
	}
	delete(e.inflight, s.token)

	var out Outcome
	switch rec.op {
	case opUpdate:
		out = e.settleUpdate(ctx, rec, s)
	case opDelete:
		out = e.settleDelete(ctx, rec, s)
	case opCreate:
		out = e.settleCreate(ctx, rec, s)
	case opReorder:
		out = e.settleReorder(ctx, rec, s)
	}
	out.Token = rec.token
	if out.Key == (entity.Key{}) {
		out.Key = rec.key
	}
	if out.Collection == (store.CollectionKey{}) {
		out.Collection = rec.coll
	}

	e.updatePendingGauge()
	e.metrics.MutationSettled(string(rec.key.Kind), string(out.Status), e.now().Sub(rec.issued))
	rec.mutation.resolve(out)
}

func (e *Engine) rejected(rec *record, err error) *MutationRejectedError {
	return &MutationRejectedError{Token: rec.token, Key: rec.key, Cause: err}
}

func (e *Engine) settleUpdate(ctx context.Context, rec *record, s *settlement) Outcome {
	key := rec.key
	latest := e.pending[key] == rec

	if s.err == nil {
		confirmed := s.entity.Clone()
		if rec.commit != nil {
			confirmed = rec.commit(confirmed)
		}
		confirmed.Pending = false

		if !latest {
			// A superseded success is still authoritative: it becomes the new
			// rollback base without being shown.
			if cur := e.pending[key]; cur != nil && confirmed.Revision > cur.base.Revision {
				cur.base = confirmed
			}
			e.record(ctx, journal.Entry{Event: journal.EventSuperseded, Token: rec.token, Entity: entityPtr(confirmed)})
			return Outcome{Status: StatusSuperseded, Entity: confirmed}
		}

		delete(e.pending, key)
		if _, exists := e.store.Get(key.Kind, key.ID); !exists {
			e.logger.Info("settle dropped: entity removed while in flight", "kind", key.Kind, "id", key.ID, "token", rec.token)
			return Outcome{Status: StatusDiscarded, Entity: confirmed}
		}
		final := confirmed
		if rec.base.Revision > final.Revision {
			final = rec.base
		}
		final = e.putConfirmed(ctx, final, "settle")
		e.record(ctx, journal.Entry{Event: journal.EventCommit, Token: rec.token, Entity: entityPtr(final)})
		e.logger.Debug("mutation committed", "kind", key.Kind, "id", key.ID, "token", rec.token, "revision", final.Revision)
		return Outcome{Status: StatusCommitted, Entity: final}
	}

	rej := e.rejected(rec, s.err)

	if api.IsNotFound(s.err) {
		if latest {
			delete(e.pending, key)
		}
		e.removeConfirmed(ctx, rec, "server reported not found")
		return Outcome{Status: StatusRemoved, Err: rej}
	}

	if !latest {
		e.record(ctx, journal.Entry{Event: journal.EventSuperseded, Token: rec.token, Kind: key.Kind, ID: key.ID, Detail: s.err.Error()})
		return Outcome{Status: StatusSuperseded, Err: rej}
	}

	delete(e.pending, key)
	return e.rollback(ctx, rec, rej)
}

// rollback restores rec.base if the entity still exists.
func (e *Engine) rollback(ctx context.Context, rec *record, rej *MutationRejectedError) Outcome {
	key := rec.key
	if _, exists := e.store.Get(key.Kind, key.ID); !exists {
		return Outcome{Status: StatusDiscarded, Err: rej}
	}
	restored := e.putConfirmed(ctx, rec.base, "rollback")
	e.record(ctx, journal.Entry{Event: journal.EventRollback, Token: rec.token, Entity: entityPtr(restored), Detail: rej.Cause.Error()})
	e.logger.Warn("mutation rolled back",
		"kind", key.Kind,
		"id", key.ID,
		"token", rec.token,
		"revision", restored.Revision,
		"error", rej.Cause)
	return Outcome{Status: StatusRolledBack, Entity: restored, Err: rej}
}

// putConfirmed writes an authoritative state with Pending cleared. If the store
// already holds a newer revision, that state wins and is returned.
func (e *Engine) putConfirmed(ctx context.Context, ent entity.Entity, source string) entity.Entity {
	ent = ent.Clone()
	ent.Pending = false
	err := e.store.Put(ent)
	if err == nil {
		return ent
	}
	if store.IsStaleWrite(err) {
		e.metrics.StaleWrite(source)
		e.logger.Debug("confirmed write superseded by newer revision",
			"kind", ent.Kind,
			"id", ent.ID,
			"revision", ent.Revision,
			"error", err)
		if cur, ok := e.store.Get(ent.Kind, ent.ID); ok {
			return cur
		}
		return ent
	}
	e.logger.Error("confirmed write failed", "kind", ent.Kind, "id", ent.ID, "error", err)
	return ent
}

func (e *Engine) removeConfirmed(ctx context.Context, rec *record, reason string) {
	if e.store.Remove(rec.key.Kind, rec.key.ID) {
		e.record(ctx, journal.Entry{
			Event:  journal.EventRemove,
			Token:  rec.token,
			Kind:   rec.key.Kind,
			ID:     rec.key.ID,
			Detail: reason,
		})
	}
}

// Base returns the confirmed state beneath a pending prediction.
// Reports false if no prediction is pending for the entity.
func (e *Engine) Base(key entity.Key) (entity.Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.pending[key]
	if !ok {
		return entity.Entity{}, false
	}
	return rec.base.Clone(), true
}

// Rebase folds an authoritative entity that arrived from elsewhere (push channel,
// hydrate) under a pending prediction: it becomes the rollback base and the
// prediction is recomputed on top of it. Reports whether a prediction was pending.
// When it was and ent is not newer than the base, err is a *store.StaleWriteError.
func (e *Engine) Rebase(ent entity.Entity) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebaseLocked(ent)
}

func (e *Engine) rebaseLocked(ent entity.Entity) (bool, error) {
	key := ent.Key()
	rec, ok := e.pending[key]
	if !ok {
		return false, nil
	}
	if ent.Revision <= rec.base.Revision {
		return true, &store.StaleWriteError{Key: key, Stored: rec.base.Revision, Incoming: ent.Revision}
	}
	confirmed := ent.Clone()
	confirmed.Pending = false
	rec.base = confirmed

	visible := confirmed
	switch rec.op {
	case opUpdate:
		predict := rec.predict
		if predict == nil {
			predict = applyPatch
		}
		repredicted, err := predict(confirmed, rec.patch)
		if err != nil {
			e.logger.Warn("re-prediction failed; showing confirmed state", "kind", key.Kind, "id", key.ID, "error", err)
		} else {
			visible = repredicted
		}
	}
	visible.Revision = confirmed.Revision
	visible.Pending = true
	if err := e.store.Put(visible); err != nil {
		return true, err
	}
	return true, nil
}

// Absorb writes an authoritative entity that arrived outside a settle (push
// channel). Under a pending prediction it rebases; otherwise it goes through the
// store's revision gate, the strict one (equal revisions dropped) when strict is
// set. Reports whether the entity was rebased.
func (e *Engine) Absorb(ent entity.Entity, strict bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyAuthoritativeLocked(ent, strict)
}

func (e *Engine) applyAuthoritativeLocked(ent entity.Entity, strict bool) (bool, error) {
	ent.Pending = false
	if handled, err := e.rebaseLocked(ent); handled {
		return true, err
	}
	if strict {
		return false, e.store.PutNewer(ent)
	}
	return false, e.store.Put(ent)
}
