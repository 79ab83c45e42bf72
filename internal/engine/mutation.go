package engine

import (
	"context"
	"time"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/store"
)

// Status is how a mutation settled.
type Status string

const (
	// StatusCommitted: the server accepted the mutation and its result is visible.
	StatusCommitted Status = "committed"
	// StatusRolledBack: the server refused it and the base state was restored.
	StatusRolledBack Status = "rolled_back"
	// StatusSuperseded: a later mutation for the same target was issued first;
	// this response did not change what is visible.
	StatusSuperseded Status = "superseded"
	// StatusRemoved: the entity no longer exists (deleted, or the server said not found).
	StatusRemoved Status = "removed"
	// StatusDiscarded: the entity was removed by someone else while the request
	// was in flight; the response was dropped.
	StatusDiscarded Status = "discarded"
)

// Outcome describes a settled mutation. Err is a *MutationRejectedError when the
// server refused the request.
type Outcome struct {
	Token      string
	Key        entity.Key
	Collection store.CollectionKey
	Status     Status
	Entity     entity.Entity
	IDs        []string
	Err        error
}

// Mutation is the caller's handle on an issued mutation.
type Mutation struct {
	Token string
	Key   entity.Key
	Seq   int64

	done    chan struct{}
	outcome Outcome
}

// Done is closed once the mutation has settled.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Outcome returns the settled outcome, or false if the mutation is still in flight.
func (m *Mutation) Outcome() (Outcome, bool) {
	select {
	case <-m.done:
		return m.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the mutation settles and returns its outcome together with
// Outcome.Err. If ctx ends first it returns ctx.Err(); the mutation still settles.
func (m *Mutation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-m.done:
		return m.outcome, m.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (m *Mutation) resolve(o Outcome) {
	m.outcome = o
	close(m.done)
}

type opKind int

const (
	opUpdate opKind = iota + 1
	opDelete
	opCreate
	opReorder
)

func (o opKind) String() string {
	switch o {
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	case opCreate:
		return "create"
	case opReorder:
		return "reorder"
	}
	return "unknown"
}

// record is the coordinator's private state for one issued mutation.
// base is the last confirmed state and survives supersession: a record that
// replaces another inherits its base and its accumulated patch.
type record struct {
	op     opKind
	token  string
	seq    int64
	key    entity.Key
	coll   store.CollectionKey
	issued time.Time

	base      entity.Entity
	predicted entity.Entity
	patch     ir.Object
	predict   PredictFunc
	commit    CommitFunc

	baseIDs []string
	ids     []string

	mutation *Mutation
}

// settlement is an API response travelling back to the Run loop.
type settlement struct {
	token  string
	entity entity.Entity
	ids    []string
	err    error
}

// PredictFunc computes the optimistic state from the current state and a patch.
type PredictFunc func(current entity.Entity, patch ir.Object) (entity.Entity, error)

// CommitFunc adjusts the server's response before it is written to the store.
type CommitFunc func(response entity.Entity) entity.Entity

// DeriveFunc computes a patch from the current state.
type DeriveFunc func(current entity.Entity) (ir.Object, error)

// MutateOption configures one mutation.
type MutateOption func(*mutateConfig)

type mutateConfig struct {
	predict PredictFunc
	commit  CommitFunc
}

// WithPredict replaces the default prediction (apply the patch to the current state).
func WithPredict(fn PredictFunc) MutateOption {
	return func(c *mutateConfig) {
		c.predict = fn
	}
}

// WithCommit transforms the server response before it is committed.
func WithCommit(fn CommitFunc) MutateOption {
	return func(c *mutateConfig) {
		c.commit = fn
	}
}

func applyPatch(current entity.Entity, patch ir.Object) (entity.Entity, error) {
	return current.Apply(patch)
}

func (e *Engine) newRecord(op opKind, key entity.Key) *record {
	token := e.tokens.Generate()
	seq := e.clock.Next()
	return &record{
		op:     op,
		token:  token,
		seq:    seq,
		key:    key,
		issued: e.now(),
		mutation: &Mutation{
			Token: token,
			Key:   key,
			Seq:   seq,
			done:  make(chan struct{}),
		},
	}
}

// mergePatches layers next over prev.
func mergePatches(prev, next ir.Object) ir.Object {
	out := prev.Clone()
	if out == nil {
		out = ir.Object{}
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}
