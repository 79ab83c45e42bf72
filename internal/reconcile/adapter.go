package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/metrics"
	"github.com/roach88/tasksync/internal/store"
)

// Event is a push-channel message.
type Event = api.Event

// Result says what became of one event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultRebased   Result = "rebased"
	ResultDeleted   Result = "deleted"
	ResultAbsent    Result = "absent"
	ResultDuplicate Result = "duplicate"
	ResultStale     Result = "stale"
	ResultUnknown   Result = "unknown"
	ResultInvalid   Result = "invalid"
)

// Dropped reports whether the event left the store untouched.
func (r Result) Dropped() bool {
	switch r {
	case ResultApplied, ResultRebased, ResultDeleted:
		return false
	}
	return true
}

// Coordinator is the part of the mutation engine the adapter defers to.
// Implemented by *engine.Engine.
type Coordinator interface {
	// Base returns the confirmed state under a pending prediction.
	Base(key entity.Key) (entity.Entity, bool)
	// Absorb writes an authoritative entity, rebasing a pending prediction.
	Absorb(ent entity.Entity, strict bool) (bool, error)
	// Submit runs fn on the single-writer loop.
	Submit(fn func(context.Context)) bool
}

// Journal records applied and dropped events. Implemented by *journal.Journal.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) (int64, error)
}

// Adapter applies events to a store.
type Adapter struct {
	store   *store.Store
	coord   Coordinator
	journal Journal
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCoordinator routes writes through the mutation engine so pending
// predictions survive channel updates.
func WithCoordinator(c Coordinator) Option {
	return func(a *Adapter) {
		a.coord = c
	}
}

// WithJournal records every event.
func WithJournal(j Journal) Option {
	return func(a *Adapter) {
		a.journal = j
	}
}

// WithMetrics counts events by result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// New creates an adapter writing to s.
func New(s *store.Store, opts ...Option) *Adapter {
	a := &Adapter{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Deliver queues ev onto the coordinator's loop. Without a coordinator, or
// once the loop has stopped, the event is applied on the calling goroutine.
func (a *Adapter) Deliver(ev Event) {
	if a.coord != nil && a.coord.Submit(func(ctx context.Context) { a.OnEvent(ctx, ev) }) {
		return
	}
	a.OnEvent(context.Background(), ev)
}

// OnEvent applies one event and reports the result.
func (a *Adapter) OnEvent(ctx context.Context, ev Event) Result {
	res, ent, err := a.apply(ev)
	a.metrics.ChannelEvent(string(ev.Type), string(res))

	logArgs := []any{"event", ev.Type, "kind", ev.Kind, "id", ev.ID, "revision", ev.Revision, "result", res}
	if err != nil {
		logArgs = append(logArgs, "error", err)
	}
	switch res {
	case ResultInvalid, ResultUnknown:
		a.logger.Warn("channel event dropped", logArgs...)
	case ResultDuplicate, ResultStale:
		a.metrics.StaleWrite("channel")
		a.logger.Debug("channel event dropped", logArgs...)
	case ResultAbsent:
		a.logger.Debug("channel delete for absent entity", logArgs...)
	default:
		a.logger.Debug("channel event applied", logArgs...)
	}
	a.record(ctx, ev, res, ent, err)
	return res
}

func (a *Adapter) apply(ev Event) (Result, *entity.Entity, error) {
	if err := validateEvent(ev); err != nil {
		return ResultInvalid, nil, err
	}
	if ev.Type == api.EventDeleted {
		if a.store.Remove(ev.Kind, ev.ID) {
			return ResultDeleted, nil, nil
		}
		return ResultAbsent, nil, nil
	}

	ent, err := a.entityFor(ev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResultUnknown, nil, err
		}
		return ResultInvalid, nil, err
	}

	var rebased bool
	if a.coord != nil {
		rebased, err = a.coord.Absorb(ent, true)
	} else {
		err = a.store.PutNewer(ent)
	}
	if err != nil {
		var se *store.StaleWriteError
		if errors.As(err, &se) {
			if se.Duplicate() {
				return ResultDuplicate, &ent, err
			}
			return ResultStale, &ent, err
		}
		return ResultInvalid, &ent, err
	}

	if ev.Type == api.EventCreated && ent.Parent != "" {
		a.store.AppendToCollection(ent.Kind, ent.Parent, ent.ID)
	}
	if rebased {
		return ResultRebased, &ent, nil
	}
	return ResultApplied, &ent, nil
}

// entityFor builds the authoritative entity an event describes. Partial fields
// are merged onto the confirmed state, which for a pending entity is the base
// under its prediction.
func (a *Adapter) entityFor(ev Event) (entity.Entity, error) {
	key := entity.Key{Kind: ev.Kind, ID: ev.ID}
	confirmed, known := a.confirmed(key)

	ent := entity.Entity{Kind: ev.Kind, ID: ev.ID, Revision: ev.Revision, Parent: ev.Parent}
	if ent.Parent == "" && known {
		ent.Parent = confirmed.Parent
	}

	if !ev.Partial {
		fields, err := entity.FieldsFromObject(ev.Kind, ev.Fields)
		if err != nil {
			return entity.Entity{}, err
		}
		ent.Fields = fields
		return ent, nil
	}

	if !known {
		return entity.Entity{}, fmt.Errorf("partial update for %s: %w", key, store.ErrNotFound)
	}
	if ev.Revision <= confirmed.Revision {
		// Report through the gate so the result is classified like a full event.
		ent.Fields = confirmed.Fields
		return ent, nil
	}
	fields, err := entity.ApplyPatch(confirmed.Fields, ev.Fields)
	if err != nil {
		return entity.Entity{}, err
	}
	ent.Fields = fields
	return ent, nil
}

func (a *Adapter) confirmed(key entity.Key) (entity.Entity, bool) {
	if a.coord != nil {
		if base, ok := a.coord.Base(key); ok {
			return base, true
		}
	}
	return a.store.Get(key.Kind, key.ID)
}

func (a *Adapter) record(ctx context.Context, ev Event, res Result, ent *entity.Entity, cause error) {
	if a.journal == nil {
		return
	}
	entry := journal.Entry{Kind: ev.Kind, ID: ev.ID, Parent: ev.Parent, Revision: ev.Revision, Detail: string(res)}
	switch {
	case res == ResultDeleted:
		entry.Event = journal.EventChannelDelete
	case !res.Dropped():
		entry.Event = journal.EventChannelApply
		entry.Entity = ent
	default:
		entry.Event = journal.EventChannelDrop
		if cause != nil {
			entry.Detail = fmt.Sprintf("%s: %v", res, cause)
		}
		if digest, err := ir.EventHash(string(ev.Type), string(ev.Kind), ev.ID, ev.Revision, ev.Fields); err == nil {
			entry.Digest = digest
		}
	}
	if _, err := a.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("journal append failed", "event", entry.Event, "id", ev.ID, "error", err)
	}
}

func validateEvent(ev Event) error {
	switch ev.Type {
	case api.EventCreated, api.EventUpdated, api.EventDeleted:
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", ev.Kind)
	}
	if ev.ID == "" {
		return errors.New("event without id")
	}
	if ev.Type != api.EventDeleted && ev.Revision <= 0 {
		return fmt.Errorf("event for %s/%s without revision", ev.Kind, ev.ID)
	}
	return nil
}
