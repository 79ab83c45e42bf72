package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/metrics"
	"github.com/roach88/tasksync/internal/schema"
	"github.com/roach88/tasksync/internal/store"
)

// Journal receives a record of every prediction and settle.
// Implemented by *journal.Journal.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) (int64, error)
}

// Engine coordinates optimistic writes between the store and the API.
//
// pending holds the latest record per entity and orders the latest per
// collection; inflight maps every unsettled token to its record, including
// superseded ones. All three are guarded by mu.
type Engine struct {
	store   *store.Store
	client  api.Client
	schema  *schema.Validator
	tokens  TokenGenerator
	clock   *Clock
	queue   *eventQueue
	logger  *slog.Logger
	journal Journal
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	pending  map[entity.Key]*record
	orders   map[store.CollectionKey]*record
	inflight map[string]*record

	requests sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTokenGenerator sets the correlation token source. Defaults to UUIDv7Generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		e.tokens = g
	}
}

// WithJournal records predictions and settles.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithMetrics counts settles and tracks the pending gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithValidator sets the patch validator. Defaults to schema.Default().
func WithValidator(v *schema.Validator) Option {
	return func(e *Engine) {
		e.schema = v
	}
}

// WithNow sets the wall clock used for settle latency.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over s that talks to client.
func New(s *store.Store, client api.Client, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		client:   client,
		tokens:   UUIDv7Generator{},
		clock:    NewClock(),
		queue:    newEventQueue(),
		logger:   slog.Default(),
		now:      time.Now,
		pending:  make(map[entity.Key]*record),
		orders:   make(map[store.CollectionKey]*record),
		inflight: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.schema == nil {
		e.schema = schema.Default()
	}
	return e
}

// Store returns the store the engine writes to.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Run is the single-writer loop that applies settles and submitted functions.
// It blocks until ctx is cancelled or Stop is called. Events still queued at that
// point are applied before Run returns, so issued mutations always resolve.
//
// On a failed event the error is logged and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.processEvent(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			e.drain(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once the queue is empty.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) drain(ctx context.Context) {
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		e.processEvent(ctx, ev)
	}
}

func (e *Engine) processEvent(ctx context.Context, ev Event) {
	if ev.done != nil {
		defer close(ev.done)
	}
	switch ev.Type {
	case EventTypeSettle:
		if ev.Settle == nil {
			e.logger.Error("settle event missing settlement")
			return
		}
		e.settle(ctx, ev.Settle)
	case EventTypeFunc:
		if ev.Func != nil {
			ev.Func(ctx)
		}
	default:
		e.logger.Error("unknown event type", "type", int(ev.Type))
	}
}

// Submit queues fn to run on the Run loop. Returns false after Stop.
func (e *Engine) Submit(fn func(context.Context)) bool {
	return e.queue.Enqueue(Event{Type: EventTypeFunc, Func: fn})
}

// Do runs fn on the Run loop and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(Event{Type: EventTypeFunc, Func: fn, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every issued request has returned and its settle has been
// applied.
func (e *Engine) Flush(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		e.requests.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.Do(ctx, func(context.Context) {})
}

// Pending reports whether an optimistic write for the entity is unconfirmed.
func (e *Engine) Pending(kind entity.Kind, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[entity.Key{Kind: kind, ID: id}]
	return ok
}

// PendingCount returns the number of entities and collections awaiting confirmation.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) + len(e.orders)
}

// issue runs call in the background and queues its settlement. The request
// context keeps ctx's values but not its cancellation: an issued mutation always
// settles.
func (e *Engine) issue(ctx context.Context, rec *record, call func(context.Context) settlement) {
	reqCtx := context.WithoutCancel(ctx)
	e.requests.Add(1)
	go func() {
		defer e.requests.Done()
		s := call(reqCtx)
		s.token = rec.token
		if !e.queue.Enqueue(Event{Type: EventTypeSettle, Settle: &s}) {
			// Run has exited; nothing else writes now.
			e.settle(reqCtx, &s)
		}
	}()
}

func (e *Engine) record(ctx context.Context, entry journal.Entry) {
	if e.journal == nil {
		return
	}
	if _, err := e.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("journal append failed",
			"event", entry.Event,
			"token", entry.Token,
			"error", err)
	}
}

func (e *Engine) updatePendingGauge() {
	e.metrics.SetPending(len(e.pending) + len(e.orders))
}

func entityPtr(ent entity.Entity) *entity.Entity {
	c := ent.Clone()
	return &c
}
