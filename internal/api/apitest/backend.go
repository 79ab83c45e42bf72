// Package apitest provides an in-memory authoritative task service for tests and
// local development: an api.Client implementation with programmable latency,
// failures and held responses, a gin HTTP surface and a websocket push hub.
package apitest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/schema"
)

// ErrNotHeld is returned by Release and Reject for a token with no held call.
var ErrNotHeld = errors.New("no held call for token")

// Call records one request received by the Backend.
type Call struct {
	Method string
	Token  string
	Kind   entity.Kind
	ID     string
	Parent string
}

type orderKey struct {
	kind   entity.Kind
	parent string
}

// Backend is a fake server. It assigns revisions (+1 per accepted write), keeps
// collection order and publishes a push event for every accepted write.
//
// Safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	entities map[entity.Key]entity.Entity
	orders   map[orderKey][]string
	nextID   int
	hold     bool
	gates    map[string]chan error
	failNext []error
	latency  time.Duration
	calls    []Call
	changed  chan struct{}

	listeners []func(api.Event)
	schema    *schema.Validator
	logger    *slog.Logger
}

var _ api.Client = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithLatency delays every call by d.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

// NewBackend creates an empty backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		entities: make(map[entity.Key]entity.Entity),
		orders:   make(map[orderKey][]string),
		gates:    make(map[string]chan error),
		changed:  make(chan struct{}),
		schema:   schema.Default(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Seed stores entities as-is and appends each to its parent's collection.
func (b *Backend) Seed(ents ...entity.Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range ents {
		e = e.Clone()
		e.Pending = false
		b.entities[e.Key()] = e
		ck := orderKey{kind: e.Kind, parent: e.Parent}
		if !slices.Contains(b.orders[ck], e.ID) {
			b.orders[ck] = append(b.orders[ck], e.ID)
		}
	}
}

// SetOrder replaces a collection order without publishing anything.
func (b *Backend) SetOrder(kind entity.Kind, parent string, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[orderKey{kind: kind, parent: parent}] = slices.Clone(ids)
}

// Get returns the server's copy of an entity.
func (b *Backend) Get(kind entity.Kind, id string) (entity.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[entity.Key{Kind: kind, ID: id}]
	return e.Clone(), ok
}

// Order returns the server's order of a collection.
func (b *Backend) Order(kind entity.Kind, parent string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.orders[orderKey{kind: kind, parent: parent}])
}

// Calls returns every request received so far, in arrival order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// SetLatency changes the per-call delay.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// FailNext makes the next call fail with err. Calls queue up: FailNext twice
// fails the next two calls.
func (b *Backend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = append(b.failNext, err)
}

// Hold makes every later mutating call wait until it is released or rejected
// by token. The write is applied at release time, so releasing out of issue
// order models a server that processed requests out of order.
func (b *Backend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = true
}

// Unhold stops holding and releases every held call.
func (b *Backend) Unhold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = false
	for tok, gate := range b.gates {
		gate <- nil
		delete(b.gates, tok)
	}
}

// Release lets the held call with token proceed.
func (b *Backend) Release(token string) error {
	return b.open(token, nil)
}

// Reject fails the held call with token. err is returned to the caller
// unchanged; use *api.Error to pick a kind.
func (b *Backend) Reject(token string, err error) error {
	if err == nil {
		err = &api.Error{Kind: api.KindServer, Status: 500, Message: "rejected"}
	}
	return b.open(token, err)
}

func (b *Backend) open(token string, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate, ok := b.gates[token]
	if !ok {
		return fmt.Errorf("release %q: %w", token, ErrNotHeld)
	}
	delete(b.gates, token)
	gate <- err
	return nil
}

// WaitCalls blocks until at least n calls have arrived.
func (b *Backend) WaitCalls(ctx context.Context, n int) error {
	return b.waitFor(ctx, func() bool { return len(b.calls) >= n })
}

// WaitHeld blocks until a call with token is being held.
func (b *Backend) WaitHeld(ctx context.Context, token string) error {
	return b.waitFor(ctx, func() bool {
		_, ok := b.gates[token]
		return ok
	})
}

func (b *Backend) waitFor(ctx context.Context, cond func() bool) error {
	for {
		b.mu.Lock()
		if cond() {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnEvent registers fn for every published event. The returned function unregisters it.
func (b *Backend) OnEvent(fn func(api.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
	idx := len(b.listeners) - 1
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.listeners[idx] = nil
		})
	}
}

// Push publishes ev without touching server state. Tests use it to deliver
// duplicate or out-of-order events.
func (b *Backend) Push(ev api.Event) {
	b.mu.Lock()
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}
}

// admit records the call and applies latency, failure injection and holding.
func (b *Backend) admit(ctx context.Context, call Call, holdable bool) error {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	var injected error
	if len(b.failNext) > 0 {
		injected = b.failNext[0]
		b.failNext = b.failNext[1:]
	}
	var gate chan error
	if holdable && b.hold && call.Token != "" {
		gate = make(chan error, 1)
		b.gates[call.Token] = gate
	}
	latency := b.latency
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	b.logger.Debug("backend call", "method", call.Method, "kind", call.Kind, "id", call.ID, "token", call.Token)

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return &api.Error{Kind: api.KindNetwork, Message: ctx.Err().Error(), Err: ctx.Err()}
		}
	}
	if gate != nil {
		select {
		case err := <-gate:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			b.mu.Lock()
			delete(b.gates, call.Token)
			b.mu.Unlock()
			return &api.Error{Kind: api.KindNetwork, Message: ctx.Err().Error(), Err: ctx.Err()}
		}
	}
	return injected
}

func (b *Backend) List(ctx context.Context, req api.ListRequest) ([]entity.Entity, error) {
	if err := b.admit(ctx, Call{Method: "list", Kind: req.Kind, Parent: req.Parent}, false); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.orders[orderKey{kind: req.Kind, parent: req.Parent}]
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := b.entities[entity.Key{Kind: req.Kind, ID: id}]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (b *Backend) Create(ctx context.Context, req api.CreateRequest) (entity.Entity, error) {
	if err := b.admit(ctx, Call{Method: "create", Token: req.Token, Kind: req.Kind, Parent: req.Parent}, true); err != nil {
		return entity.Entity{}, err
	}
	if err := b.schema.ValidateFields(req.Kind, req.Fields); err != nil {
		return entity.Entity{}, validationError(err)
	}
	fields, err := entity.FieldsFromObject(req.Kind, req.Fields)
	if err != nil {
		return entity.Entity{}, validationError(err)
	}

	b.mu.Lock()
	var id string
	for {
		b.nextID++
		id = fmt.Sprintf("%s-%d", req.Kind, b.nextID)
		if _, taken := b.entities[entity.Key{Kind: req.Kind, ID: id}]; !taken {
			break
		}
	}
	e := entity.Entity{Kind: req.Kind, ID: id, Revision: 1, Parent: req.Parent, Fields: fields}
	b.entities[e.Key()] = e
	ck := orderKey{kind: req.Kind, parent: req.Parent}
	b.orders[ck] = append(b.orders[ck], id)
	b.mu.Unlock()

	b.Push(api.EventFor(api.EventCreated, e))
	return e.Clone(), nil
}

func (b *Backend) Update(ctx context.Context, req api.UpdateRequest) (entity.Entity, error) {
	if err := b.admit(ctx, Call{Method: "update", Token: req.Token, Kind: req.Kind, ID: req.ID}, true); err != nil {
		return entity.Entity{}, err
	}
	if err := b.schema.ValidatePatch(req.Kind, req.Patch); err != nil {
		return entity.Entity{}, validationError(err)
	}

	b.mu.Lock()
	key := entity.Key{Kind: req.Kind, ID: req.ID}
	cur, ok := b.entities[key]
	if !ok {
		b.mu.Unlock()
		return entity.Entity{}, notFound(key)
	}
	next, err := cur.Apply(req.Patch)
	if err != nil {
		b.mu.Unlock()
		return entity.Entity{}, validationError(err)
	}
	next.Revision = cur.Revision + 1
	b.entities[key] = next
	b.mu.Unlock()

	b.Push(api.EventFor(api.EventUpdated, next))
	return next.Clone(), nil
}

func (b *Backend) Delete(ctx context.Context, req api.DeleteRequest) error {
	if err := b.admit(ctx, Call{Method: "delete", Token: req.Token, Kind: req.Kind, ID: req.ID}, true); err != nil {
		return err
	}

	b.mu.Lock()
	key := entity.Key{Kind: req.Kind, ID: req.ID}
	cur, ok := b.entities[key]
	if !ok {
		b.mu.Unlock()
		return notFound(key)
	}
	delete(b.entities, key)
	for ck, ids := range b.orders {
		if ck.kind == req.Kind {
			b.orders[ck] = slices.DeleteFunc(ids, func(id string) bool { return id == req.ID })
		}
	}
	cur.Revision++
	b.mu.Unlock()

	b.Push(api.EventFor(api.EventDeleted, cur))
	return nil
}

func (b *Backend) Reorder(ctx context.Context, req api.ReorderRequest) ([]string, error) {
	if err := b.admit(ctx, Call{Method: "reorder", Token: req.Token, Kind: req.Kind, Parent: req.Parent}, true); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ck := orderKey{kind: req.Kind, parent: req.Parent}
	cur := b.orders[ck]
	if !samePermutation(cur, req.IDs) {
		return nil, &api.Error{
			Kind:    api.KindConflict,
			Status:  409,
			Message: fmt.Sprintf("order for %s@%s does not match collection membership", req.Kind, req.Parent),
		}
	}
	b.orders[ck] = slices.Clone(req.IDs)
	return slices.Clone(req.IDs), nil
}

// Patch applies a server-side edit, as another client would, and publishes it.
func (b *Backend) Patch(kind entity.Kind, id string, patch ir.Object) (entity.Entity, error) {
	b.mu.Lock()
	key := entity.Key{Kind: kind, ID: id}
	cur, ok := b.entities[key]
	if !ok {
		b.mu.Unlock()
		return entity.Entity{}, notFound(key)
	}
	next, err := cur.Apply(patch)
	if err != nil {
		b.mu.Unlock()
		return entity.Entity{}, err
	}
	next.Revision = cur.Revision + 1
	b.entities[key] = next
	b.mu.Unlock()

	b.Push(api.EventFor(api.EventUpdated, next))
	return next.Clone(), nil
}

func validationError(err error) error {
	return &api.Error{Kind: api.KindValidation, Status: 422, Message: err.Error(), Err: err}
}

func notFound(key entity.Key) error {
	return &api.Error{Kind: api.KindNotFound, Status: 404, Message: fmt.Sprintf("%s not found", key)}
}

func samePermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y) && !hasDuplicate(y)
}

func hasDuplicate(sorted []string) bool {
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return true
		}
	}
	return false
}
