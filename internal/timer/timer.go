// Package timer holds the single active timer. At most one task accumulates time
// at once; switching tasks flushes the elapsed time of the previous one through
// the mutation coordinator before the new one starts.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tasksync/internal/engine"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

// DefaultTickInterval is the display refresh cadence.
const DefaultTickInterval = time.Second

// State is Idle or Running.
type State interface {
	state() // sealed
}

// Idle means no task is being timed.
type Idle struct{}

func (Idle) state() {}

// Running binds the timer to one task.
type Running struct {
	EntityID  string
	StartedAt time.Time
	// PriorAccumulated is the task's recorded time when the timer started.
	PriorAccumulated time.Duration
}

func (Running) state() {}

// Coordinator issues the accumulation mutation. *engine.Engine implements it.
type Coordinator interface {
	MutateWith(ctx context.Context, kind entity.Kind, id string, derive engine.DeriveFunc, opts ...engine.MutateOption) (*engine.Mutation, error)
}

// Entities reads tasks. *store.Store implements it.
type Entities interface {
	Get(kind entity.Kind, id string) (entity.Entity, bool)
}

// Machine is the timer. The zero value is not usable; call New.
//
// mu is held across the flush and the transition, so no Start or Stop can
// observe the state between them.
type Machine struct {
	mu       sync.Mutex
	state    State
	coord    Coordinator
	entities Entities
	now      func() time.Time
	tick     time.Duration
	logger   *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithTickInterval sets the cadence of Ticks.
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) { m.tick = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New returns an Idle timer.
func New(coord Coordinator, entities Entities, opts ...Option) *Machine {
	m := &Machine{
		state:    Idle{},
		coord:    coord,
		entities: entities,
		now:      time.Now,
		tick:     DefaultTickInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tick <= 0 {
		m.tick = DefaultTickInterval
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start times task id. A timer running on another task is flushed first and
// the returned mutation carries that flush; it is nil when nothing was flushed.
// Starting the task that is already running is a no-op.
func (m *Machine) Start(ctx context.Context, id string) (*engine.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.state.(Running); ok && r.EntityID == id {
		return nil, nil
	}
	target, ok := m.entities.Get(entity.KindTask, id)
	if !ok {
		return nil, &engine.UnknownEntityError{Key: entity.Key{Kind: entity.KindTask, ID: id}}
	}

	now := m.now()
	mut, err := m.flushLocked(ctx, now)
	if err != nil {
		return nil, err
	}
	m.state = Running{
		EntityID:         id,
		StartedAt:        now,
		PriorAccumulated: accumulated(target),
	}
	m.logger.Info("timer started", "task", id)
	return mut, nil
}

// Stop flushes the running task and returns to Idle.
func (m *Machine) Stop(ctx context.Context) (*engine.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mut, err := m.flushLocked(ctx, m.now())
	if err != nil {
		return nil, err
	}
	if r, ok := m.state.(Running); ok {
		m.logger.Info("timer stopped", "task", r.EntityID)
	}
	m.state = Idle{}
	return mut, nil
}

// Reset returns to Idle and discards the elapsed time.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.state.(Running); ok {
		m.logger.Info("timer reset", "task", r.EntityID, "discarded", m.now().Sub(r.StartedAt))
	}
	m.state = Idle{}
}

// Elapsed is the time since the running task started. Zero when Idle.
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsedLocked()
}

// Total is the running task's recorded time plus Elapsed.
func (m *Machine) Total() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.(Running)
	if !ok {
		return 0
	}
	return r.PriorAccumulated + m.elapsedLocked()
}

// Ticks emits Elapsed on every tick until ctx ends. A slow reader misses ticks
// rather than blocking the timer.
func (m *Machine) Ticks(ctx context.Context) <-chan time.Duration {
	out := make(chan time.Duration, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- m.Elapsed():
				default:
				}
			}
		}
	}()
	return out
}

func (m *Machine) elapsedLocked() time.Duration {
	r, ok := m.state.(Running)
	if !ok {
		return 0
	}
	return max(m.now().Sub(r.StartedAt), 0)
}

// flushLocked adds the elapsed time to the running task. A task that has
// disappeared is logged and skipped.
func (m *Machine) flushLocked(ctx context.Context, now time.Time) (*engine.Mutation, error) {
	r, ok := m.state.(Running)
	if !ok {
		return nil, nil
	}
	elapsed := now.Sub(r.StartedAt).Milliseconds()
	if elapsed <= 0 {
		return nil, nil
	}
	mut, err := m.coord.MutateWith(ctx, entity.KindTask, r.EntityID, func(current entity.Entity) (ir.Object, error) {
		t, ok := current.Fields.(entity.Task)
		if !ok {
			return nil, fmt.Errorf("timer target %s is not a task", current.Key())
		}
		return ir.Object{"time_spent_ms": ir.Int(t.TimeSpentMs + elapsed)}, nil
	})
	switch {
	case errors.Is(err, engine.ErrUnknownEntity):
		m.logger.Warn("timer target gone, elapsed time dropped", "task", r.EntityID, "elapsed_ms", elapsed)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("flush timer for %s: %w", r.EntityID, err)
	}
	m.logger.Debug("timer flushed", "task", r.EntityID, "elapsed_ms", elapsed, "token", mut.Token)
	return mut, nil
}

func accumulated(ent entity.Entity) time.Duration {
	if t, ok := ent.Fields.(entity.Task); ok {
		return time.Duration(t.TimeSpentMs) * time.Millisecond
	}
	return 0
}
