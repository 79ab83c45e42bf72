package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/api/apitest"
	"github.com/roach88/tasksync/internal/engine"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/metrics"
	"github.com/roach88/tasksync/internal/reconcile"
	"github.com/roach88/tasksync/internal/schema"
	"github.com/roach88/tasksync/internal/store"
	"github.com/roach88/tasksync/internal/testutil"
	"github.com/roach88/tasksync/internal/timer"
	"github.com/roach88/tasksync/internal/window"
)

// Harness wires one session: store, engine, channel adapter and timer over a
// fake server, a manual clock and sequential tokens ("tok-1", "tok-2", ...).
// Every run gets a fresh in-memory journal.
type Harness struct {
	store   *store.Store
	backend *apitest.Backend
	engine  *engine.Engine
	adapter *reconcile.Adapter
	timer   *timer.Machine
	journal *journal.Journal
	metrics *metrics.Metrics
	clock   *testutil.ManualClock
	logger  *slog.Logger

	holding   bool
	mutations map[string]*engine.Mutation

	stop func()
	done sync.WaitGroup
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes component logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Run executes a scenario. The returned error is reserved for scenarios the
// harness cannot execute (a release for a token that is not held, a journal
// that cannot open); failed expectations land in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	h, err := newHarness(ctx, o.logger)
	if err != nil {
		return nil, err
	}
	defer h.close(ctx)

	result := NewResult()
	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	for i, step := range scenario.Steps {
		sr, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action, err)
		}
		sr.Index = i
		sr.Action = step.Action
		result.Steps = append(result.Steps, sr)
		for _, msg := range checkExpect(i, step.Expect, sr) {
			result.AddError(msg)
		}
		for _, a := range step.Assert {
			if err := h.evaluate(ctx, a); err != nil {
				result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			}
		}
	}
	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError(err.Error())
		}
	}

	entries, err := h.journal.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	result.Journal = entries
	return result, nil
}

func newHarness(ctx context.Context, logger *slog.Logger) (*Harness, error) {
	j, err := journal.Open("")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	clock := testutil.NewManualClock()
	st := store.New(store.WithLogger(logger))
	backend := apitest.NewBackend(apitest.WithLogger(logger))
	m := metrics.New()
	eng := engine.New(st, backend,
		engine.WithTokenGenerator(testutil.NewSequentialTokens("tok")),
		engine.WithJournal(j),
		engine.WithMetrics(m),
		engine.WithNow(clock.Now),
		engine.WithLogger(logger),
	)
	h := &Harness{
		store:   st,
		backend: backend,
		engine:  eng,
		adapter: reconcile.New(st,
			reconcile.WithCoordinator(eng),
			reconcile.WithJournal(j),
			reconcile.WithMetrics(m),
			reconcile.WithLogger(logger),
		),
		timer:     timer.New(eng, st, timer.WithNow(clock.Now), timer.WithLogger(logger)),
		journal:   j,
		metrics:   m,
		clock:     clock,
		logger:    logger,
		mutations: make(map[string]*engine.Mutation),
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	h.stop = stop
	h.done.Add(1)
	go func() {
		defer h.done.Done()
		_ = eng.Run(runCtx)
	}()
	return h, nil
}

// close releases held requests, lets them settle and shuts the session down.
func (h *Harness) close(ctx context.Context) {
	h.backend.Unhold()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.engine.Flush(flushCtx); err != nil {
		h.logger.Warn("flush on close failed", "error", err)
	}
	h.stop()
	h.done.Wait()
	_ = h.journal.Close()
}

// seed loads entities into the server and hydrates every collection they
// belong to, in order of first appearance.
func (h *Harness) seed(ctx context.Context, seeds []SeedEntity) error {
	type coll struct {
		kind   entity.Kind
		parent string
	}
	var colls []coll
	for i, s := range seeds {
		ent, err := s.Entity()
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		h.backend.Seed(ent)
		c := coll{kind: ent.Kind, parent: ent.Parent}
		if !slices.Contains(colls, c) {
			colls = append(colls, c)
		}
	}
	for _, c := range colls {
		if _, err := h.engine.Hydrate(ctx, c.kind, c.parent); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one step. Mutating steps wait for their outcome unless the
// server is holding requests; the outcome then arrives with release or reject.
func (h *Harness) execute(ctx context.Context, st Step) (StepResult, error) {
	kind := entity.Kind(st.Kind)
	switch st.Action {
	case ActionMutate:
		patch, err := ir.ObjectFromAny(st.Patch)
		if err != nil {
			return StepResult{}, fmt.Errorf("patch: %w", err)
		}
		m, err := h.engine.Mutate(ctx, kind, st.ID, patch)
		return h.issued(ctx, entity.Key{Kind: kind, ID: st.ID}.String(), m, err)

	case ActionDelete:
		m, err := h.engine.Delete(ctx, kind, st.ID)
		return h.issued(ctx, entity.Key{Kind: kind, ID: st.ID}.String(), m, err)

	case ActionCreate:
		fields, err := ir.ObjectFromAny(st.Fields)
		if err != nil {
			return StepResult{}, fmt.Errorf("fields: %w", err)
		}
		m, err := h.engine.Create(ctx, kind, st.Parent, fields)
		return h.issued(ctx, store.CollectionKey{Kind: kind, Parent: st.Parent}.String(), m, err)

	case ActionReorder:
		m, err := h.engine.Reorder(ctx, kind, st.Parent, st.IDs)
		return h.issued(ctx, store.CollectionKey{Kind: kind, Parent: st.Parent}.String(), m, err)

	case ActionBulk:
		if h.holding {
			return StepResult{}, errors.New("bulk waits for every item and cannot run while holding")
		}
		items := make([]engine.BulkItem, len(st.Items))
		for i, it := range st.Items {
			patch, err := ir.ObjectFromAny(it.Patch)
			if err != nil {
				return StepResult{}, fmt.Errorf("items[%d]: %w", i, err)
			}
			items[i] = engine.BulkItem{ID: it.ID, Patch: patch}
		}
		report, err := h.engine.MutateBulk(ctx, kind, items)
		sr := StepResult{Error: errorName(err)}
		for _, f := range report.Failed {
			sr.Failed = append(sr.Failed, f.ID)
		}
		return sr, nil

	case ActionHydrate:
		_, err := h.engine.Hydrate(ctx, kind, st.Parent)
		return StepResult{Key: store.CollectionKey{Kind: kind, Parent: st.Parent}.String(), Error: errorName(err)}, nil

	case ActionEvent:
		ev, err := channelEvent(st.Event)
		if err != nil {
			return StepResult{}, err
		}
		res := h.adapter.OnEvent(ctx, ev)
		return StepResult{Key: entity.Key{Kind: ev.Kind, ID: ev.ID}.String(), Result: string(res)}, nil

	case ActionHold:
		h.backend.Hold()
		h.holding = true
		return StepResult{}, nil

	case ActionUnhold:
		h.backend.Unhold()
		h.holding = false
		if err := h.engine.Flush(ctx); err != nil {
			return StepResult{}, err
		}
		return StepResult{}, nil

	case ActionRelease, ActionReject:
		m, ok := h.mutations[st.Token]
		if !ok {
			return StepResult{}, fmt.Errorf("no mutation issued with token %q", st.Token)
		}
		if err := h.backend.WaitHeld(ctx, st.Token); err != nil {
			return StepResult{}, err
		}
		var err error
		if st.Action == ActionRelease {
			err = h.backend.Release(st.Token)
		} else {
			err = h.backend.Reject(st.Token, apiError(st.Error))
		}
		if err != nil {
			return StepResult{}, err
		}
		return h.outcome(ctx, m)

	case ActionFailNext:
		h.backend.FailNext(apiError(st.Error))
		return StepResult{}, nil

	case ActionAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return StepResult{}, err
		}
		h.clock.Advance(d)
		return StepResult{}, nil

	case ActionTimerStart, ActionTimerStop:
		var m *engine.Mutation
		var err error
		if st.Action == ActionTimerStart {
			m, err = h.timer.Start(ctx, st.ID)
		} else {
			m, err = h.timer.Stop(ctx)
		}
		if err != nil || m == nil {
			return StepResult{Error: errorName(err)}, nil
		}
		return h.issued(ctx, m.Key.String(), m, nil)

	case ActionTimerReset:
		h.timer.Reset()
		return StepResult{}, nil

	case ActionWindow:
		r := computeWindow(st.Window)
		return StepResult{Start: r.Start, End: r.End}, nil
	}
	return StepResult{}, fmt.Errorf("unknown action %q", st.Action)
}

// issued registers a mutation and, unless requests are held, waits for it.
func (h *Harness) issued(ctx context.Context, key string, m *engine.Mutation, err error) (StepResult, error) {
	if err != nil {
		return StepResult{Key: key, Error: errorName(err)}, nil
	}
	h.mutations[m.Token] = m
	if h.holding {
		return StepResult{Key: key, Token: m.Token, Status: "pending"}, nil
	}
	sr, err := h.outcome(ctx, m)
	if sr.Key == "" {
		sr.Key = key
	}
	return sr, err
}

func (h *Harness) outcome(ctx context.Context, m *engine.Mutation) (StepResult, error) {
	out, err := m.Wait(ctx)
	if err != nil && out.Status == "" {
		return StepResult{}, err
	}
	sr := StepResult{Token: m.Token, Status: string(out.Status), Error: errorName(out.Err)}
	if out.Key.ID != "" {
		sr.Key = out.Key.String()
	}
	return sr, nil
}

func channelEvent(es *EventSpec) (api.Event, error) {
	ev := api.Event{
		Type:     api.EventType(es.Type),
		Kind:     entity.Kind(es.Kind),
		ID:       es.ID,
		Revision: es.Revision,
		Parent:   es.Parent,
		Partial:  es.Partial,
	}
	if es.Fields != nil {
		obj, err := ir.ObjectFromAny(es.Fields)
		if err != nil {
			return api.Event{}, fmt.Errorf("event fields: %w", err)
		}
		ev.Fields = obj
	}
	return ev, nil
}

func computeWindow(w *WindowSpec) window.Range {
	if len(w.Heights) > 0 {
		return window.NewHeights(w.Heights).Compute(w.Viewport, w.Scroll, w.Overscan)
	}
	return window.Compute(w.Length, w.ItemHeight, w.Viewport, w.Scroll, w.Overscan)
}

// apiError builds the error a fake server call fails with.
func apiError(kind string) error {
	if kind == "" {
		kind = string(api.KindServer)
	}
	k := api.ErrorKind(kind)
	return &api.Error{Kind: k, Status: api.StatusForKind(k), Message: "injected " + kind}
}

// errorName maps an error to the name scenarios match on.
func errorName(err error) string {
	if err == nil {
		return ""
	}
	var verr *schema.ValidationError
	switch {
	case engine.IsUnknownEntity(err):
		return "unknown_entity"
	case engine.IsPartialBulkFailure(err):
		return "partial_bulk_failure"
	case errors.As(err, &verr):
		return "validation"
	}
	if k := api.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func checkExpect(i int, exp *Expect, sr StepResult) []string {
	if exp == nil {
		return nil
	}
	var errs []string
	mismatch := func(what, want, got string) {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: expected %s %q, got %q", i, sr.Action, what, want, got))
	}
	if exp.Status != "" && exp.Status != sr.Status {
		mismatch("status", exp.Status, sr.Status)
	}
	switch {
	case exp.Error == "none" && sr.Error != "":
		mismatch("error", "", sr.Error)
	case exp.Error != "" && exp.Error != "none" && exp.Error != sr.Error:
		mismatch("error", exp.Error, sr.Error)
	}
	if exp.Result != "" && exp.Result != sr.Result {
		mismatch("result", exp.Result, sr.Result)
	}
	if exp.Failed != nil && !slices.Equal(exp.Failed, sr.Failed) {
		mismatch("failed ids", fmt.Sprint(exp.Failed), fmt.Sprint(sr.Failed))
	}
	if exp.ID != "" && exp.ID != keyID(sr.Key) {
		mismatch("id", exp.ID, keyID(sr.Key))
	}
	if exp.Start != nil && *exp.Start != sr.Start {
		mismatch("window start", fmt.Sprint(*exp.Start), fmt.Sprint(sr.Start))
	}
	if exp.End != nil && *exp.End != sr.End {
		mismatch("window end", fmt.Sprint(*exp.End), fmt.Sprint(sr.End))
	}
	return errs
}

// keyID returns the id part of an entity key string such as "task/t1".
func keyID(key string) string {
	if _, id, ok := strings.Cut(key, "/"); ok {
		return id
	}
	return ""
}
