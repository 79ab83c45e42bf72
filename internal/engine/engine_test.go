package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/api/apitest"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/metrics"
	"github.com/roach88/tasksync/internal/store"
	"github.com/roach88/tasksync/internal/testutil"
)

type fixture struct {
	engine  *Engine
	store   *store.Store
	backend *apitest.Backend
	ctx     context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	s := store.New()
	b := apitest.NewBackend()
	opts = append([]Option{WithTokenGenerator(testutil.NewSequentialTokens("tok"))}, opts...)
	e := New(s, b, opts...)

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.Run(runCtx)
	}()
	t.Cleanup(func() {
		b.Unhold()
		stop()
		wg.Wait()
	})
	return &fixture{engine: e, store: s, backend: b, ctx: ctx}
}

// seed puts tasks into both the server and the local store.
func (f *fixture) seed(t *testing.T, ents ...entity.Entity) {
	t.Helper()
	f.backend.Seed(ents...)
	for _, e := range ents {
		require.NoError(t, f.store.Put(e))
		f.store.AppendToCollection(e.Kind, e.Parent, e.ID)
	}
}

func (f *fixture) task(t *testing.T, id string) entity.Entity {
	t.Helper()
	e, ok := f.store.Get(entity.KindTask, id)
	require.True(t, ok, "task %s not in store", id)
	return e
}

func task(id string, rev int64, title string) entity.Entity {
	return entity.Entity{
		Kind:     entity.KindTask,
		ID:       id,
		Revision: rev,
		Parent:   "l1",
		Fields:   entity.Task{Title: title, Status: entity.StatusTodo},
	}
}

func titleOf(e entity.Entity) string {
	return e.Fields.(entity.Task).Title
}

func retitle(title string) ir.Object {
	return ir.Object{"title": ir.String(title)}
}

func TestMutate_PredictsThenCommits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.Hold()

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", m.Token)

	visible := f.task(t, "t1")
	assert.Equal(t, "b", titleOf(visible), "prediction is visible before the server answers")
	assert.True(t, visible.Pending)
	assert.Equal(t, int64(1), visible.Revision, "prediction keeps the stored revision")
	assert.True(t, f.engine.Pending(entity.KindTask, "t1"))

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-1"))
	require.NoError(t, f.backend.Release("tok-1"))

	out, err := m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, int64(2), out.Entity.Revision)

	final := f.task(t, "t1")
	assert.Equal(t, "b", titleOf(final))
	assert.False(t, final.Pending)
	assert.Equal(t, int64(2), final.Revision)
	assert.False(t, f.engine.Pending(entity.KindTask, "t1"))
	assert.Equal(t, 0, f.engine.PendingCount())
}

func TestMutate_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.FailNext(&api.Error{Kind: api.KindConflict, Message: "locked"})

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)

	out, err := m.Wait(f.ctx)
	require.Error(t, err)
	assert.True(t, IsMutationRejected(err))
	assert.ErrorIs(t, err, ErrMutationRejected)
	assert.Equal(t, api.KindConflict, api.KindOf(err))
	assert.Equal(t, StatusRolledBack, out.Status)

	restored := f.task(t, "t1")
	assert.Equal(t, "a", titleOf(restored))
	assert.False(t, restored.Pending)
	assert.Equal(t, int64(1), restored.Revision)
}

func TestMutate_UnknownEntity(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Mutate(f.ctx, entity.KindTask, "missing", retitle("b"))
	require.Error(t, err)
	assert.True(t, IsUnknownEntity(err))
	assert.Empty(t, f.backend.Calls(), "nothing is sent for an unknown entity")
}

func TestMutate_InvalidPatchNotApplied(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))

	_, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", ir.Object{"priority": ir.Int(9)})
	require.Error(t, err)

	current := f.task(t, "t1")
	assert.False(t, current.Pending)
	assert.Empty(t, f.backend.Calls())
}

func TestMutate_NotFoundRemoves(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(task("t1", 1, "a")))
	f.store.AppendToCollection(entity.KindTask, "l1", "t1")

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)

	out, err := m.Wait(f.ctx)
	assert.True(t, api.IsNotFound(err))
	assert.Equal(t, StatusRemoved, out.Status)

	_, ok := f.store.Get(entity.KindTask, "t1")
	assert.False(t, ok)
	assert.Empty(t, f.store.Collection(entity.KindTask, "l1"))
}

func TestMutate_SupersededSuccessBecomesBase(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.Hold()

	m1, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("x"))
	require.NoError(t, err)
	m2, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", ir.Object{"priority": ir.Int(2)})
	require.NoError(t, err)

	visible := f.task(t, "t1")
	assert.Equal(t, "x", titleOf(visible), "second prediction builds on the first")
	assert.Equal(t, int64(2), visible.Fields.(entity.Task).Priority)

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-1"))
	require.NoError(t, f.backend.Release("tok-1"))
	out1, err := m1.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, out1.Status)

	base, ok := f.engine.Base(entity.Key{Kind: entity.KindTask, ID: "t1"})
	require.True(t, ok)
	assert.Equal(t, int64(2), base.Revision)
	assert.Equal(t, "x", titleOf(base))
	assert.True(t, f.task(t, "t1").Pending, "superseded response is not shown")

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-2"))
	require.NoError(t, f.backend.Reject("tok-2", &api.Error{Kind: api.KindServer, Message: "boom"}))
	out2, err := m2.Wait(f.ctx)
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, out2.Status)

	restored := f.task(t, "t1")
	assert.Equal(t, int64(2), restored.Revision, "rollback restores the newest confirmed state")
	assert.Equal(t, "x", titleOf(restored))
	assert.Equal(t, int64(0), restored.Fields.(entity.Task).Priority)
	assert.False(t, restored.Pending)
}

func TestMutate_OnlyLatestTokenApplies(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.Hold()

	m1, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("x"))
	require.NoError(t, err)
	m2, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("y"))
	require.NoError(t, err)

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-2"))
	require.NoError(t, f.backend.Release("tok-2"))
	out2, err := m2.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out2.Status)

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-1"))
	require.NoError(t, f.backend.Reject("tok-1", &api.Error{Kind: api.KindServer, Message: "late"}))
	out1, _ := m1.Wait(f.ctx)
	assert.Equal(t, StatusSuperseded, out1.Status)

	final := f.task(t, "t1")
	assert.Equal(t, "y", titleOf(final), "a late failure of a superseded token changes nothing")
	assert.False(t, final.Pending)
}

func TestMutateWith_DerivesFromCurrentState(t *testing.T) {
	f := newFixture(t)
	seed := task("t1", 1, "a")
	seed.Fields = entity.Task{Title: "a", Status: entity.StatusTodo, TimeSpentMs: 1000}
	f.seed(t, seed)

	m, err := f.engine.MutateWith(f.ctx, entity.KindTask, "t1", func(cur entity.Entity) (ir.Object, error) {
		spent := cur.Fields.(entity.Task).TimeSpentMs
		return ir.Object{"time_spent_ms": ir.Int(spent + 500)}, nil
	})
	require.NoError(t, err)
	out, err := m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), out.Entity.Fields.(entity.Task).TimeSpentMs)
}

func TestMutate_WithCommitTransformsResponse(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"),
		WithCommit(func(resp entity.Entity) entity.Entity {
			out, _ := resp.Apply(ir.Object{"priority": ir.Int(4)})
			return out
		}))
	require.NoError(t, err)
	_, err = m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.task(t, "t1").Fields.(entity.Task).Priority)
}

func TestMutateBulk_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"), task("t2", 1, "b"), task("t3", 1, "c"))
	f.backend.Hold()

	done := make(chan struct{})
	var report BulkReport
	var bulkErr error
	go func() {
		defer close(done)
		report, bulkErr = f.engine.MutateBulk(f.ctx, entity.KindTask, []BulkItem{
			{ID: "t1", Patch: ir.Object{"status": ir.String("done")}},
			{ID: "t2", Patch: ir.Object{"status": ir.String("done")}},
			{ID: "missing", Patch: ir.Object{"status": ir.String("done")}},
			{ID: "t3", Patch: ir.Object{"status": ir.String("done")}},
		})
	}()

	for _, tok := range []string{"tok-1", "tok-2", "tok-3"} {
		require.NoError(t, f.backend.WaitHeld(f.ctx, tok))
	}
	require.NoError(t, f.backend.Release("tok-3"))
	require.NoError(t, f.backend.Reject("tok-2", &api.Error{Kind: api.KindValidation, Message: "closed list"}))
	require.NoError(t, f.backend.Release("tok-1"))
	<-done

	require.Error(t, bulkErr)
	assert.True(t, IsPartialBulkFailure(bulkErr))
	assert.Equal(t, []string{"t1", "t3"}, report.Succeeded)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "t2", report.Failed[0].ID)
	assert.Equal(t, "validation", report.Failed[0].Reason)
	assert.Equal(t, "missing", report.Failed[1].ID)
	assert.True(t, IsUnknownEntity(report.Failed[1].Err))

	assert.Equal(t, entity.StatusTodo, f.task(t, "t2").Fields.(entity.Task).Status, "failed item rolled back")
	assert.Equal(t, entity.StatusDone, f.task(t, "t3").Fields.(entity.Task).Status)
}

func TestCreate_AppendsToCollection(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))

	m, err := f.engine.Create(f.ctx, entity.KindTask, "l1", ir.Object{
		"title":  ir.String("new"),
		"status": ir.String("todo"),
	})
	require.NoError(t, err)
	out, err := m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, "task-1", out.Key.ID)

	created := f.task(t, "task-1")
	assert.Equal(t, "new", titleOf(created))
	assert.False(t, created.Pending)
	assert.Equal(t, []string{"t1", "task-1"}, f.store.Collection(entity.KindTask, "l1"))
}

func TestCreate_InvalidFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Create(f.ctx, entity.KindTask, "l1", ir.Object{"status": ir.String("todo")})
	require.Error(t, err, "title is required")
	assert.Empty(t, f.backend.Calls())
}

func TestDelete_SuccessRemoves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"), task("t2", 1, "b"))
	f.backend.Hold()

	m, err := f.engine.Delete(f.ctx, entity.KindTask, "t1")
	require.NoError(t, err)
	assert.True(t, f.task(t, "t1").Pending, "deletion is shown as pending")

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-1"))
	require.NoError(t, f.backend.Release("tok-1"))
	out, err := m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, out.Status)

	_, ok := f.store.Get(entity.KindTask, "t1")
	assert.False(t, ok)
	assert.Equal(t, []string{"t2"}, f.store.Collection(entity.KindTask, "l1"))
}

func TestDelete_FailureRestores(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.FailNext(&api.Error{Kind: api.KindUnauthorized, Message: "read only"})

	m, err := f.engine.Delete(f.ctx, entity.KindTask, "t1")
	require.NoError(t, err)
	out, err := m.Wait(f.ctx)
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	assert.Equal(t, StatusRolledBack, out.Status)

	restored := f.task(t, "t1")
	assert.False(t, restored.Pending)
	assert.Equal(t, []string{"t1"}, f.store.Collection(entity.KindTask, "l1"))
}

func TestReorder_CommitAndRollback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"), task("t2", 1, "b"), task("t3", 1, "c"))

	m, err := f.engine.Reorder(f.ctx, entity.KindTask, "l1", []string{"t3", "t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t1", "t2"}, f.store.Collection(entity.KindTask, "l1"))
	out, err := m.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, []string{"t3", "t1", "t2"}, f.backend.Order(entity.KindTask, "l1"))

	f.backend.FailNext(&api.Error{Kind: api.KindServer, Message: "boom"})
	m, err = f.engine.Reorder(f.ctx, entity.KindTask, "l1", []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	out, err = m.Wait(f.ctx)
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, out.Status)
	assert.Equal(t, []string{"t3", "t1", "t2"}, f.store.Collection(entity.KindTask, "l1"))
}

func TestReorder_RejectsNonPermutation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"), task("t2", 1, "b"))

	_, err := f.engine.Reorder(f.ctx, entity.KindTask, "l1", []string{"t1"})
	require.Error(t, err)
	assert.Equal(t, []string{"t1", "t2"}, f.store.Collection(entity.KindTask, "l1"))
}

func TestMergeOrder(t *testing.T) {
	tests := []struct {
		name    string
		current []string
		want    []string
		expect  []string
	}{
		{"same membership", []string{"a", "b", "c"}, []string{"c", "a", "b"}, []string{"c", "a", "b"}},
		{"removed while in flight", []string{"a", "c"}, []string{"c", "b", "a"}, []string{"c", "a"}},
		{"added while in flight", []string{"a", "b", "d"}, []string{"b", "a"}, []string{"b", "a", "d"}},
		{"empty", nil, []string{"a"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, mergeOrder(tt.current, tt.want))
		})
	}
}

func TestHydrate(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(task("t2", 4, "b"), task("t1", 2, "a"))

	ids, err := f.engine.Hydrate(f.ctx, entity.KindTask, "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, ids)
	assert.Equal(t, []string{"t2", "t1"}, f.store.Collection(entity.KindTask, "l1"))
	assert.Equal(t, int64(4), f.task(t, "t2").Revision)
}

func TestHydrate_KeepsPendingPrediction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.Hold()

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("mine"))
	require.NoError(t, err)

	// Someone else bumps the server copy before we hydrate.
	_, err = f.backend.Patch(entity.KindTask, "t1", ir.Object{"priority": ir.Int(3)})
	require.NoError(t, err)
	_, err = f.engine.Hydrate(f.ctx, entity.KindTask, "l1")
	require.NoError(t, err)

	visible := f.task(t, "t1")
	assert.Equal(t, "mine", titleOf(visible))
	assert.Equal(t, int64(3), visible.Fields.(entity.Task).Priority)
	assert.Equal(t, int64(2), visible.Revision)
	assert.True(t, visible.Pending)

	require.NoError(t, f.backend.WaitHeld(f.ctx, "tok-1"))
	require.NoError(t, f.backend.Reject("tok-1", &api.Error{Kind: api.KindServer, Message: "boom"}))
	_, err = m.Wait(f.ctx)
	require.Error(t, err)

	restored := f.task(t, "t1")
	assert.Equal(t, "a", titleOf(restored))
	assert.Equal(t, int64(3), restored.Fields.(entity.Task).Priority, "rollback lands on the hydrated base")
	assert.Equal(t, int64(2), restored.Revision)
}

func TestRebase_StaleIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 3, "a"))
	f.backend.Hold()

	_, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("mine"))
	require.NoError(t, err)

	handled, err := f.engine.Rebase(task("t1", 2, "old"))
	assert.True(t, handled)
	assert.True(t, store.IsStaleWrite(err))
	assert.Equal(t, "mine", titleOf(f.task(t, "t1")))

	handled, err = f.engine.Rebase(task("t2", 9, "other"))
	assert.False(t, handled)
	assert.NoError(t, err)
}

func TestSettleAfterRunExits(t *testing.T) {
	s := store.New()
	b := apitest.NewBackend()
	e := New(s, b, WithTokenGenerator(testutil.NewSequentialTokens("tok")))
	b.Seed(task("t1", 1, "a"))
	require.NoError(t, s.Put(task("t1", 1, "a")))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)

	m, err := e.Mutate(context.Background(), entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, err := m.Wait(waitCtx)
	require.NoError(t, err, "a mutation issued after Run exits still settles")
	assert.Equal(t, StatusCommitted, out.Status)
	assert.ErrorIs(t, e.Do(waitCtx, func(context.Context) {}), ErrStopped)
}

func TestFlushWaitsForSettles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, task("t1", 1, "a"))
	f.backend.SetLatency(20 * time.Millisecond)

	m, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Flush(f.ctx))

	_, settled := m.Outcome()
	assert.True(t, settled)
	assert.False(t, f.task(t, "t1").Pending)
}

func TestJournalAndMetricsWiring(t *testing.T) {
	j, err := journal.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	m := metrics.New()

	f := newFixture(t, WithJournal(j), WithMetrics(m))
	f.seed(t, task("t1", 1, "a"))

	mut, err := f.engine.Mutate(f.ctx, entity.KindTask, "t1", retitle("b"))
	require.NoError(t, err)
	_, err = mut.Wait(f.ctx)
	require.NoError(t, err)

	entries, err := j.ReadToken(f.ctx, mut.Token)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.EventPredict, entries[0].Event)
	assert.Equal(t, journal.EventCommit, entries[1].Event)
	assert.Equal(t, int64(2), entries[1].Revision)

	// The journal alone rebuilds the confirmed state.
	rebuilt := store.New()
	_, err = j.Replay(f.ctx, rebuilt)
	require.NoError(t, err)
	got, ok := rebuilt.Get(entity.KindTask, "t1")
	require.True(t, ok)
	assert.Equal(t, "b", titleOf(got))
}
