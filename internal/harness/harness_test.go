package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			assert.Len(t, result.Steps, len(sc.Steps))
		})
	}
}

func seedTask(id, title string) SeedEntity {
	return SeedEntity{
		Kind:     "task",
		ID:       id,
		Revision: 1,
		Parent:   "l1",
		Fields:   map[string]any{"title": title, "status": "todo"},
	}
}

func TestRun_FailedExpectation(t *testing.T) {
	sc := &Scenario{
		Name: "wrong_status",
		Seed: []SeedEntity{seedTask("t1", "a")},
		Steps: []Step{
			{Action: ActionFailNext, Error: "conflict"},
			{
				Action: ActionMutate, Kind: "task", ID: "t1",
				Patch:  map[string]any{"title": "b"},
				Expect: &Expect{Status: "committed", Error: "none"},
			},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected status "committed", got "rolled_back"`)
	assert.Contains(t, result.Errors[1], `expected error "", got "conflict"`)
}

func TestRun_FailedAssertion(t *testing.T) {
	rev := int64(5)
	sc := &Scenario{
		Name: "wrong_revision",
		Seed: []SeedEntity{seedTask("t1", "a")},
		Assertions: []Assertion{
			{Type: AssertEntity, Kind: "task", ID: "t1", Revision: &rev},
			{Type: AssertAbsent, Kind: "task", ID: "t1"},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "task/t1 revision")
	assert.Contains(t, result.Errors[1], "assertion failed: absent task/t1")
}

func TestRun_ReleaseUnknownToken(t *testing.T) {
	sc := &Scenario{
		Name:  "release_unknown",
		Steps: []Step{{Action: ActionHold}, {Action: ActionRelease, Token: "tok-9"}},
	}

	_, err := Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `steps[1] release: no mutation issued with token "tok-9"`)
}

func TestRun_BulkWhileHolding(t *testing.T) {
	sc := &Scenario{
		Name: "bulk_held",
		Seed: []SeedEntity{seedTask("t1", "a")},
		Steps: []Step{
			{Action: ActionHold},
			{Action: ActionBulk, Kind: "task", Items: []BulkItem{{ID: "t1", Patch: map[string]any{"status": "done"}}}},
		},
	}

	_, err := Run(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot run while holding")
}

func TestRun_HeldMutationSettlesOnClose(t *testing.T) {
	sc := &Scenario{
		Name: "left_held",
		Seed: []SeedEntity{seedTask("t1", "a")},
		Steps: []Step{
			{Action: ActionHold},
			{Action: ActionMutate, Kind: "task", ID: "t1", Patch: map[string]any{"title": "b"}},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Equal(t, "pending", result.Steps[1].Status)
	assert.Equal(t, "tok-1", result.Steps[1].Token)
}

func TestRun_UnholdFlushes(t *testing.T) {
	rev := int64(2)
	pending := false
	sc := &Scenario{
		Name: "unhold",
		Seed: []SeedEntity{seedTask("t1", "a")},
		Steps: []Step{
			{Action: ActionHold},
			{Action: ActionMutate, Kind: "task", ID: "t1", Patch: map[string]any{"title": "b"}},
			{
				Action: ActionUnhold,
				Assert: []Assertion{{Type: AssertEntity, Kind: "task", ID: "t1", Revision: &rev, Pending: &pending}},
			},
		},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_HydrateStep(t *testing.T) {
	sc := &Scenario{
		Name: "hydrate_missing",
		Steps: []Step{
			{Action: ActionHydrate, Kind: "task", Parent: "nowhere", Expect: &Expect{Error: "none"}},
		},
		Assertions: []Assertion{{Type: AssertCollection, Kind: "task", Parent: "nowhere", IDs: []string{}}},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, "task@nowhere", result.Steps[0].Key)
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "", errorName(nil))
	assert.Equal(t, "conflict", errorName(apiError("conflict")))
	assert.Equal(t, "server", errorName(apiError("")))
	assert.Equal(t, "error", errorName(assert.AnError))
}

func TestKeyID(t *testing.T) {
	assert.Equal(t, "t1", keyID("task/t1"))
	assert.Equal(t, "", keyID("task@l1"))
	assert.Equal(t, "", keyID(""))
}
