package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tasksync/internal/entity"
)

func TestTraceRequiresSubject(t *testing.T) {
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--journal", "session.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of the flags")
}

func TestTraceTokenAndEntityExclusive(t *testing.T) {
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--journal", "session.db", "--token", "tok-1", "--entity", "task/t1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestTraceNonExistentJournal(t *testing.T) {
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--journal", filepath.Join(t.TempDir(), "absent.db"), "--token", "tok-1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceInvalidEntity(t *testing.T) {
	path := writeTestJournal(t)
	for _, arg := range []string{"t1", "task/", "widget/t1"} {
		t.Run(arg, func(t *testing.T) {
			cmd := NewTraceCommand(&RootOptions{Format: "text"})
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetArgs([]string{"--journal", path, "--entity", arg})

			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestTraceToken(t *testing.T) {
	path := writeTestJournal(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", path, "--token", "tok-1"})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Trace for token tok-1")
	assert.Contains(t, out, "[4] PREDICT        task/t1 rev 1")
	assert.Contains(t, out, "[5] COMMIT         task/t1 rev 2")
	assert.Contains(t, out, "Predictions:   1")
	assert.NotContains(t, out, "HYDRATE")
}

func TestTraceEntityJSON(t *testing.T) {
	path := writeTestJournal(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", path, "--entity", "task/t2"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "entity task/t2", resp.Data.Subject)

	events := make([]string, 0, len(resp.Data.Timeline))
	for _, ev := range resp.Data.Timeline {
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{"hydrate", "channel_apply", "channel_drop", "channel_delete"}, events)
	assert.Equal(t, "pushed", resp.Data.Timeline[1].Fields["title"])
	assert.Equal(t, "stale", resp.Data.Timeline[2].Detail)
	assert.Equal(t, TraceStats{Total: 4, Authoritative: 3, Dropped: 1}, resp.Data.Stats)
}

func TestTraceVerboseShowsFields(t *testing.T) {
	path := writeTestJournal(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", path, "--token", "tok-1"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "Token: tok-1")
	assert.Contains(t, buf.String(), "title=committed")
}

func TestTraceUnknownToken(t *testing.T) {
	path := writeTestJournal(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--journal", path, "--token", "nope"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "(no entries)")
}

func TestParseEntityKey(t *testing.T) {
	kind, id, err := parseEntityKey("list/l1")
	require.NoError(t, err)
	assert.Equal(t, entity.KindList, kind)
	assert.Equal(t, "l1", id)

	_, _, err = parseEntityKey("l1")
	assert.Error(t, err)
}

func TestTruncateID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"short", "short"},
		{"exactly16chars!!", "exactly16chars!!"},
		{"0192f0c4-7b1e-7000-8000-000000000001", "0192f0c4...00000001"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, truncateID(tt.input))
	}
}

func TestFormatArgs(t *testing.T) {
	assert.Equal(t, "{}", formatArgs(nil))
	assert.Equal(t, "{priority=2, title=Write}", formatArgs(map[string]any{"title": "Write", "priority": int64(2)}))
}

func TestFormatArgsNested(t *testing.T) {
	args := map[string]any{"outer": map[string]any{"b": "2", "a": "1"}}
	assert.Equal(t, "{outer={a=1, b=2}}", formatArgs(args))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "[a, b]", formatValue([]any{"a", "b"}))
	assert.Equal(t, "text", formatValue("text"))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "true", formatValue(true))
}
