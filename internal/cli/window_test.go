package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tasksync/internal/config"
)

func runWindowCmd(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewWindowCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestWindowUniform(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"middle", []string{"--length", "1000", "--item-height", "40", "--viewport", "400", "--scroll", "2000", "--overscan", "5"}, "start=45 end=66 (21 rows)\n"},
		{"top", []string{"--length", "1000", "--item-height", "40", "--viewport", "400", "--overscan", "5"}, "start=0 end=21 (21 rows)\n"},
		{"bottom", []string{"--length", "1000", "--item-height", "40", "--viewport", "400", "--scroll", "39600", "--overscan", "5"}, "start=985 end=1000 (15 rows)\n"},
		{"short list", []string{"--length", "8", "--item-height", "40", "--viewport", "400", "--scroll", "120", "--overscan", "5"}, "start=0 end=8 (8 rows)\n"},
		{"empty", []string{"--length", "0", "--item-height", "40", "--viewport", "400"}, "start=0 end=0 (0 rows)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runWindowCmd(t, &RootOptions{Format: "text"}, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestWindowVariableHeights(t *testing.T) {
	out, err := runWindowCmd(t, &RootOptions{Format: "json"},
		"--heights", "10,20,30,40,50", "--viewport", "35", "--scroll", "25", "--overscan", "0")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   WindowResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, WindowResult{Start: 1, End: 4, Count: 3}, resp.Data)
}

func TestWindowDefaultsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Window.ItemHeight = 40
	cfg.Window.Overscan = 0

	out, err := runWindowCmd(t, &RootOptions{Format: "text", Config: cfg},
		"--length", "1000", "--viewport", "400", "--scroll", "2000")
	require.NoError(t, err)
	assert.Equal(t, "start=50 end=61 (11 rows)\n", out)
}

func TestWindowErrors(t *testing.T) {
	_, err := runWindowCmd(t, &RootOptions{Format: "text"}, "--length", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, err = runWindowCmd(t, &RootOptions{Format: "text"}, "--length", "10", "--viewport", "5", "--item-height", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runWindowCmd(t, &RootOptions{Format: "text"}, "--length", "-1", "--viewport", "5")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runWindowCmd(t, &RootOptions{Format: "text"}, "--heights", "1,2", "--length", "2", "--viewport", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}
