package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Journal string
}

// ReplayResult holds the replay summary.
type ReplayResult struct {
	Journal       string   `json:"journal"`
	Entries       int      `json:"entries"`
	Applied       int      `json:"applied"`
	Skipped       int      `json:"skipped"`
	Stale         int      `json:"stale"`
	LastSeq       int64    `json:"last_seq"`
	Entities      int      `json:"entities"`
	Collections   int      `json:"collections"`
	Deterministic bool     `json:"deterministic"`
	Differences   []string `json:"differences,omitempty"`
}

func (r ReplayResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replay: %s\n", r.Journal)
	fmt.Fprintf(&b, "  Entries: %d (applied %d, skipped %d, stale %d)\n", r.Entries, r.Applied, r.Skipped, r.Stale)
	fmt.Fprintf(&b, "  Last seq: %d\n", r.LastSeq)
	fmt.Fprintf(&b, "  State: %d entities, %d collections\n", r.Entities, r.Collections)
	for _, d := range r.Differences {
		fmt.Fprintf(&b, "  ✗ %s\n", d)
	}
	if r.Deterministic {
		b.WriteString("✓ Replay is deterministic")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild confirmed state from a session journal",
		Long: `Replay the authoritative entries of a session journal into an empty store.

The journal is replayed twice into fresh stores and the two results are
compared; predictions, superseded settles and dropped channel events are
skipped. A tampered entry (digest mismatch) fails the replay.

Exit codes:
  0 - Replay succeeded and is deterministic
  1 - Replay failed or the two passes diverged
  2 - Command error (journal not found, etc.)

Examples:
  tasksync replay --journal ./session.db
  tasksync replay --journal ./session.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to the session journal (defaults to journal.path)")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.ReadAll(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	opts.logger().Debug("replaying journal", "path", j.Path(), "entries", len(entries))

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	first := store.New()
	res, err := journal.ReplayEntries(entries, first)
	if err != nil {
		return out.Failure("E_REPLAY", err.Error(), ReplayResult{Journal: j.Path(), Entries: len(entries)})
	}
	second := store.New()
	if _, err := journal.ReplayEntries(entries, second); err != nil {
		return out.Failure("E_REPLAY", err.Error(), ReplayResult{Journal: j.Path(), Entries: len(entries)})
	}

	result := ReplayResult{
		Journal:     j.Path(),
		Entries:     len(entries),
		Applied:     res.Applied,
		Skipped:     res.Skipped,
		Stale:       res.Stale,
		LastSeq:     res.LastSeq,
		Entities:    first.Len(),
		Collections: len(first.Collections()),
		Differences: compareStores(first, second),
	}
	result.Deterministic = len(result.Differences) == 0
	if !result.Deterministic {
		return out.Failure("E_DETERMINISM", "determinism verification failed", result)
	}
	return out.Success(result)
}

// openJournal opens the journal named by path, or by journal.path in the
// config. The file must already exist.
func openJournal(opts *RootOptions, path string) (*journal.Journal, error) {
	if path == "" {
		path = opts.config().Journal.Path
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no journal given: pass --journal or set journal.path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "journal not found", err)
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return j, nil
}

// compareStores lists every entity or collection on which a and b disagree.
func compareStores(a, b *store.Store) []string {
	var diffs []string
	as, bs := a.Entities(), b.Entities()
	index := make(map[entity.Key]entity.Entity, len(bs))
	for _, e := range bs {
		index[e.Key()] = e
	}
	for _, e := range as {
		other, ok := index[e.Key()]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s missing from second pass", e.Key()))
		case !e.SameState(other):
			diffs = append(diffs, fmt.Sprintf("%s differs: rev %d vs %d", e.Key(), e.Revision, other.Revision))
		}
		delete(index, e.Key())
	}
	for _, e := range bs {
		if _, extra := index[e.Key()]; extra {
			diffs = append(diffs, fmt.Sprintf("%s only in second pass", e.Key()))
		}
	}

	keys := append(a.Collections(), b.Collections()...)
	seen := make(map[store.CollectionKey]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if !slices.Equal(a.Collection(k.Kind, k.Parent), b.Collection(k.Kind, k.Parent)) {
			diffs = append(diffs, fmt.Sprintf("collection %s differs", k))
		}
	}
	return diffs
}
