package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	Token   string // correlation token of one mutation
	Entity  string // kind/id
}

// TraceEvent is one journal entry on the timeline.
type TraceEvent struct {
	Seq      int64          `json:"seq"`
	Event    string         `json:"event"`
	Token    string         `json:"token,omitempty"`
	Key      string         `json:"key,omitempty"`
	Revision int64          `json:"revision,omitempty"`
	Pending  bool           `json:"pending,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	IDs      []string       `json:"ids,omitempty"`
	Detail   string         `json:"detail,omitempty"`
}

// TraceStats counts timeline entries by outcome.
type TraceStats struct {
	Total         int `json:"total"`
	Authoritative int `json:"authoritative"`
	Predictions   int `json:"predictions"`
	Rollbacks     int `json:"rollbacks"`
	Dropped       int `json:"dropped"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Subject  string       `json:"subject"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`

	verbose bool
}

func (r TraceResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trace for %s\n\n", r.Subject)
	b.WriteString("=== Timeline ===\n")
	if len(r.Timeline) == 0 {
		b.WriteString("  (no entries)\n")
	}
	for _, ev := range r.Timeline {
		formatTimelineEvent(&b, ev, r.verbose)
	}
	b.WriteString("\n=== Stats ===\n")
	fmt.Fprintf(&b, "  Total:         %d\n", r.Stats.Total)
	fmt.Fprintf(&b, "  Authoritative: %d\n", r.Stats.Authoritative)
	fmt.Fprintf(&b, "  Predictions:   %d\n", r.Stats.Predictions)
	fmt.Fprintf(&b, "  Rollbacks:     %d\n", r.Stats.Rollbacks)
	fmt.Fprintf(&b, "  Dropped:       %d", r.Stats.Dropped)
	return b.String()
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journal history of a mutation or entity",
		Long: `Show every journal entry for one correlation token or one entity.

A token trace follows a single mutation from prediction to commit, rollback
or supersession. An entity trace also shows hydrates and channel events.

Examples:
  tasksync trace --journal ./session.db --token 0192f0c4-...
  tasksync trace --journal ./session.db --entity task/t1
  tasksync trace --journal ./session.db --entity task/t1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to the session journal (defaults to journal.path)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "correlation token to trace")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity to trace, as kind/id")
	cmd.MarkFlagsMutuallyExclusive("token", "entity")
	cmd.MarkFlagsOneRequired("token", "entity")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		kind entity.Kind
		id   string
	)
	if opts.Entity != "" {
		var err error
		kind, id, err = parseEntityKey(opts.Entity)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --entity", err)
		}
	}

	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	var (
		entries []journal.Entry
		subject string
	)
	if opts.Token != "" {
		subject = "token " + opts.Token
		entries, err = j.ReadToken(ctx, opts.Token)
	} else {
		subject = "entity " + entity.Key{Kind: kind, ID: id}.String()
		entries, err = j.ReadEntity(ctx, kind, id)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := buildTrace(subject, entries)
	result.verbose = opts.Verbose
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(result)
}

// parseEntityKey splits "kind/id".
func parseEntityKey(s string) (entity.Kind, string, error) {
	kindName, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%q is not kind/id", s)
	}
	kind, err := entity.ParseKind(kindName)
	if err != nil {
		return "", "", err
	}
	return kind, id, nil
}

func buildTrace(subject string, entries []journal.Entry) TraceResult {
	result := TraceResult{Subject: subject, Timeline: make([]TraceEvent, 0, len(entries))}
	for _, e := range entries {
		ev := TraceEvent{
			Seq:      e.Seq,
			Event:    string(e.Event),
			Token:    e.Token,
			Revision: e.Revision,
			IDs:      e.IDs,
			Detail:   e.Detail,
		}
		switch {
		case e.ID != "":
			ev.Key = entity.Key{Kind: e.Kind, ID: e.ID}.String()
		case e.Kind != "":
			ev.Key = string(e.Kind) + "@" + e.Parent
		}
		if e.Entity != nil {
			ev.Pending = e.Entity.Pending
			if e.Entity.Fields != nil {
				ev.Fields = ir.ToAny(e.Entity.Fields.Object()).(map[string]any)
			}
		}
		result.Timeline = append(result.Timeline, ev)

		result.Stats.Total++
		if e.Authoritative() {
			result.Stats.Authoritative++
		}
		switch e.Event {
		case journal.EventPredict:
			result.Stats.Predictions++
		case journal.EventRollback:
			result.Stats.Rollbacks++
		case journal.EventChannelDrop:
			result.Stats.Dropped++
		}
	}
	return result
}

func formatTimelineEvent(w io.Writer, ev TraceEvent, verbose bool) {
	fmt.Fprintf(w, "  [%d] %-14s %s", ev.Seq, strings.ToUpper(ev.Event), ev.Key)
	if ev.Revision > 0 {
		fmt.Fprintf(w, " rev %d", ev.Revision)
	}
	if ev.Pending {
		fmt.Fprint(w, " (pending)")
	}
	if ev.Detail != "" {
		fmt.Fprintf(w, " %s", ev.Detail)
	}
	fmt.Fprintln(w)
	if ev.IDs != nil {
		fmt.Fprintf(w, "       Order: [%s]\n", strings.Join(ev.IDs, ", "))
	}
	if verbose && ev.Token != "" {
		fmt.Fprintf(w, "       Token: %s\n", truncateID(ev.Token))
	}
	if verbose && len(ev.Fields) > 0 {
		fmt.Fprintf(w, "       Fields: %s\n", formatArgs(ev.Fields))
	}
}

// formatArgs renders a field map with sorted keys.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	obj, err := ir.ObjectFromAny(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	parts := make([]string, 0, len(obj))
	for _, k := range obj.SortedKeys() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(ir.ToAny(obj[k]))))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateID shortens long tokens for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
