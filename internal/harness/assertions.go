package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/store"
	"github.com/roach88/tasksync/internal/timer"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " %s", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  expected: %s\n  actual: %s", e.Expected, e.Actual)
	return buf.String()
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		return assertEntity(h.store, a)
	case AssertAbsent:
		if ent, ok := h.store.Get(entity.Kind(a.Kind), a.ID); ok {
			return &AssertionError{Type: a.Type, Subject: ent.Key().String(), Expected: "no entity", Actual: fmt.Sprintf("revision %d", ent.Revision)}
		}
		return nil
	case AssertCollection:
		got := h.store.Collection(entity.Kind(a.Kind), a.Parent)
		if !slices.Equal(got, a.IDs) {
			return &AssertionError{
				Type:     a.Type,
				Subject:  store.CollectionKey{Kind: entity.Kind(a.Kind), Parent: a.Parent}.String(),
				Expected: fmt.Sprint(a.IDs),
				Actual:   fmt.Sprint(got),
			}
		}
		return nil
	case AssertTimer:
		return assertTimer(h.timer, a)
	case AssertJournalCount:
		entries, err := h.journal.ReadAll(ctx)
		if err != nil {
			return err
		}
		n := 0
		for _, e := range entries {
			if string(e.Event) == a.Event {
				n++
			}
		}
		if n != *a.Count {
			return &AssertionError{Type: a.Type, Subject: a.Event, Expected: fmt.Sprint(*a.Count), Actual: fmt.Sprint(n)}
		}
		return nil
	case AssertPendingCount:
		if n := h.engine.PendingCount(); n != *a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Count), Actual: fmt.Sprint(n)}
		}
		return nil
	case AssertReplay:
		entries, err := h.journal.ReadAll(ctx)
		if err != nil {
			return err
		}
		return assertReplay(h.store, entries)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertEntity(s *store.Store, a Assertion) error {
	key := entity.Key{Kind: entity.Kind(a.Kind), ID: a.ID}
	ent, ok := s.Get(key.Kind, key.ID)
	if !ok {
		return &AssertionError{Type: a.Type, Subject: key.String(), Expected: "entity present", Actual: "absent"}
	}
	fail := func(what string, want, got any) error {
		return &AssertionError{Type: a.Type, Subject: key.String() + " " + what, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
	}
	if a.Revision != nil && *a.Revision != ent.Revision {
		return fail("revision", *a.Revision, ent.Revision)
	}
	if a.Pending != nil && *a.Pending != ent.Pending {
		return fail("pending", *a.Pending, ent.Pending)
	}
	if a.Parent != "" && a.Parent != ent.Parent {
		return fail("parent", a.Parent, ent.Parent)
	}
	if len(a.Fields) == 0 {
		return nil
	}
	want, err := ir.ObjectFromAny(a.Fields)
	if err != nil {
		return fmt.Errorf("%s fields: %w", key, err)
	}
	got := ent.Fields.Object()
	for _, k := range want.SortedKeys() {
		if err := matchField(k, want[k], got); err != nil {
			return fail("field "+k, err.want, err.got)
		}
	}
	return nil
}

type fieldMismatch struct{ want, got string }

// matchField compares one expected field by canonical encoding. An expected
// null means the field must be unset.
func matchField(k string, want ir.Value, got ir.Object) *fieldMismatch {
	actual, present := got[k]
	if _, isNull := want.(ir.Null); isNull {
		if present {
			return &fieldMismatch{want: "unset", got: render(actual)}
		}
		return nil
	}
	if !present {
		return &fieldMismatch{want: render(want), got: "unset"}
	}
	wb, werr := ir.MarshalCanonical(want)
	gb, gerr := ir.MarshalCanonical(actual)
	if werr != nil || gerr != nil || !bytes.Equal(wb, gb) {
		return &fieldMismatch{want: render(want), got: render(actual)}
	}
	return nil
}

func render(v ir.Value) string {
	b, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func assertTimer(m *timer.Machine, a Assertion) error {
	state := m.State()
	fail := func(what string, want, got any) error {
		return &AssertionError{Type: a.Type, Subject: what, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
	}
	switch st := state.(type) {
	case timer.Idle:
		if a.State != "idle" {
			return fail("state", a.State, "idle")
		}
	case timer.Running:
		if a.State != "running" {
			return fail("state", a.State, "running on "+st.EntityID)
		}
		if a.Task != "" && a.Task != st.EntityID {
			return fail("task", a.Task, st.EntityID)
		}
	}
	if a.ElapsedMs != nil {
		if got := m.Elapsed() / time.Millisecond; int64(got) != *a.ElapsedMs {
			return fail("elapsed_ms", *a.ElapsedMs, int64(got))
		}
	}
	return nil
}

// assertReplay rebuilds confirmed state from the journal and compares it with
// every entity the live store holds without a pending prediction.
func assertReplay(live *store.Store, entries []journal.Entry) error {
	replayed := store.New()
	if _, err := journal.ReplayEntries(entries, replayed); err != nil {
		return &AssertionError{Type: AssertReplay, Expected: "journal replays", Actual: err.Error()}
	}
	pending := make(map[entity.Key]bool)
	for _, ent := range live.Entities() {
		if ent.Pending {
			pending[ent.Key()] = true
			continue
		}
		got, ok := replayed.Get(ent.Kind, ent.ID)
		if !ok {
			return &AssertionError{Type: AssertReplay, Subject: ent.Key().String(), Expected: fmt.Sprintf("revision %d", ent.Revision), Actual: "missing after replay"}
		}
		if !got.SameState(ent) {
			return &AssertionError{Type: AssertReplay, Subject: ent.Key().String(), Expected: fmt.Sprintf("revision %d", ent.Revision), Actual: fmt.Sprintf("revision %d", got.Revision)}
		}
	}
	for _, ent := range replayed.Entities() {
		if pending[ent.Key()] {
			continue
		}
		if _, ok := live.Get(ent.Kind, ent.ID); !ok {
			return &AssertionError{Type: AssertReplay, Subject: ent.Key().String(), Expected: "absent", Actual: fmt.Sprintf("revision %d after replay", ent.Revision)}
		}
	}
	return nil
}
