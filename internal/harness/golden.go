package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/journal"
	"github.com/roach88/tasksync/internal/store"
)

// GoldenDir holds the golden traces, one <scenario name>.golden per scenario.
const GoldenDir = "testdata/golden"

// Trace renders a result as canonical JSON lines: one per step, then one per
// journal entry. Digests and error details are left out so a trace only
// changes when behavior does.
func Trace(r *Result) ([]byte, error) {
	var buf bytes.Buffer
	for _, sr := range r.Steps {
		line, err := ir.MarshalCanonical(stepLine(sr))
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", sr.Index, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	for _, e := range r.Journal {
		line, err := ir.MarshalCanonical(journalLine(e))
		if err != nil {
			return nil, fmt.Errorf("journal %d: %w", e.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func stepLine(sr StepResult) ir.Object {
	obj := ir.Object{
		"step":   ir.Int(sr.Index),
		"action": ir.String(sr.Action),
	}
	setString(obj, "token", sr.Token)
	setString(obj, "key", sr.Key)
	setString(obj, "status", sr.Status)
	setString(obj, "error", sr.Error)
	setString(obj, "result", sr.Result)
	if sr.Failed != nil {
		obj["failed"] = ir.Strings(sr.Failed...)
	}
	if sr.Action == ActionWindow {
		obj["start"] = ir.Int(sr.Start)
		obj["end"] = ir.Int(sr.End)
	}
	return obj
}

func journalLine(e journal.Entry) ir.Object {
	obj := ir.Object{
		"seq":   ir.Int(e.Seq),
		"event": ir.String(string(e.Event)),
	}
	setString(obj, "token", e.Token)
	if e.IDs != nil {
		obj["collection"] = ir.String(store.CollectionKey{Kind: e.Kind, Parent: e.Parent}.String())
		obj["ids"] = ir.Strings(e.IDs...)
	} else if e.ID != "" {
		obj["key"] = ir.String(string(e.Kind) + "/" + e.ID)
	}
	if e.Revision != 0 {
		obj["revision"] = ir.Int(e.Revision)
	}
	if e.Entity != nil {
		if e.Entity.Pending {
			obj["pending"] = ir.Bool(true)
		}
		if e.Entity.Fields != nil {
			obj["fields"] = e.Entity.Fields.Object()
		}
	}
	return obj
}

func setString(obj ir.Object, k, v string) {
	if v != "" {
		obj[k] = ir.String(v)
	}
}

// RunWithGolden runs a scenario, fails t on any expectation error and
// compares its trace with testdata/golden/<name>.golden.
//
// Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	trace, err := Trace(result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, trace)
	return nil
}
