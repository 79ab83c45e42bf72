package entity

import (
	"bytes"
	"fmt"

	"github.com/roach88/tasksync/internal/ir"
)

// Fields is a sealed interface over the per-kind field sets.
// Only Task, Goal, List and Workspace implement it.
type Fields interface {
	// Kind reports which entity kind the fields belong to.
	Kind() Kind
	// Object encodes the fields. Unset optional fields are omitted.
	Object() ir.Object

	clone() Fields
}

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Task is a unit of work inside a list.
type Task struct {
	Title       string
	Status      string
	Priority    int64
	Assignees   []string
	DueDate     string // YYYY-MM-DD, empty when unset
	TimeSpentMs int64
	GoalID      string // empty when unset
}

func (Task) Kind() Kind { return KindTask }

func (t Task) Object() ir.Object {
	obj := ir.Object{
		"title":         ir.String(t.Title),
		"status":        ir.String(t.Status),
		"priority":      ir.Int(t.Priority),
		"assignees":     ir.Strings(t.Assignees...),
		"time_spent_ms": ir.Int(t.TimeSpentMs),
	}
	if t.DueDate != "" {
		obj["due_date"] = ir.String(t.DueDate)
	}
	if t.GoalID != "" {
		obj["goal_id"] = ir.String(t.GoalID)
	}
	return obj
}

func (t Task) clone() Fields {
	if t.Assignees != nil {
		t.Assignees = append([]string(nil), t.Assignees...)
	}
	return t
}

// Goal tracks progress toward an outcome.
type Goal struct {
	Name            string
	PercentComplete int64
	DueDate         string
}

func (Goal) Kind() Kind { return KindGoal }

func (g Goal) Object() ir.Object {
	obj := ir.Object{
		"name":             ir.String(g.Name),
		"percent_complete": ir.Int(g.PercentComplete),
	}
	if g.DueDate != "" {
		obj["due_date"] = ir.String(g.DueDate)
	}
	return obj
}

func (g Goal) clone() Fields { return g }

// List groups tasks.
type List struct {
	Name  string
	Color string
}

func (List) Kind() Kind { return KindList }

func (l List) Object() ir.Object {
	obj := ir.Object{"name": ir.String(l.Name)}
	if l.Color != "" {
		obj["color"] = ir.String(l.Color)
	}
	return obj
}

func (l List) clone() Fields { return l }

// Workspace is the top-level container.
type Workspace struct {
	Name string
}

func (Workspace) Kind() Kind { return KindWorkspace }

func (w Workspace) Object() ir.Object {
	return ir.Object{"name": ir.String(w.Name)}
}

func (w Workspace) clone() Fields { return w }

// FieldsFromObject decodes a full field object for kind. Unknown keys and values of
// the wrong type are errors; missing keys take zero values.
func FieldsFromObject(kind Kind, obj ir.Object) (Fields, error) {
	d := decoder{obj: obj}
	var f Fields
	switch kind {
	case KindTask:
		f = Task{
			Title:       d.str("title"),
			Status:      d.str("status"),
			Priority:    d.int("priority"),
			Assignees:   d.strs("assignees"),
			DueDate:     d.str("due_date"),
			TimeSpentMs: d.int("time_spent_ms"),
			GoalID:      d.str("goal_id"),
		}
	case KindGoal:
		f = Goal{
			Name:            d.str("name"),
			PercentComplete: d.int("percent_complete"),
			DueDate:         d.str("due_date"),
		}
	case KindList:
		f = List{
			Name:  d.str("name"),
			Color: d.str("color"),
		}
	case KindWorkspace:
		f = Workspace{Name: d.str("name")}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if d.err != nil {
		return nil, d.err
	}
	for _, k := range obj.SortedKeys() {
		if !d.seen[k] {
			return nil, fmt.Errorf("unknown %s field %q", kind, k)
		}
	}
	return f, nil
}

// ApplyPatch merges patch onto f. A Null value clears the field back to its zero value.
func ApplyPatch(f Fields, patch ir.Object) (Fields, error) {
	merged := f.Object()
	for k, v := range patch {
		if _, isNull := v.(ir.Null); isNull {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return FieldsFromObject(f.Kind(), merged)
}

// SameFields compares two field sets by their canonical encoding.
func SameFields(a, b Fields) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	ca, errA := ir.MarshalCanonical(a.Object())
	cb, errB := ir.MarshalCanonical(b.Object())
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

type decoder struct {
	obj  ir.Object
	seen map[string]bool
	err  error
}

func (d *decoder) lookup(key string) (ir.Value, bool) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[key] = true
	v, ok := d.obj[key]
	if !ok {
		return nil, false
	}
	if _, isNull := v.(ir.Null); isNull {
		return nil, false
	}
	return v, true
}

func (d *decoder) fail(key, want string, got ir.Value) {
	if d.err == nil {
		d.err = fmt.Errorf("field %q: expected %s, got %T", key, want, got)
	}
}

func (d *decoder) str(key string) string {
	v, ok := d.lookup(key)
	if !ok {
		return ""
	}
	s, ok := v.(ir.String)
	if !ok {
		d.fail(key, "string", v)
		return ""
	}
	return string(s)
}

func (d *decoder) int(key string) int64 {
	v, ok := d.lookup(key)
	if !ok {
		return 0
	}
	n, ok := v.(ir.Int)
	if !ok {
		d.fail(key, "integer", v)
		return 0
	}
	return int64(n)
}

func (d *decoder) strs(key string) []string {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	arr, ok := v.(ir.Array)
	if !ok {
		d.fail(key, "array", v)
		return nil
	}
	if len(arr) == 0 {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		s, ok := elem.(ir.String)
		if !ok {
			d.fail(key, "array of strings", elem)
			return nil
		}
		out = append(out, string(s))
	}
	return out
}
