package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

// Scenario is one executable sync session: server state to start from, a
// sequence of steps, and assertions on the state the steps leave behind.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Seed is loaded into the fake server, then hydrated into the store.
	Seed []SeedEntity `yaml:"seed,omitempty"`

	// Steps run in order. Each completes before the next starts, unless the
	// server is holding requests.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SeedEntity is an entity the server knows before the session starts.
type SeedEntity struct {
	Kind     string         `yaml:"kind"`
	ID       string         `yaml:"id"`
	Revision int64          `yaml:"revision"`
	Parent   string         `yaml:"parent,omitempty"`
	Fields   map[string]any `yaml:"fields"`
}

// Entity converts the seed, validating its fields against the kind.
func (s SeedEntity) Entity() (entity.Entity, error) {
	kind, err := entity.ParseKind(s.Kind)
	if err != nil {
		return entity.Entity{}, err
	}
	obj, err := ir.ObjectFromAny(s.Fields)
	if err != nil {
		return entity.Entity{}, err
	}
	fields, err := entity.FieldsFromObject(kind, obj)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("%s/%s: %w", kind, s.ID, err)
	}
	return entity.Entity{Kind: kind, ID: s.ID, Revision: s.Revision, Parent: s.Parent, Fields: fields}, nil
}

// LoadSeed reads a YAML list of seed entities.
func LoadSeed(path string) ([]entity.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seeds []SeedEntity
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seeds); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	out := make([]entity.Entity, 0, len(seeds))
	for i, s := range seeds {
		ent, err := s.Entity()
		if err != nil {
			return nil, fmt.Errorf("seed[%d]: %w", i, err)
		}
		out = append(out, ent)
	}
	return out, nil
}

// Step is one action. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	Kind   string         `yaml:"kind,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Parent string         `yaml:"parent,omitempty"`
	Token  string         `yaml:"token,omitempty"`
	Patch  map[string]any `yaml:"patch,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	IDs    []string       `yaml:"ids,omitempty"`
	Items  []BulkItem     `yaml:"items,omitempty"`
	Event  *EventSpec     `yaml:"event,omitempty"`
	Window *WindowSpec    `yaml:"window,omitempty"`

	// Error is the api error kind injected by fail_next and reject.
	Error string `yaml:"error,omitempty"`

	// Duration moves the clock for advance, e.g. "5s".
	Duration string `yaml:"duration,omitempty"`

	// Expect checks the step's immediate result.
	Expect *Expect `yaml:"expect,omitempty"`

	// Assert is checked right after the step, before the next one runs.
	Assert []Assertion `yaml:"assert,omitempty"`
}

// Step actions.
const (
	ActionMutate     = "mutate"
	ActionBulk       = "bulk"
	ActionCreate     = "create"
	ActionDelete     = "delete"
	ActionReorder    = "reorder"
	ActionHydrate    = "hydrate"
	ActionEvent      = "event"
	ActionHold       = "hold"
	ActionUnhold     = "unhold"
	ActionRelease    = "release"
	ActionReject     = "reject"
	ActionFailNext   = "fail_next"
	ActionAdvance    = "advance"
	ActionTimerStart = "timer_start"
	ActionTimerStop  = "timer_stop"
	ActionTimerReset = "timer_reset"
	ActionWindow     = "window"
)

// BulkItem is one entry of a bulk step.
type BulkItem struct {
	ID    string         `yaml:"id"`
	Patch map[string]any `yaml:"patch"`
}

// EventSpec is a push event delivered straight to the channel adapter.
type EventSpec struct {
	Type     string         `yaml:"type"`
	Kind     string         `yaml:"kind"`
	ID       string         `yaml:"id"`
	Revision int64          `yaml:"revision"`
	Parent   string         `yaml:"parent,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Partial  bool           `yaml:"partial,omitempty"`
}

// WindowSpec is the input of a window step. With Heights set the variable
// height mode is used and Length and ItemHeight are ignored.
type WindowSpec struct {
	Length     int   `yaml:"length"`
	ItemHeight int   `yaml:"item_height"`
	Viewport   int   `yaml:"viewport"`
	Scroll     int   `yaml:"scroll"`
	Overscan   int   `yaml:"overscan"`
	Heights    []int `yaml:"heights,omitempty"`
}

// Expect checks what a step returned.
type Expect struct {
	// Status is the settled mutation status, e.g. committed or rolled_back.
	Status string `yaml:"status,omitempty"`

	// Error is the expected error name: an api kind, unknown_entity,
	// partial_bulk_failure or validation. "none" requires success.
	Error string `yaml:"error,omitempty"`

	// Result is the channel adapter's verdict for an event step.
	Result string `yaml:"result,omitempty"`

	// Failed lists the ids a bulk step reports as failed, in order.
	Failed []string `yaml:"failed,omitempty"`

	// ID is the id a create step was assigned.
	ID string `yaml:"id,omitempty"`

	// Start and End are the expected window range.
	Start *int `yaml:"start,omitempty"`
	End   *int `yaml:"end,omitempty"`
}

// Assertion checks session state.
type Assertion struct {
	// Type is one of entity, absent, collection, timer, journal_count,
	// pending_count and replay.
	Type string `yaml:"type"`

	Kind   string `yaml:"kind,omitempty"`
	ID     string `yaml:"id,omitempty"`
	Parent string `yaml:"parent,omitempty"`

	// entity
	Revision *int64         `yaml:"revision,omitempty"`
	Pending  *bool          `yaml:"pending,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`

	// collection
	IDs []string `yaml:"ids,omitempty"`

	// timer
	State     string `yaml:"state,omitempty"`
	Task      string `yaml:"task,omitempty"`
	ElapsedMs *int64 `yaml:"elapsed_ms,omitempty"`

	// journal_count, pending_count
	Event string `yaml:"event,omitempty"`
	Count *int   `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertEntity       = "entity"
	AssertAbsent       = "absent"
	AssertCollection   = "collection"
	AssertTimer        = "timer"
	AssertJournalCount = "journal_count"
	AssertPendingCount = "pending_count"
	AssertReplay       = "replay"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo such as "asserts:" fails loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, sc)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 && len(s.Assertions) == 0 {
		return fmt.Errorf("a scenario needs steps or assertions")
	}
	for i, e := range s.Seed {
		if _, err := entity.ParseKind(e.Kind); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		if e.ID == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
		if e.Revision <= 0 {
			return fmt.Errorf("seed[%d]: revision must be positive", i)
		}
	}
	for i := range s.Steps {
		if err := validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		for j := range s.Steps[i].Assert {
			if err := validateAssertion(&s.Steps[i].Assert[j]); err != nil {
				return fmt.Errorf("steps[%d].assert[%d]: %w", i, j, err)
			}
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(&s.Assertions[i]); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	needKind := func() error {
		if _, err := entity.ParseKind(st.Kind); err != nil {
			return err
		}
		return nil
	}
	switch st.Action {
	case ActionMutate, ActionDelete:
		if err := needKind(); err != nil {
			return err
		}
		if st.ID == "" {
			return fmt.Errorf("%s: id is required", st.Action)
		}
		if st.Action == ActionMutate && len(st.Patch) == 0 {
			return fmt.Errorf("mutate: patch is required")
		}
	case ActionBulk:
		if err := needKind(); err != nil {
			return err
		}
		if len(st.Items) == 0 {
			return fmt.Errorf("bulk: items are required")
		}
	case ActionCreate:
		if err := needKind(); err != nil {
			return err
		}
		if st.Fields == nil {
			return fmt.Errorf("create: fields are required")
		}
	case ActionReorder:
		if err := needKind(); err != nil {
			return err
		}
		if len(st.IDs) == 0 {
			return fmt.Errorf("reorder: ids are required")
		}
	case ActionHydrate:
		return needKind()
	case ActionEvent:
		if st.Event == nil {
			return fmt.Errorf("event: event is required")
		}
	case ActionRelease, ActionReject:
		if st.Token == "" {
			return fmt.Errorf("%s: token is required", st.Action)
		}
	case ActionFailNext:
		if st.Error == "" {
			return fmt.Errorf("fail_next: error is required")
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case ActionTimerStart:
		if st.ID == "" {
			return fmt.Errorf("timer_start: id is required")
		}
	case ActionWindow:
		if st.Window == nil {
			return fmt.Errorf("window: window is required")
		}
	case ActionHold, ActionUnhold, ActionTimerStop, ActionTimerReset:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertEntity, AssertAbsent:
		if _, err := entity.ParseKind(a.Kind); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("%s: id is required", a.Type)
		}
	case AssertCollection:
		if _, err := entity.ParseKind(a.Kind); err != nil {
			return err
		}
		if a.IDs == nil {
			return fmt.Errorf("collection: ids are required (use [] for empty)")
		}
	case AssertTimer:
		if a.State != "idle" && a.State != "running" {
			return fmt.Errorf("timer: state must be idle or running")
		}
	case AssertJournalCount:
		if a.Event == "" || a.Count == nil {
			return fmt.Errorf("journal_count: event and count are required")
		}
	case AssertPendingCount:
		if a.Count == nil {
			return fmt.Errorf("pending_count: count is required")
		}
	case AssertReplay:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
