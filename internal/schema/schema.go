// Package schema validates entity patches and field sets against CUE definitions.
//
// The definitions live in entities.cue and are embedded into the binary. Each kind
// has a full definition (#Task) used for creates and server payloads, and a patch
// definition (#TaskPatch) in which every field is optional and clearable fields
// accept null.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

//go:embed entities.cue
var entitiesCUE string

// ValidationError reports the first constraint a patch or field set violates.
type ValidationError struct {
	Kind    entity.Kind
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Message)
}

// Validator holds compiled definitions. A cue.Context is not safe for concurrent
// use, so every validation takes the mutex.
type Validator struct {
	mu      sync.Mutex
	ctx     *cue.Context
	full    map[entity.Kind]cue.Value
	patches map[entity.Kind]cue.Value
}

// New compiles the embedded definitions.
func New() (*Validator, error) {
	return Compile("entities.cue", entitiesCUE)
}

// Compile builds a Validator from CUE source. The source must define #Task,
// #TaskPatch and the equivalents for every other kind.
func Compile(filename, src string) (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", filename, firstError(err))
	}

	v := &Validator{
		ctx:     ctx,
		full:    make(map[entity.Kind]cue.Value),
		patches: make(map[entity.Kind]cue.Value),
	}
	for _, kind := range entity.Kinds {
		name := definitionName(kind)
		full := root.LookupPath(cue.ParsePath("#" + name))
		if !full.Exists() {
			return nil, fmt.Errorf("compile %s: missing definition #%s", filename, name)
		}
		patch := root.LookupPath(cue.ParsePath("#" + name + "Patch"))
		if !patch.Exists() {
			return nil, fmt.Errorf("compile %s: missing definition #%sPatch", filename, name)
		}
		v.full[kind] = full
		v.patches[kind] = patch
	}
	return v, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
)

// Default returns a process-wide Validator over the embedded definitions.
func Default() *Validator {
	defaultOnce.Do(func() {
		v, err := New()
		if err != nil {
			panic(fmt.Sprintf("schema: embedded definitions do not compile: %v", err))
		}
		defaultValidator = v
	})
	return defaultValidator
}

// ValidatePatch checks a partial update for kind.
func (v *Validator) ValidatePatch(kind entity.Kind, patch ir.Object) error {
	return v.validate(kind, v.patches, patch)
}

// ValidateFields checks a complete field set for kind.
func (v *Validator) ValidateFields(kind entity.Kind, fields ir.Object) error {
	return v.validate(kind, v.full, fields)
}

func (v *Validator) validate(kind entity.Kind, defs map[entity.Kind]cue.Value, obj ir.Object) error {
	def, ok := defs[kind]
	if !ok {
		return &ValidationError{Kind: kind, Message: "unknown entity kind"}
	}
	if obj == nil {
		obj = ir.Object{}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.Encode(ir.ToAny(obj))
	if err := data.Err(); err != nil {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	unified := def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return toValidationError(kind, err)
	}
	return nil
}

func toValidationError(kind entity.Kind, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	first := errs[0]
	verr := &ValidationError{
		Kind:    kind,
		Field:   strings.Join(first.Path(), "."),
		Message: strings.TrimSpace(errors.Details(first, nil)),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		verr.Pos = positions[0]
	}
	return verr
}

func firstError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return errs[0]
}

func definitionName(kind entity.Kind) string {
	s := string(kind)
	return strings.ToUpper(s[:1]) + s[1:]
}
