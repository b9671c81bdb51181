// Package symtab implements the symbol table for compartmental models.
// A table owns the state, parameter, and time symbols of one model
// generation; every expression parsed for that model resolves its
// identifiers through the same table, so the time symbol is minted exactly
// once and can never silently diverge between expressions.
package symtab

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Errors returned by table operations.
var (
	// ErrDuplicateName is returned when a registration collides with an
	// existing state, parameter, or the time symbol.
	ErrDuplicateName = errors.New("duplicate symbol name")

	// ErrUnknownSymbol is returned when resolving a name that was never
	// registered in this table.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Kind discriminates the three symbol classes of a model.
type Kind int

const (
	// StateKind marks a compartment symbol. Its index is the row of the
	// compartment in the stoichiometry matrix.
	StateKind Kind = iota

	// ParamKind marks a parameter symbol. Its index is the position of the
	// parameter in the caller-supplied parameter vector.
	ParamKind

	// TimeKind marks the single time symbol of a model generation.
	TimeKind
)

func (k Kind) String() string {
	switch k {
	case StateKind:
		return "state"
	case ParamKind:
		return "parameter"
	case TimeKind:
		return "time"
	default:
		return "unknown"
	}
}

// Symbol is a resolved handle into a table. It is a small comparable value;
// two symbols are the same iff name, kind, and index all agree.
type Symbol struct {
	Name  string
	Kind  Kind
	Index int
}

// IsZero reports whether s is the unset symbol.
func (s Symbol) IsZero() bool {
	return s == Symbol{}
}

// Bounds holds optional lower/upper bounds for a state.
type Bounds struct {
	Lower float64
	Upper float64
}

// Table registers the symbols of one model generation. Registration is not
// safe for concurrent use with resolution; callers freeze the table before
// compiling (see the concurrency notes in the stoich package).
type Table struct {
	generation uuid.UUID
	timeSym    Symbol
	states     []Symbol
	params     []Symbol
	bounds     map[string]Bounds
	byName     map[string]Symbol
}

// New creates an empty table for a fresh model generation and mints its
// time symbol under the given name ("t" is conventional).
func New(timeName string) *Table {
	t := &Table{
		generation: uuid.New(),
		bounds:     make(map[string]Bounds),
		byName:     make(map[string]Symbol),
	}
	t.timeSym = Symbol{Name: timeName, Kind: TimeKind}
	t.byName[timeName] = t.timeSym
	return t
}

// Generation returns the unique id of this model generation.
func (t *Table) Generation() uuid.UUID {
	return t.generation
}

// Time returns the singleton time symbol of this generation.
func (t *Table) Time() Symbol {
	return t.timeSym
}

// RegisterState adds a state symbol. bounds may be nil for an unbounded
// compartment. The assigned index is the state's row in the stoichiometry
// matrix and is never recycled within this generation.
func (t *Table) RegisterState(name string, bounds *Bounds) (Symbol, error) {
	if _, exists := t.byName[name]; exists {
		return Symbol{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	sym := Symbol{Name: name, Kind: StateKind, Index: len(t.states)}
	t.states = append(t.states, sym)
	t.byName[name] = sym
	if bounds != nil {
		t.bounds[name] = *bounds
	}
	return sym, nil
}

// RegisterParameter adds a parameter symbol. Parameters carry no value at
// compile time; values are bound later through evaluation environments.
func (t *Table) RegisterParameter(name string) (Symbol, error) {
	if _, exists := t.byName[name]; exists {
		return Symbol{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	sym := Symbol{Name: name, Kind: ParamKind, Index: len(t.params)}
	t.params = append(t.params, sym)
	t.byName[name] = sym
	return sym, nil
}

// Resolve looks up a registered name.
func (t *Table) Resolve(name string) (Symbol, error) {
	sym, ok := t.byName[name]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return sym, nil
}

// Contains reports whether sym was issued by this table.
func (t *Table) Contains(sym Symbol) bool {
	got, ok := t.byName[sym.Name]
	return ok && got == sym
}

// States returns the state symbols in index order. The returned slice is a
// copy; mutating it does not affect the table.
func (t *Table) States() []Symbol {
	out := make([]Symbol, len(t.states))
	copy(out, t.states)
	return out
}

// Parameters returns the parameter symbols in index order.
func (t *Table) Parameters() []Symbol {
	out := make([]Symbol, len(t.params))
	copy(out, t.params)
	return out
}

// NumStates returns the number of registered states.
func (t *Table) NumStates() int {
	return len(t.states)
}

// NumParameters returns the number of registered parameters.
func (t *Table) NumParameters() int {
	return len(t.params)
}

// StateBounds returns the bounds registered for a state, if any.
func (t *Table) StateBounds(name string) (Bounds, bool) {
	b, ok := t.bounds[name]
	return b, ok
}
