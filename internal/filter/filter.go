// Package filter compiles CEL expressions into event predicates. An
// expression sees each event as four variables: data_type, timestamp,
// timestamp_desc and attributes. Compilation happens once per distinct
// expression; evaluation is cheap enough to run per event.
package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/twinfer/artifex/pkg/events"
)

// NewEnvironment builds the CEL environment events are evaluated in.
func NewEnvironment() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.CustomTypeAdapter(newEventTypeAdapter()),
		cel.Variable("data_type", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("timestamp_desc", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		cel.StdLib(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// eventTypeAdapter widens the numeric types record decoders produce into the
// two integer types CEL knows about.
type eventTypeAdapter struct {
	types.Adapter
}

func newEventTypeAdapter() *eventTypeAdapter {
	return &eventTypeAdapter{Adapter: types.DefaultTypeAdapter}
}

func (a *eventTypeAdapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case int8:
		return types.Int(v)
	case int16:
		return types.Int(v)
	case int32:
		return types.Int(v)
	case uint8:
		return types.Int(v)
	case uint16:
		return types.Int(v)
	case uint32:
		return types.Uint(v)
	case float32:
		return types.Double(v)
	default:
		return a.Adapter.NativeToValue(value)
	}
}

// Filter is a compiled event predicate.
type Filter struct {
	expr    string
	program cel.Program
}

// New compiles expr against a fresh environment. Compilation errors surface
// here, not at match time.
func New(expr string) (*Filter, error) {
	pool, err := NewPool()
	if err != nil {
		return nil, err
	}
	return pool.Filter(expr)
}

// Expression returns the source expression.
func (f *Filter) Expression() string { return f.expr }

// Match evaluates the filter against one event. Expressions that do not
// produce a boolean are an error, not a silent false.
func (f *Filter) Match(e events.EventData) (bool, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	activation, err := cel.NewActivation(map[string]any{
		"data_type":      e.DataType,
		"timestamp":      e.Timestamp,
		"timestamp_desc": e.TimestampDesc,
		"attributes":     attrs,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create activation: %w", err)
	}

	val, _, err := f.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q evaluated to %T, want bool", f.expr, val.Value())
	}
	return b, nil
}
