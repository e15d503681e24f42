package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles tileset guard expressions.
type Environment struct {
	env *cel.Env
}

// Activation is the data a guard sees for one tile request.
type Activation struct {
	Tileset  string
	Grid     string
	SRS      string
	Format   string
	Protocol string
	Z, X, Y  int
	Params   map[string]string
}

func (a Activation) vars() map[string]any {
	params := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	return map[string]any{
		"tileset":  a.Tileset,
		"grid":     a.Grid,
		"srs":      a.SRS,
		"format":   a.Format,
		"protocol": a.Protocol,
		"tile": map[string]any{
			"z": int64(a.Z),
			"x": int64(a.X),
			"y": int64(a.Y),
		},
		"params": params,
	}
}

// NewEnvironment declares the variables available to guards.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("tileset", cel.StringType),
		cel.Variable("grid", cel.StringType),
		cel.Variable("srs", cel.StringType),
		cel.Variable("format", cel.StringType),
		cel.Variable("protocol", cel.StringType),
		cel.Variable("tile", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Guard is a compiled boolean expression.
type Guard struct {
	source  string
	program cel.Program
}

// Compile checks that expression yields a bool.
func (e *Environment) Compile(expression string) (Guard, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Guard{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Guard{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Guard{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Guard{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Guard{source: src, program: program}, nil
}

// Allow evaluates the guard. A zero Guard allows everything.
func (g Guard) Allow(a Activation) (bool, error) {
	if g.program == nil {
		return true, nil
	}
	val, _, err := g.program.Eval(a.vars())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", g.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	if val.Type() == types.BoolType {
		if b, ok := val.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", g.source, val)
}

// Source returns the expression text.
func (g Guard) Source() string { return g.source }

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
