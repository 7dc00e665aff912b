package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// ErrInvalidFilter is returned by CompileFilter for an expression that does
// not compile to a boolean.
var ErrInvalidFilter = errors.New("events: invalid filter")

// Filter is a compiled CEL predicate over an Event. The expression sees:
//
//	type       string  event type, e.g. "job.failed"
//	queue      string  queue id
//	data       map     payload fields
//	timestamp  int     Unix milliseconds
//	seq        int     durable log position, 0 when not persisted
//
// Example: type == "job.failed" && data.retryable == false
type Filter struct {
	expr string
	prog cel.Program
}

// CompileFilter compiles expr. An empty expression yields a nil Filter, which
// matches everything.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("queue", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("seq", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("events: filter env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidFilter, expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w %q: must be boolean, is %s", ErrInvalidFilter, expr, out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("events: filter program: %w", err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// Match evaluates the filter. Evaluation errors, such as a missing data key,
// count as no match.
func (f *Filter) Match(ev Event) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"type":      string(ev.Type),
		"queue":     ev.QueueID,
		"data":      ev.Data,
		"timestamp": ev.Timestamp,
		"seq":       int64(ev.Seq),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
