package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const defaultMaxSteps = 100000

// PredicateCompiler turns an only_if expression into an engine predicate.
type PredicateCompiler interface {
	Compile(expr string) (engine.Predicate, error)
}

// StarlarkCompiler compiles only_if expressions written in Starlark.
//
// An expression sees a single global, facts, with these fields:
//
//	facts.os.name, facts.os.version, facts.os.kernel, facts.os.arch, facts.os.hostname
//	facts.extra   dict of string to string
//	facts.labels  dict of string to string
//
// The expression must evaluate to a bool.
type StarlarkCompiler struct {
	// MaxSteps bounds the work a single evaluation may do. Zero uses the default.
	MaxSteps uint64
}

// NewStarlarkCompiler creates a compiler with the default step limit.
func NewStarlarkCompiler() *StarlarkCompiler {
	return &StarlarkCompiler{MaxSteps: defaultMaxSteps}
}

// Compile parses and resolves expr. Syntax errors and references to unknown
// names are reported here rather than at run time.
func (c *StarlarkCompiler) Compile(expr string) (engine.Predicate, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, fmt.Errorf("only_if expression is empty")
	}

	_, prog, err := starlark.SourceProgram("only_if", "result = ("+src+")\n", isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("invalid only_if expression %q: %w", src, err)
	}

	maxSteps := c.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	return &StarlarkPredicate{expr: src, program: prog, maxSteps: maxSteps}, nil
}

func isPredeclared(name string) bool {
	return name == "facts"
}

// StarlarkPredicate evaluates a compiled Starlark expression against facts.
// It is safe for concurrent use.
type StarlarkPredicate struct {
	expr     string
	program  *starlark.Program
	maxSteps uint64
}

// String returns the source expression.
func (p *StarlarkPredicate) String() string {
	return p.expr
}

// Evaluate runs the expression with facts bound to the facts global.
func (p *StarlarkPredicate) Evaluate(facts engine.Facts) (bool, error) {
	thread := &starlark.Thread{
		Name:  "only_if",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)

	factsValue, err := factsToStarlark(facts)
	if err != nil {
		return false, err
	}

	globals, err := p.program.Init(thread, starlark.StringDict{"facts": factsValue})
	if err != nil {
		return false, fmt.Errorf("only_if %q: %w", p.expr, err)
	}

	result, ok := globals["result"].(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("only_if %q returned %s, want bool", p.expr, globals["result"].Type())
	}
	return bool(result), nil
}

func factsToStarlark(f engine.Facts) (starlark.Value, error) {
	osFacts := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name":     starlark.String(f.OS.Name),
		"version":  starlark.String(f.OS.Version),
		"kernel":   starlark.String(f.OS.Kernel),
		"arch":     starlark.String(f.OS.Arch),
		"hostname": starlark.String(f.OS.Hostname),
	})

	extra, err := stringDict(f.Extra)
	if err != nil {
		return nil, err
	}
	labels, err := stringDict(f.Labels)
	if err != nil {
		return nil, err
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"os":     osFacts,
		"extra":  extra,
		"labels": labels,
	}), nil
}

// stringDict converts m into a frozen Starlark dict with sorted insertion order.
func stringDict(m map[string]string) (*starlark.Dict, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := starlark.NewDict(len(m))
	for _, k := range keys {
		if err := d.SetKey(starlark.String(k), starlark.String(m[k])); err != nil {
			return nil, err
		}
	}
	d.Freeze()
	return d, nil
}
