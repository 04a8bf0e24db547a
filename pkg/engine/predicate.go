package engine

import (
	"fmt"
	"strings"
)

// Predicate gates a Conditional node on a server's facts.
// Implementations must be pure: the engine evaluates each Conditional node
// exactly once per run and caches nothing across runs.
type Predicate interface {
	Evaluate(facts Facts) (bool, error)
}

// PredicateFunc adapts an ordinary function to the Predicate interface.
type PredicateFunc func(facts Facts) bool

// Evaluate calls f(facts).
func (f PredicateFunc) Evaluate(facts Facts) (bool, error) {
	return f(facts), nil
}

// evaluatePredicate runs p and converts a panic into an error.
func evaluatePredicate(p Predicate, facts Facts) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return p.Evaluate(facts)
}

// describePredicate returns a printable form of p for plans and logs.
func describePredicate(p Predicate) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return "func(facts)"
}

type namedPredicate struct {
	desc string
	fn   func(Facts) (bool, error)
}

func (p namedPredicate) Evaluate(facts Facts) (bool, error) { return p.fn(facts) }
func (p namedPredicate) String() string                     { return p.desc }

// OSNameHasPrefix matches servers whose operating system name starts with prefix.
func OSNameHasPrefix(prefix string) Predicate {
	return namedPredicate{
		desc: fmt.Sprintf("os.name startswith %q", prefix),
		fn: func(f Facts) (bool, error) {
			return strings.HasPrefix(f.OS.Name, prefix), nil
		},
	}
}

// OSNameEquals matches servers whose operating system name is exactly name.
func OSNameEquals(name string) Predicate {
	return namedPredicate{
		desc: fmt.Sprintf("os.name == %q", name),
		fn: func(f Facts) (bool, error) {
			return f.OS.Name == name, nil
		},
	}
}

// HasLabel matches servers declared with the given label value.
func HasLabel(key, value string) Predicate {
	return namedPredicate{
		desc: fmt.Sprintf("labels[%q] == %q", key, value),
		fn: func(f Facts) (bool, error) {
			v, ok := f.Labels[key]
			return ok && v == value, nil
		},
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return namedPredicate{
		desc: "not (" + describePredicate(p) + ")",
		fn: func(f Facts) (bool, error) {
			ok, err := p.Evaluate(f)
			return !ok, err
		},
	}
}

// All matches when every predicate matches. Evaluation stops at the first false or error.
func All(preds ...Predicate) Predicate {
	return namedPredicate{
		desc: joinPredicates(preds, " and "),
		fn: func(f Facts) (bool, error) {
			for _, p := range preds {
				ok, err := p.Evaluate(f)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		},
	}
}

// Any matches when at least one predicate matches. Evaluation stops at the first true or error.
func Any(preds ...Predicate) Predicate {
	return namedPredicate{
		desc: joinPredicates(preds, " or "),
		fn: func(f Facts) (bool, error) {
			for _, p := range preds {
				ok, err := p.Evaluate(f)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

func joinPredicates(preds []Predicate, sep string) string {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = "(" + describePredicate(p) + ")"
	}
	return strings.Join(parts, sep)
}
