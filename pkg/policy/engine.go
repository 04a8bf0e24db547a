package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine compiles Rego policies and evaluates them against deployment input.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is nil")
	}
	startTime := time.Now()

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, len(names))
	for i, name := range names {
		compiled[i] = e.policies[name]
	}
	e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: names,
	}

	for _, cp := range compiled {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			result.Allowed = false
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("manifest", input.Name).
		Int("policies", len(compiled)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("deny must be a set, got %T", result.Expressions[0].Value)
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Server != violations[j].Server {
			return violations[i].Server < violations[j].Server
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation converts one deny entry. Entries are either strings or
// objects with message, severity and server fields.
func createViolation(policy Policy, entry interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, val := range v {
			switch key {
			case "message":
				violation.Message = fmt.Sprintf("%v", val)
			case "severity":
				if s, ok := val.(string); ok && s != "" {
					violation.Severity = Severity(s)
				}
			case "server":
				if s, ok := val.(string); ok {
					violation.Server = s
				}
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = val
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	if violation.Severity == "" {
		violation.Severity = SeverityWarning
	}
	return violation
}

// AddPolicy compiles policy and adds or replaces it.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compilePolicy(ctx, policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")
	return nil
}

// compilePolicy parses the module and prepares a query for its deny set.
func compilePolicy(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", policy.Name, err)
	}
	if !definesDeny(module) {
		return nil, fmt.Errorf("policy %s does not define deny", policy.Name)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(policy.Name+".rego", policy.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", policy.Name, err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

func definesDeny(module *ast.Module) bool {
	for _, rule := range module.Rules {
		if rule.Head.Ref().String() == "deny" {
			return true
		}
	}
	return false
}

// LoadPolicies loads policy files and directories. Policies that fail to
// compile abort the load and leave the engine unchanged.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded compiles policies and swaps them in for every previously
// loaded non-built-in policy.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	builtins := make(map[string]bool)
	for _, b := range GetBuiltinPolicies() {
		builtins[b.Name] = true
	}

	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if builtins[p.Name] {
			return fmt.Errorf("policy %s conflicts with a built-in policy", p.Name)
		}
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for _, p := range builtins {
		if err := e.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
