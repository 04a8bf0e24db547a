package config

import (
	"fmt"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/operations"
)

// Plan is a manifest turned into a sequence tree ready for the engine.
type Plan struct {
	Manifest *Manifest
	Manager  *engine.Manager
	Servers  []*engine.Server
	Settings engine.Settings
}

// Build declares the manifest's steps on a new sequence manager. Each step
// is built once and shared by every server; each only_if expression is
// compiled once.
func Build(m *Manifest, registry *operations.Registry, predicates PredicateCompiler) (*Plan, error) {
	settings, err := m.Settings.EngineSettings()
	if err != nil {
		return nil, err
	}

	b := &builder{
		registry:   registry,
		predicates: predicates,
		compiled:   make(map[string]engine.Predicate),
	}

	mgr := engine.NewManager()

	for i, step := range m.Local {
		path := fmt.Sprintf("local[%d]", i)
		if step.IsGroup() || step.OnlyIf != "" {
			return nil, fmt.Errorf("%s: conditional steps are not allowed in local", path)
		}
		if registry.IsRemote(step.Kind) {
			return nil, fmt.Errorf("%s: step kind %q requires a server and cannot run locally", path, step.Kind)
		}
		op, err := registry.Build(step.Kind, step.Name, step.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := mgr.OnLocal().Execute(op); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	remote, err := b.compile("remote", m.Remote)
	if err != nil {
		return nil, err
	}

	servers := make([]*engine.Server, len(m.Servers))
	for i, s := range m.Servers {
		servers[i] = s.Server()
	}

	err = mgr.ToEachServer(servers, func(stage *engine.RemoteStage) error {
		return declare(mgr, stage.Node(), remote)
	})
	if err != nil {
		return nil, err
	}

	return &Plan{
		Manifest: m,
		Manager:  mgr,
		Servers:  mgr.Servers(),
		Settings: settings,
	}, nil
}

// compiledStep is a step with its operation or predicate resolved.
type compiledStep struct {
	op        engine.Operation
	predicate engine.Predicate
	children  []compiledStep
}

type builder struct {
	registry   *operations.Registry
	predicates PredicateCompiler
	compiled   map[string]engine.Predicate
}

func (b *builder) compile(path string, steps []Step) ([]compiledStep, error) {
	out := make([]compiledStep, 0, len(steps))
	for i, step := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)

		if step.IsGroup() {
			pred, err := b.predicate(step.OnlyIf)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			children, err := b.compile(p+".steps", step.Steps)
			if err != nil {
				return nil, err
			}
			out = append(out, compiledStep{predicate: pred, children: children})
			continue
		}

		op, err := b.registry.Build(step.Kind, step.Name, step.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		cs := compiledStep{op: op}
		if step.OnlyIf != "" {
			pred, err := b.predicate(step.OnlyIf)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			cs = compiledStep{predicate: pred, children: []compiledStep{{op: op}}}
		}
		out = append(out, cs)
	}
	return out, nil
}

func (b *builder) predicate(expr string) (engine.Predicate, error) {
	if pred, ok := b.compiled[expr]; ok {
		return pred, nil
	}
	if b.predicates == nil {
		return nil, fmt.Errorf("only_if %q: no predicate compiler configured", expr)
	}
	pred, err := b.predicates.Compile(expr)
	if err != nil {
		return nil, err
	}
	b.compiled[expr] = pred
	return pred, nil
}

func declare(mgr *engine.Manager, parent *engine.Node, steps []compiledStep) error {
	for _, s := range steps {
		if s.op != nil {
			if _, err := mgr.AddOperation(parent, s.op); err != nil {
				return err
			}
			continue
		}
		node, err := mgr.AddConditional(parent, s.predicate)
		if err != nil {
			return err
		}
		if err := declare(mgr, node, s.children); err != nil {
			return err
		}
	}
	return nil
}
