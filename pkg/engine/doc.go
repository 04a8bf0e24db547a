// Package engine provides the execution-sequence engine for seqdeploy.
//
// # Overview
//
// A deployment is declared as a sequence tree owned by a Manager and executed
// by an Engine. The tree has four node kinds:
//
//   - Local: the single root for work that runs once on the machine driving the deployment
//   - Remote: one root per distinct server; re-referencing a server reuses its root
//   - Conditional: a composite gated on a Predicate over the server's facts
//   - Operation: a leaf wrapping one unit of work
//
// # Declaration
//
// Trees are built either with the primitive builder methods:
//
//	m := engine.NewManager()
//	remote, _ := m.Remote(server)
//	gate, _ := m.AddConditional(remote, engine.OSNameHasPrefix("Windows"))
//	_, _ = m.AddOperation(gate, op)
//
// or with the stage objects, which delegate to the same primitives:
//
//	err := m.ToEachServer(servers, func(s *engine.RemoteStage) error {
//	    return s.OnlyIf(engine.OSNameHasPrefix("Windows")).Execute(op)
//	})
//
// The Manager is frozen when the first Run begins. Mutations after that point
// return an EngineError with code ErrCodePlanFrozen.
//
// # Execution
//
// Engine.Run executes the Local root first. If it fails, nothing else runs.
// Each Remote root then runs in declaration order, or with bounded
// parallelism when Settings.MaxParallel is greater than one. For every server
// the engine:
//
//  1. Resolves the server's facts once through the FactProvider
//  2. Suspends the server on the LoadBalancer with the configured SuspendMode
//  3. Traverses the server's subtree depth-first, evaluating each Conditional
//     exactly once before descending into it
//  4. Resumes the server, whatever the subtree's outcome
//
// A failed Operation aborts only the remaining work of its own server. A
// resume failure is recorded as a post-deployment error next to the
// subtree's status.
//
// # Cancellation
//
// Cancellation is cooperative. The context is checked before every
// Operation, before every load balancer call and before every server starts.
// An Operation that is already running is allowed to finish.
package engine
