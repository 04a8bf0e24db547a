package loadbalancer

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
)

// Recorder wraps a balancer and keeps every call it forwards.
type Recorder struct {
	next engine.LoadBalancer

	mu    sync.Mutex
	calls []engine.LoadBalancerCall
}

var _ engine.LoadBalancer = (*Recorder)(nil)

// NewRecorder wraps next. A nil next records calls without forwarding them.
func NewRecorder(next engine.LoadBalancer) *Recorder {
	return &Recorder{next: next}
}

// Suspend records and forwards the call.
func (r *Recorder) Suspend(ctx context.Context, server *engine.Server, mode engine.SuspendMode) error {
	var err error
	if r.next != nil {
		err = r.next.Suspend(ctx, server, mode)
	}
	r.record(server.Name, engine.ActionSuspend, mode, err)
	return err
}

// Resume records and forwards the call.
func (r *Recorder) Resume(ctx context.Context, server *engine.Server) error {
	var err error
	if r.next != nil {
		err = r.next.Resume(ctx, server)
	}
	r.record(server.Name, engine.ActionResume, "", err)
	return err
}

func (r *Recorder) record(server, action string, mode engine.SuspendMode, err error) {
	call := engine.LoadBalancerCall{
		Server: server,
		Action: action,
		Mode:   mode,
		At:     time.Now(),
	}
	if err != nil {
		call.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// Calls returns a copy of the recorded calls in order.
func (r *Recorder) Calls() []engine.LoadBalancerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.LoadBalancerCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsFor returns the recorded calls for server.
func (r *Recorder) CallsFor(server string) []engine.LoadBalancerCall {
	var out []engine.LoadBalancerCall
	for _, c := range r.Calls() {
		if c.Server == server {
			out = append(out, c)
		}
	}
	return out
}
