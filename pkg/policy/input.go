package policy

import (
	"time"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/engine"
)

// Input is the document policies see as input.
type Input struct {
	Name         string            `json:"name"`
	Environment  string            `json:"environment,omitempty"`
	Settings     InputSettings     `json:"settings"`
	LoadBalancer InputLoadBalancer `json:"load_balancer"`
	Servers      []InputServer     `json:"servers"`
	Local        []InputStep       `json:"local"`
	Remote       []InputStep       `json:"remote"`
	Timestamp    time.Time         `json:"timestamp"`
}

// InputSettings are the effective run settings.
type InputSettings struct {
	SuspendMode             string  `json:"suspend_mode"`
	MaxParallel             int     `json:"max_parallel"`
	DryRun                  bool    `json:"dry_run"`
	OperationTimeoutSeconds float64 `json:"operation_timeout_seconds"`
	ResumeTimeoutSeconds    float64 `json:"resume_timeout_seconds"`
}

// InputLoadBalancer summarises the load balancer section.
type InputLoadBalancer struct {
	Type      string `json:"type"`
	Farm      string `json:"farm"`
	Exclusive bool   `json:"exclusive"`
}

// InputServer is a declared server.
type InputServer struct {
	Name    string            `json:"name"`
	Address string            `json:"address"`
	Port    int               `json:"port"`
	User    string            `json:"user"`
	Farm    string            `json:"farm"`
	Labels  map[string]string `json:"labels"`
}

// InputStep is a declared step or step group.
type InputStep struct {
	Name   string      `json:"name"`
	Kind   string      `json:"kind"`
	OnlyIf string      `json:"only_if"`
	Steps  []InputStep `json:"steps"`
}

// NewInput builds the policy input from a manifest and the settings the run
// will actually use, which may differ from the manifest after CLI overrides.
func NewInput(m *config.Manifest, settings engine.Settings) *Input {
	in := &Input{
		Name: m.Name,
		Settings: InputSettings{
			SuspendMode:             string(settings.SuspendMode),
			MaxParallel:             settings.MaxParallel,
			DryRun:                  settings.DryRun,
			OperationTimeoutSeconds: settings.OperationTimeout.Seconds(),
			ResumeTimeoutSeconds:    settings.ResumeTimeout.Seconds(),
		},
		LoadBalancer: InputLoadBalancer{
			Type:      m.LoadBalancer.Type,
			Farm:      m.LoadBalancer.Farm,
			Exclusive: m.LoadBalancer.Exclusive,
		},
		Servers:   make([]InputServer, len(m.Servers)),
		Local:     inputSteps(m.Local),
		Remote:    inputSteps(m.Remote),
		Timestamp: time.Now().UTC(),
	}
	if in.LoadBalancer.Type == "" {
		in.LoadBalancer.Type = "none"
	}
	if m.Telemetry != nil {
		in.Environment = m.Telemetry.Environment
	}

	for i, s := range m.Servers {
		labels := make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			labels[k] = v
		}
		in.Servers[i] = InputServer{
			Name:    s.Name,
			Address: s.Address,
			Port:    s.Port,
			User:    s.User,
			Farm:    s.Farm,
			Labels:  labels,
		}
	}
	return in
}

func inputSteps(steps []config.Step) []InputStep {
	out := make([]InputStep, len(steps))
	for i, s := range steps {
		out[i] = InputStep{
			Name:   s.Name,
			Kind:   s.Kind,
			OnlyIf: s.OnlyIf,
			Steps:  inputSteps(s.Steps),
		}
	}
	return out
}
