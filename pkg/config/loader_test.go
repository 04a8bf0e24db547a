package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
)

const webYAML = `
name: web
settings:
  suspend_mode: graceful
  max_parallel: 2
  operation_timeout: 90s
  resume_timeout: 30
load_balancer:
  type: redis
  address: localhost:6379
  drain_timeout: 1m
ssh:
  user: deploy
  key_path: /keys/id_ed25519
servers:
  - name: web-1
    address: 10.0.0.1
    labels:
      role: web
  - name: web-2
    address: 10.0.0.2
    port: 2222
local:
  - name: build
    kind: local
    params:
      command: make build
remote:
  - name: stop
    kind: command
    params:
      command: systemctl stop app
      sudo: true
  - only_if: facts.os.name.startswith("Ubuntu")
    steps:
      - name: apt
        kind: command
        params:
          command: apt-get install -y app
`

const webCUE = `
name: "web"
settings: {
	suspend_mode: "immediate"
	resume_timeout: "45s"
}
load_balancer: {
	type: "http"
	address: "http://lb.internal"
}
servers: [
	{name: "web-1", address: "10.0.0.1"},
	{name: "web-2", address: "10.0.0.2", farm: "blue"},
]
remote: [
	{name: "restart", kind: "command", params: {command: "systemctl restart app"}},
]
`

func expectValidationError(t *testing.T, err error, contains string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error containing %q, got nil", contains)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got: %T %v", err, err)
	}
	if !strings.Contains(err.Error(), contains) {
		t.Fatalf("Expected error containing %q, got: %v", contains, err)
	}
}

func TestLoader_ParseYAML(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	m, err := l.ParseYAML([]byte(webYAML), "web.yaml")
	if err != nil {
		t.Fatalf("Expected valid manifest, got: %v", err)
	}

	if m.Name != "web" {
		t.Errorf("Expected name web, got: %s", m.Name)
	}
	if len(m.Servers) != 2 || m.Servers[1].Port != 2222 {
		t.Errorf("Expected two servers with web-2 on port 2222, got: %+v", m.Servers)
	}
	if m.Servers[0].Labels["role"] != "web" {
		t.Errorf("Expected role label, got: %v", m.Servers[0].Labels)
	}
	if m.Settings.OperationTimeout.Duration() != 90*time.Second {
		t.Errorf("Expected 90s operation timeout, got: %s", m.Settings.OperationTimeout)
	}
	if m.Settings.ResumeTimeout.Duration() != 30*time.Second {
		t.Errorf("Expected numeric resume timeout in seconds, got: %s", m.Settings.ResumeTimeout)
	}
	if m.LoadBalancer.DrainTimeout.Duration() != time.Minute {
		t.Errorf("Expected 1m drain timeout, got: %s", m.LoadBalancer.DrainTimeout)
	}
	if len(m.Remote) != 2 || !m.Remote[1].IsGroup() {
		t.Fatalf("Expected a step and a group, got: %+v", m.Remote)
	}
	if m.Remote[0].Params["sudo"] != true {
		t.Errorf("Expected sudo param, got: %v", m.Remote[0].Params)
	}

	settings, err := m.Settings.EngineSettings()
	if err != nil {
		t.Fatalf("Failed to convert settings: %v", err)
	}
	if settings.SuspendMode != engine.SuspendModeGraceful || settings.MaxParallel != 2 {
		t.Errorf("Unexpected settings: %+v", settings)
	}
}

func TestLoader_ParseCUE(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	m, err := l.ParseCUE([]byte(webCUE), "web.cue")
	if err != nil {
		t.Fatalf("Expected valid manifest, got: %v", err)
	}

	if m.Settings.SuspendMode != "immediate" {
		t.Errorf("Expected immediate suspend mode, got: %s", m.Settings.SuspendMode)
	}
	if m.Settings.ResumeTimeout.Duration() != 45*time.Second {
		t.Errorf("Expected 45s resume timeout, got: %s", m.Settings.ResumeTimeout)
	}
	if m.Servers[1].Farm != "blue" {
		t.Errorf("Expected farm blue, got: %s", m.Servers[1].Farm)
	}
	if len(m.Remote) != 1 || m.Remote[0].Params["command"] != "systemctl restart app" {
		t.Errorf("Unexpected remote steps: %+v", m.Remote)
	}
}

func TestLoader_ParseCUE_SchemaErrors(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `name: "web" servers: [`},
		{"no servers", `name: "web", servers: []`},
		{"unknown field", `name: "web", servers: [{name: "a"}], workers: 3`},
		{"bad port", `name: "web", servers: [{name: "a", port: 70000}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ParseCUE([]byte(tt.src), "bad.cue")
			var verrs ValidationErrors
			if !errors.As(err, &verrs) || len(verrs) == 0 {
				t.Fatalf("Expected ValidationErrors, got: %v", err)
			}
		})
	}
}

func TestLoader_ParseYAML_Errors(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	tests := []struct {
		name     string
		src      string
		contains string
	}{
		{
			name:     "empty",
			src:      "",
			contains: "manifest is empty",
		},
		{
			name:     "unknown field",
			src:      "name: web\nhosts: []\nservers: [{name: a}]\n",
			contains: "hosts",
		},
		{
			name:     "no servers",
			src:      "name: web\n",
			contains: "Servers",
		},
		{
			name:     "duplicate server",
			src:      "name: web\nservers: [{name: a}, {name: a}]\n",
			contains: "duplicate server name",
		},
		{
			name:     "group without only_if",
			src:      "name: web\nservers: [{name: a}]\nremote:\n  - steps:\n      - {name: x, kind: command, params: {command: ls}}\n",
			contains: "step group requires only_if",
		},
		{
			name:     "kind and steps",
			src:      "name: web\nservers: [{name: a}]\nremote:\n  - name: x\n    kind: command\n    only_if: 'True'\n    steps:\n      - {name: y, kind: command}\n",
			contains: "either kind or steps",
		},
		{
			name:     "unnamed step",
			src:      "name: web\nservers: [{name: a}]\nremote:\n  - kind: command\n",
			contains: "step requires a name",
		},
		{
			name:     "only_if on local",
			src:      "name: web\nservers: [{name: a}]\nlocal:\n  - {name: x, kind: local, only_if: 'True'}\n",
			contains: "not supported on local steps",
		},
		{
			name:     "redis without address",
			src:      "name: web\nservers: [{name: a}]\nload_balancer: {type: redis}\n",
			contains: "address is required",
		},
		{
			name:     "bad duration",
			src:      "name: web\nservers: [{name: a}]\nsettings: {resume_timeout: soon}\n",
			contains: "invalid duration",
		},
		{
			name:     "bad suspend mode",
			src:      "name: web\nservers: [{name: a}]\nsettings: {suspend_mode: later}\n",
			contains: "SuspendMode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ParseYAML([]byte(tt.src), "bad.yaml")
			expectValidationError(t, err, tt.contains)
		})
	}
}

func TestLoader_SuspendWithoutBalancerIsWarning(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	m := &Manifest{
		Name:     "web",
		Settings: SettingsConfig{SuspendMode: "graceful"},
		Servers:  []ServerConfig{{Name: "a"}},
	}
	if errs := l.Validate(m); len(errs) != 0 {
		t.Fatalf("Expected warnings to be non-blocking, got: %v", errs)
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(yamlPath, []byte(webYAML), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	cuePath := filepath.Join(dir, "deploy.cue")
	if err := os.WriteFile(cuePath, []byte(webCUE), 0o644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	m, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Failed to load YAML: %v", err)
	}
	if m.Source != yamlPath {
		t.Errorf("Expected source %s, got: %s", yamlPath, m.Source)
	}

	m, err = Load(cuePath)
	if err != nil {
		t.Fatalf("Failed to load CUE: %v", err)
	}
	if m.LoadBalancer.Type != "http" {
		t.Errorf("Expected http load balancer, got: %s", m.LoadBalancer.Type)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandHome("~/.ssh/id_rsa"); got != filepath.Join(home, ".ssh/id_rsa") {
		t.Errorf("Expected path under home, got: %s", got)
	}
	if got := expandHome("/etc/key"); got != "/etc/key" {
		t.Errorf("Expected absolute path unchanged, got: %s", got)
	}
	if got := expandHome(""); got != "" {
		t.Errorf("Expected empty path unchanged, got: %s", got)
	}
}
