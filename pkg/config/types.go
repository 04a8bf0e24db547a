package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/loadbalancer"
	"github.com/openfroyo/seqdeploy/pkg/transports/ssh"
	"gopkg.in/yaml.v3"
)

// Manifest is a deployment manifest.
type Manifest struct {
	// Name identifies the deployment in run history.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Settings are the run settings. CLI flags may override them.
	Settings SettingsConfig `yaml:"settings" json:"settings"`

	// LoadBalancer selects the adapter used for suspend and resume.
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer" json:"load_balancer"`

	// SSH holds connection defaults for every server.
	SSH SSHConfig `yaml:"ssh" json:"ssh"`

	// Servers are the deployment targets in deployment order.
	Servers []ServerConfig `yaml:"servers" json:"servers" validate:"required,min=1,dive"`

	// Local steps run once on the deploying machine before any server.
	Local []Step `yaml:"local" json:"local"`

	// Remote steps run on every server.
	Remote []Step `yaml:"remote" json:"remote"`

	// Telemetry configures logging, tracing and metrics for the run.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`

	// Source is the file the manifest was loaded from.
	Source string `yaml:"-" json:"-"`
}

// SettingsConfig mirrors engine.Settings in manifest form.
type SettingsConfig struct {
	SuspendMode      string   `yaml:"suspend_mode" json:"suspend_mode" validate:"omitempty,oneof=none graceful immediate"`
	MaxParallel      int      `yaml:"max_parallel" json:"max_parallel" validate:"gte=0"`
	DryRun           bool     `yaml:"dry_run" json:"dry_run"`
	OperationTimeout Duration `yaml:"operation_timeout" json:"operation_timeout"`
	ResumeTimeout    Duration `yaml:"resume_timeout" json:"resume_timeout"`
}

// EngineSettings converts the manifest settings, filling defaults.
func (s SettingsConfig) EngineSettings() (engine.Settings, error) {
	settings := engine.DefaultSettings()

	mode, err := engine.ParseSuspendMode(s.SuspendMode)
	if err != nil {
		return settings, err
	}
	settings.SuspendMode = mode
	if s.MaxParallel > 0 {
		settings.MaxParallel = s.MaxParallel
	}
	settings.DryRun = s.DryRun
	settings.OperationTimeout = s.OperationTimeout.Duration()
	if s.ResumeTimeout > 0 {
		settings.ResumeTimeout = s.ResumeTimeout.Duration()
	}

	return settings, settings.Validate()
}

// LoadBalancerConfig configures the load balancer adapter.
type LoadBalancerConfig struct {
	Type         string   `yaml:"type" json:"type" validate:"omitempty,oneof=none redis http"`
	Address      string   `yaml:"address" json:"address"`
	Password     string   `yaml:"password" json:"password"`
	DB           int      `yaml:"db" json:"db" validate:"gte=0"`
	Token        string   `yaml:"token" json:"token"`
	Prefix       string   `yaml:"prefix" json:"prefix"`
	Farm         string   `yaml:"farm" json:"farm"`
	DrainTimeout Duration `yaml:"drain_timeout" json:"drain_timeout"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	Exclusive    bool     `yaml:"exclusive" json:"exclusive"`
	LockTTL      Duration `yaml:"lock_ttl" json:"lock_ttl"`
	LockWait     Duration `yaml:"lock_wait" json:"lock_wait"`
}

// Adapter returns the load balancer adapter configuration.
func (c LoadBalancerConfig) Adapter() loadbalancer.Config {
	return loadbalancer.Config{
		Type:         c.Type,
		Address:      c.Address,
		Password:     c.Password,
		DB:           c.DB,
		Token:        c.Token,
		Prefix:       c.Prefix,
		Farm:         c.Farm,
		DrainTimeout: c.DrainTimeout.Duration(),
		PollInterval: c.PollInterval.Duration(),
		Exclusive:    c.Exclusive,
		LockTTL:      c.LockTTL.Duration(),
		LockWait:     c.LockWait.Duration(),
	}
}

// SSHConfig holds SSH defaults applied to servers that do not override them.
type SSHConfig struct {
	User              string   `yaml:"user" json:"user"`
	Port              int      `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	AuthMethod        string   `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key agent"`
	Password          string   `yaml:"password" json:"password"`
	KeyPath           string   `yaml:"key_path" json:"key_path"`
	KnownHostsPath    string   `yaml:"known_hosts" json:"known_hosts"`
	InsecureHostKey   bool     `yaml:"insecure_host_key" json:"insecure_host_key"`
	ConnectionTimeout Duration `yaml:"connection_timeout" json:"connection_timeout"`
	CommandTimeout    Duration `yaml:"command_timeout" json:"command_timeout"`
}

// Defaults converts the section into the connector's default SSH config.
func (c SSHConfig) Defaults() ssh.Config {
	cfg := ssh.Config{
		User:                  c.User,
		Port:                  c.Port,
		AuthMethod:            ssh.AuthMethod(c.AuthMethod),
		Password:              c.Password,
		PrivateKeyPath:        expandHome(c.KeyPath),
		KnownHostsPath:        expandHome(c.KnownHostsPath),
		StrictHostKeyChecking: !c.InsecureHostKey,
		ConnectionTimeout:     c.ConnectionTimeout.Duration(),
		CommandTimeout:        c.CommandTimeout.Duration(),
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
	if cfg.AuthMethod == "" && cfg.PrivateKeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
	}
	if cfg.AuthMethod == "" && cfg.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
	}
	return cfg
}

// ServerConfig declares one deployment target.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name" validate:"required"`
	Address string            `yaml:"address" json:"address"`
	Port    int               `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User    string            `yaml:"user" json:"user"`
	KeyPath string            `yaml:"key_path" json:"key_path"`
	Farm    string            `yaml:"farm" json:"farm"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

// Server converts the declaration into an engine server.
func (s ServerConfig) Server() *engine.Server {
	return &engine.Server{
		Name:    s.Name,
		Address: s.Address,
		Port:    s.Port,
		User:    s.User,
		KeyPath: expandHome(s.KeyPath),
		Farm:    s.Farm,
		Labels:  s.Labels,
	}
}

// Step is either an operation (Kind set) or a conditional group (Steps set).
type Step struct {
	Name   string                 `yaml:"name" json:"name"`
	Kind   string                 `yaml:"kind" json:"kind"`
	Params map[string]interface{} `yaml:"params" json:"params"`
	OnlyIf string                 `yaml:"only_if" json:"only_if"`
	Steps  []Step                 `yaml:"steps" json:"steps"`
}

// IsGroup returns true if the step declares nested steps.
func (s Step) IsGroup() bool {
	return len(s.Steps) > 0
}

// TelemetryConfig is the manifest form of the telemetry settings.
type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat       string  `yaml:"log_format" json:"log_format" validate:"omitempty,oneof=console json"`
	TracingExporter string  `yaml:"tracing_exporter" json:"tracing_exporter" validate:"omitempty,oneof=none stdout otlp"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	MetricsAddress  string  `yaml:"metrics_address" json:"metrics_address"`
	Environment     string  `yaml:"environment" json:"environment"`
}

// ValidationError describes one problem found while loading a manifest.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a manifest is invalid.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid manifest: " + v[0].String()
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("invalid manifest (%d errors): %s", len(v), strings.Join(msgs, "; "))
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m")
// or as a number of seconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if err := d.parse(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}
