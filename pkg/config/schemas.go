package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry holds compiled CUE definitions used to check CUE manifests
// before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry compiles the built-in definitions in ctx. Values
// validated against the registry must come from the same context.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("manifest", builtinManifestSchema, "#Manifest"); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Apply(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

const builtinManifestSchema = `
#Duration: string | number

#Manifest: {
	name: string & != ""

	settings?: {
		suspend_mode?:      "none" | "graceful" | "immediate"
		max_parallel?:      int & >=0
		dry_run?:           bool
		operation_timeout?: #Duration
		resume_timeout?:    #Duration
	}

	load_balancer?: {
		type?:          "none" | "redis" | "http"
		address?:       string
		password?:      string
		db?:            int & >=0
		token?:         string
		prefix?:        string
		farm?:          string
		drain_timeout?: #Duration
		poll_interval?: #Duration
		exclusive?:     bool
		lock_ttl?:      #Duration
		lock_wait?:     #Duration
	}

	ssh?: {
		user?:               string
		port?:               int & >0 & <65536
		auth_method?:        "password" | "key" | "agent"
		password?:           string
		key_path?:           string
		known_hosts?:        string
		insecure_host_key?:  bool
		connection_timeout?: #Duration
		command_timeout?:    #Duration
	}

	servers: [...#Server] & [_, ...]

	local?: [...#Step]
	remote?: [...#Step]

	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error"
		log_format?:       "console" | "json"
		tracing_exporter?: "none" | "stdout" | "otlp"
		tracing_endpoint?: string
		sampling_rate?:    number & >=0 & <=1
		metrics_address?:  string
		environment?:      string
	}
}

#Server: {
	name:      string & != ""
	address?:  string
	port?:     int & >0 & <65536
	user?:     string
	key_path?: string
	farm?:     string
	labels?: [string]: string
}

#Step: {
	name?:    string
	kind?:    string
	params?: {...}
	only_if?: string
	steps?: [...#Step]
}
`
