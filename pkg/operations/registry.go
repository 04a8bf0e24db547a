package operations

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/openfroyo/seqdeploy/pkg/engine"
)

// Built-in step kinds.
const (
	KindCommand = "command"
	KindUpload  = "upload"
	KindSync    = "sync"
	KindLocal   = "local"
	KindWasm    = "wasm"
	KindService = "service"
)

// Factory builds an operation from a step name and its raw parameters.
type Factory func(name string, params map[string]interface{}) (engine.Operation, error)

// Registry maps step kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	remote    map[string]bool
	validate  *validator.Validate
	dialer    Dialer
}

// NewRegistry creates a registry with the built-in kinds. Remote kinds connect
// through dialer.
func NewRegistry(dialer Dialer) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		remote:    make(map[string]bool),
		validate:  validator.New(),
		dialer:    dialer,
	}

	r.register(KindCommand, true, r.newRemoteCommand)
	r.register(KindUpload, true, r.newUploadFile)
	r.register(KindSync, true, r.newSyncDirectory)
	r.register(KindLocal, false, r.newLocalCommand)
	r.register(KindWasm, false, r.newWasm)
	r.register(KindService, true, r.newService)

	return r
}

// Register adds or replaces a factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	r.register(kind, false, factory)
}

func (r *Registry) register(kind string, remote bool, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
	r.remote[kind] = remote
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsRemote returns true if kind needs a server target.
func (r *Registry) IsRemote(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote[kind]
}

// Build creates an operation of kind from params.
func (r *Registry) Build(kind, name string, params map[string]interface{}) (engine.Operation, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step kind %q (known: %v)", kind, r.Kinds())
	}

	op, err := factory(name, params)
	if err != nil {
		return nil, fmt.Errorf("invalid %s step %q: %w", kind, name, err)
	}
	return op, nil
}

// Decode decodes params into out and validates it. Unknown keys are errors.
func (r *Registry) Decode(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return err
	}
	return r.validate.Struct(out)
}

type commandParams struct {
	Command      string `mapstructure:"command" validate:"required"`
	Sudo         bool   `mapstructure:"sudo"`
	SudoPassword string `mapstructure:"sudo_password"`
}

type uploadParams struct {
	Source        string `mapstructure:"source" validate:"required"`
	Destination   string `mapstructure:"destination" validate:"required"`
	Mode          string `mapstructure:"mode"`
	SkipUnchanged bool   `mapstructure:"skip_unchanged"`
}

type syncParams struct {
	Source      string `mapstructure:"source" validate:"required"`
	Destination string `mapstructure:"destination" validate:"required"`
}

type localParams struct {
	Command string            `mapstructure:"command" validate:"required"`
	Args    []string          `mapstructure:"args"`
	Dir     string            `mapstructure:"dir"`
	Env     map[string]string `mapstructure:"env"`
	Shell   string            `mapstructure:"shell"`
}

type wasmParams struct {
	Module           string            `mapstructure:"module" validate:"required"`
	Args             []string          `mapstructure:"args"`
	Env              map[string]string `mapstructure:"env"`
	Dir              string            `mapstructure:"dir"`
	MemoryLimitPages uint32            `mapstructure:"memory_limit_pages" validate:"omitempty,max=65536"`
}

type serviceParams struct {
	Unit         string            `mapstructure:"unit" validate:"required"`
	Description  string            `mapstructure:"description"`
	Source       string            `mapstructure:"source"`
	Directory    string            `mapstructure:"directory" validate:"required_with=Source"`
	Exec         string            `mapstructure:"exec" validate:"required"`
	Args         []string          `mapstructure:"args"`
	User         string            `mapstructure:"user"`
	Env          map[string]string `mapstructure:"env"`
	Restart      string            `mapstructure:"restart" validate:"omitempty,oneof=no always on-success on-failure on-abnormal on-abort on-watchdog"`
	UnitDir      string            `mapstructure:"unit_dir"`
	Sudo         bool              `mapstructure:"sudo"`
	SudoPassword string            `mapstructure:"sudo_password"`
}

func (r *Registry) newRemoteCommand(name string, params map[string]interface{}) (engine.Operation, error) {
	var p commandParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	return &RemoteCommand{
		Label:        name,
		Command:      p.Command,
		Sudo:         p.Sudo,
		SudoPassword: p.SudoPassword,
		Dialer:       r.dialer,
	}, nil
}

func (r *Registry) newUploadFile(name string, params map[string]interface{}) (engine.Operation, error) {
	var p uploadParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	mode, err := ParseFileMode(p.Mode)
	if err != nil {
		return nil, err
	}
	return &UploadFile{
		Label:         name,
		Source:        p.Source,
		Destination:   p.Destination,
		Mode:          mode,
		SkipUnchanged: p.SkipUnchanged,
		Dialer:        r.dialer,
	}, nil
}

func (r *Registry) newSyncDirectory(name string, params map[string]interface{}) (engine.Operation, error) {
	var p syncParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	return &SyncDirectory{
		Label:       name,
		Source:      p.Source,
		Destination: p.Destination,
		Dialer:      r.dialer,
	}, nil
}

func (r *Registry) newLocalCommand(name string, params map[string]interface{}) (engine.Operation, error) {
	var p localParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	return &LocalCommand{
		Label:   name,
		Command: p.Command,
		Args:    p.Args,
		Dir:     p.Dir,
		Env:     p.Env,
		Shell:   p.Shell,
	}, nil
}

func (r *Registry) newWasm(name string, params map[string]interface{}) (engine.Operation, error) {
	var p wasmParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	return &Wasm{
		Label:            name,
		Module:           p.Module,
		Args:             p.Args,
		Env:              p.Env,
		Dir:              p.Dir,
		MemoryLimitPages: p.MemoryLimitPages,
	}, nil
}

func (r *Registry) newService(name string, params map[string]interface{}) (engine.Operation, error) {
	var p serviceParams
	if err := r.Decode(params, &p); err != nil {
		return nil, err
	}
	return &Service{
		Label:        name,
		Unit:         p.Unit,
		Description:  p.Description,
		Source:       p.Source,
		Directory:    p.Directory,
		Exec:         p.Exec,
		Args:         p.Args,
		User:         p.User,
		Env:          p.Env,
		Restart:      p.Restart,
		UnitDir:      p.UnitDir,
		Sudo:         p.Sudo,
		SudoPassword: p.SudoPassword,
		Dialer:       r.dialer,
	}, nil
}

// ParseFileMode parses an octal permission string such as "0644". An empty
// string yields 0, which leaves the remote default in place.
func ParseFileMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: must be octal", s)
	}
	if v > 0o7777 {
		return 0, fmt.Errorf("invalid file mode %q: out of range", s)
	}
	return os.FileMode(v), nil
}
