package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/seqdeploy/pkg/loadbalancer"
	"gopkg.in/yaml.v3"
)

// Loader reads and validates deployment manifests.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a manifest loader.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &Loader{
		ctx:       ctx,
		schemas:   schemas,
		validator: validator.New(),
	}, nil
}

// Load reads the manifest at path. Files ending in .cue are read as CUE,
// everything else as YAML.
func Load(path string) (*Manifest, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads the manifest at path.
func (l *Loader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		m, err = l.ParseCUE(data, path)
	default:
		m, err = l.ParseYAML(data, path)
	}
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// ParseYAML decodes and validates a YAML manifest. Unknown fields are errors.
func (l *Loader) ParseYAML(data []byte, filename string) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: filename, Message: "manifest is empty", Severity: "error"}}
		}
		return nil, ValidationErrors{{File: filename, Message: err.Error(), Severity: "error"}}
	}

	if errs := l.Validate(&m); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return &m, nil
}

// ParseCUE compiles a CUE manifest, checks it against the manifest schema and
// decodes it.
func (l *Loader) ParseCUE(data []byte, filename string) (*Manifest, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := l.schemas.Apply("manifest", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var m Manifest
	if err := unified.Decode(&m); err != nil {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to decode manifest: %v", err), Severity: "error"}}
	}

	if errs := l.Validate(&m); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return &m, nil
}

// Validate checks struct tags and the structural rules that tags cannot
// express.
func (l *Loader) Validate(m *Manifest) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error(), Severity: "error"})
		}
	}

	if _, err := m.Settings.EngineSettings(); err != nil {
		errs = append(errs, ValidationError{Path: "settings", Message: err.Error(), Severity: "error"})
	}
	if err := m.LoadBalancer.Adapter().Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "load_balancer", Message: err.Error(), Severity: "error"})
	}
	if m.Settings.SuspendMode != "" && m.Settings.SuspendMode != "none" &&
		(m.LoadBalancer.Type == "" || m.LoadBalancer.Type == loadbalancer.TypeNone) {
		errs = append(errs, ValidationError{
			Path:     "settings.suspend_mode",
			Message:  fmt.Sprintf("suspend mode %s has no effect without a load balancer", m.Settings.SuspendMode),
			Severity: "warning",
		})
	}

	seen := make(map[string]int)
	for i, s := range m.Servers {
		if j, ok := seen[s.Name]; ok && s.Name != "" {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("servers[%d]", i),
				Message:  fmt.Sprintf("duplicate server name %q (first declared at servers[%d])", s.Name, j),
				Severity: "error",
			})
			continue
		}
		seen[s.Name] = i
	}

	errs = append(errs, validateSteps("local", m.Local, true)...)
	errs = append(errs, validateSteps("remote", m.Remote, false)...)

	return errs.blocking()
}

func validateSteps(path string, steps []Step, local bool) ValidationErrors {
	var errs ValidationErrors
	for i, s := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		add := func(msg string) {
			errs = append(errs, ValidationError{Path: p, Message: msg, Severity: "error"})
		}

		switch {
		case s.Kind != "" && s.IsGroup():
			add("step must have either kind or steps, not both")
		case s.Kind == "" && !s.IsGroup():
			add("step must have kind or steps")
		case s.IsGroup() && s.OnlyIf == "":
			add("step group requires only_if")
		case s.Kind != "" && s.Name == "":
			add("step requires a name")
		}

		if local && s.OnlyIf != "" {
			add("only_if is not supported on local steps")
		}
		if s.IsGroup() {
			errs = append(errs, validateSteps(p+".steps", s.Steps, local)...)
		}
	}
	return errs
}

// blocking returns v if any entry is an error. Warnings alone are not
// returned as a failure.
func (v ValidationErrors) blocking() ValidationErrors {
	for _, e := range v {
		if e.Severity == "error" {
			return v
		}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  strings.TrimSpace(cueerrors.Details(e, nil)),
			Severity: "error",
		})
	}

	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
