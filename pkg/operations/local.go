package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/seqdeploy/pkg/engine"
)

// LocalCommand runs a command on the deploying machine. Without Args the
// command is run through Shell (default /bin/sh). When the target is a server
// its name and host are exported as SEQDEPLOY_SERVER and SEQDEPLOY_HOST.
type LocalCommand struct {
	Label   string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Shell   string
}

var _ engine.Operation = (*LocalCommand)(nil)

// Name returns the label, or the command line.
func (c *LocalCommand) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return "local: " + strings.TrimSpace(c.Command+" "+strings.Join(c.Args, " "))
}

// Execute runs the command. A non-zero exit status is a failure.
func (c *LocalCommand) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	if len(c.Args) > 0 {
		cmd = exec.CommandContext(ctx, c.Command, c.Args...)
	} else {
		shell := c.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-c", c.Command)
	}

	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = c.environ(target)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	diag := engine.NewDiagnostics()
	diag.AddOutput(stdout.String())
	if s := strings.TrimSpace(stderr.String()); s != "" {
		diag.Set("stderr", s)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			diag.Set("exit_code", strconv.Itoa(exitErr.ExitCode()))
			return diag, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return diag, fmt.Errorf("failed to execute command: %w", err)
	}

	diag.Set("exit_code", "0")
	return diag, nil
}

func (c *LocalCommand) environ(target engine.Target) []string {
	env := os.Environ()

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, c.Env[k]))
	}

	if !target.IsLocal() {
		env = append(env,
			"SEQDEPLOY_SERVER="+target.Server.Name,
			"SEQDEPLOY_HOST="+target.Server.Host(),
		)
	}
	return env
}

// Func adapts a Go function into an operation.
type Func struct {
	Label string
	Fn    func(ctx context.Context, target engine.Target) (*engine.Diagnostics, error)
}

var _ engine.Operation = (*Func)(nil)

// NewFunc creates an operation named name that runs fn.
func NewFunc(name string, fn func(ctx context.Context, target engine.Target) error) *Func {
	return &Func{
		Label: name,
		Fn: func(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
			return nil, fn(ctx, target)
		},
	}
}

// Name returns the label.
func (f *Func) Name() string { return f.Label }

// Execute calls the function.
func (f *Func) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, target)
}
