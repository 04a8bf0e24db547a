package operations

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/seqdeploy/pkg/engine"
)

const (
	defaultUnitDir = "/etc/systemd/system"
	defaultRestart = "on-failure"
)

// Service installs a long-running program as a systemd unit on the target
// server and (re)starts it. When Source is set, the local directory is first
// synced to Directory.
type Service struct {
	Label       string
	Unit        string // unit name without the .service suffix
	Description string

	Source    string
	Directory string
	Exec      string // relative to Directory unless absolute
	Args      []string
	User      string
	Env       map[string]string
	Restart   string

	// UnitDir is where the unit file is written. Empty means /etc/systemd/system.
	UnitDir string

	Sudo         bool
	SudoPassword string
	Dialer       Dialer
}

var _ engine.Operation = (*Service)(nil)

// Name returns the label, or the unit being installed.
func (s *Service) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "service: " + s.unitName()
}

func (s *Service) unitName() string {
	return strings.TrimSuffix(s.Unit, ".service") + ".service"
}

// UnitPath returns the remote path of the unit file.
func (s *Service) UnitPath() string {
	dir := s.UnitDir
	if dir == "" {
		dir = defaultUnitDir
	}
	return path.Join(dir, s.unitName())
}

// UnitFile renders the systemd unit.
func (s *Service) UnitFile() string {
	execPath := s.Exec
	if !path.IsAbs(execPath) && s.Directory != "" {
		execPath = path.Join(s.Directory, execPath)
	}
	execStart := append([]string{execPath}, s.Args...)

	description := s.Description
	if description == "" {
		description = strings.TrimSuffix(s.Unit, ".service")
	}
	restart := s.Restart
	if restart == "" {
		restart = defaultRestart
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", description)
	b.WriteString("After=network.target\n\n")

	b.WriteString("[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(execStart, " "))
	if s.Directory != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", s.Directory)
	}
	if s.User != "" {
		fmt.Fprintf(&b, "User=%s\n", s.User)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "Environment=%q\n", k+"="+s.Env[k])
	}
	fmt.Fprintf(&b, "Restart=%s\n\n", restart)

	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

// InstallScript is the shell script that writes the unit, enables it and
// restarts it.
func (s *Service) InstallScript() string {
	unit := s.unitName()
	return fmt.Sprintf("printf '%%s' %s > %s && systemctl daemon-reload && systemctl enable %s && systemctl restart %s",
		shellQuote(s.UnitFile()), shellQuote(s.UnitPath()), unit, unit)
}

// Execute syncs the program files, installs the unit and checks that it is
// active afterwards.
func (s *Service) Execute(ctx context.Context, target engine.Target) (*engine.Diagnostics, error) {
	transport, err := dial(ctx, s.Dialer, target, "service")
	if err != nil {
		return nil, err
	}

	diag := engine.NewDiagnostics()
	diag.Set("unit", s.UnitPath())

	if s.Source != "" {
		result, err := transport.UploadDirectory(ctx, s.Source, s.Directory)
		if err != nil {
			return diag, fmt.Errorf("failed to sync %s: %w", s.Source, err)
		}
		diag.Set("files", strconv.Itoa(result.Files))
	}

	run := func(cmd string) (string, string, error) {
		if s.Sudo {
			return transport.ExecuteCommandWithSudo(ctx, cmd, s.SudoPassword)
		}
		return transport.ExecuteCommand(ctx, cmd)
	}

	if _, stderr, err := run("sh -c " + shellQuote(s.InstallScript())); err != nil {
		if stderr != "" {
			diag.Set("stderr", stderr)
		}
		return diag, fmt.Errorf("failed to install %s: %w", s.unitName(), err)
	}

	state, _, err := run("systemctl is-active " + s.unitName())
	state = strings.TrimSpace(state)
	diag.Set("state", state)
	if err != nil || state != "active" {
		if err == nil {
			err = fmt.Errorf("state %q", state)
		}
		return diag, fmt.Errorf("service %s did not start: %w", s.unitName(), err)
	}

	diag.AddOutput(s.unitName() + " active")
	return diag, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
