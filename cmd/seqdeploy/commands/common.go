package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/policy"
	"github.com/openfroyo/seqdeploy/pkg/stores"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// loadManifest reads a manifest, reporting schema problems as invalid input.
func loadManifest(path string) (*config.Manifest, error) {
	m, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, invalidInput(err)
		}
		return nil, err
	}
	return m, nil
}

// settingsFlags are the run setting overrides shared by run and plan.
type settingsFlags struct {
	dryRun           bool
	parallel         int
	suspendMode      string
	operationTimeout time.Duration
	resumeTimeout    time.Duration
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "log operations without executing them")
	cmd.Flags().IntVarP(&f.parallel, "parallel", "p", 0, "maximum servers deployed concurrently")
	cmd.Flags().StringVar(&f.suspendMode, "suspend-mode", "", "load balancer suspend mode: none, graceful or immediate")
	cmd.Flags().DurationVar(&f.operationTimeout, "operation-timeout", 0, "per-operation timeout (0 disables)")
	cmd.Flags().DurationVar(&f.resumeTimeout, "resume-timeout", 0, "timeout for restoring a server to its pool")
}

// apply overlays the flags the user set onto the manifest settings.
func (f *settingsFlags) apply(cmd *cobra.Command, settings engine.Settings) (engine.Settings, error) {
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		settings.DryRun = f.dryRun
	}
	if flags.Changed("parallel") {
		settings.MaxParallel = f.parallel
	}
	if flags.Changed("suspend-mode") {
		mode, err := engine.ParseSuspendMode(f.suspendMode)
		if err != nil {
			return settings, invalidInput(err)
		}
		settings.SuspendMode = mode
	}
	if flags.Changed("operation-timeout") {
		settings.OperationTimeout = f.operationTimeout
	}
	if flags.Changed("resume-timeout") {
		settings.ResumeTimeout = f.resumeTimeout
	}
	if err := settings.Validate(); err != nil {
		return settings, invalidInput(err)
	}
	return settings, nil
}

// openStore opens the history database, or returns nil when history is
// disabled.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dbPath == "" {
		return nil, nil
	}
	store, err := stores.Open(ctx, stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return store, nil
}

// requireStore opens the history database and fails when history is disabled.
func requireStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dbPath == "" {
		return nil, invalidInput(errors.New("run history is disabled (--db is empty)"))
	}
	return openStore(ctx)
}

// evaluatePolicies runs the built-in policies plus any loaded from dirs.
func evaluatePolicies(ctx context.Context, m *config.Manifest, settings engine.Settings, dirs []string, logger zerolog.Logger) (*policy.Result, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(dirs) > 0 {
		if err := pe.LoadPolicies(ctx, dirs); err != nil {
			return nil, err
		}
	}

	input := policy.NewInput(m, settings)
	if m.Telemetry != nil {
		input.Environment = m.Telemetry.Environment
	}
	return pe.Evaluate(ctx, input)
}

// policyError summarises a denied policy result.
func policyError(result *policy.Result) error {
	msgs := make([]string, 0, len(result.Violations)+len(result.Errors))
	for _, v := range result.Violations {
		msgs = append(msgs, formatViolation(v))
	}
	msgs = append(msgs, result.Errors...)
	return invalidInput(fmt.Errorf("policy check failed: %s", strings.Join(msgs, "; ")))
}

func formatViolation(v policy.Violation) string {
	if v.Server != "" {
		return fmt.Sprintf("[%s] %s (server %s): %s", v.Severity, v.Policy, v.Server, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

func printPolicyResult(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  ✗ %s\n", formatViolation(v))
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  ! %s\n", formatViolation(v))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan writes the sequence tree, one node per line.
func printPlan(w io.Writer, m *engine.Manager) {
	m.Walk(func(n *engine.Node, depth int) bool {
		indent := strings.Repeat("  ", depth)
		switch n.Kind() {
		case engine.NodeKindLocal:
			fmt.Fprintf(w, "%slocal\n", indent)
		case engine.NodeKindRemote:
			fmt.Fprintf(w, "%sserver %s (%s)\n", indent, n.Server().Name, n.Server().Host())
		case engine.NodeKindConditional:
			fmt.Fprintf(w, "%sonly if %s\n", indent, n.Name())
		default:
			fmt.Fprintf(w, "%s- %s\n", indent, n.Name())
		}
		return true
	})
}

// printRun writes the status tree and summary of a finished run.
func printRun(w io.Writer, run *engine.RunResult) {
	marks := newMarks(w)
	fmt.Fprintf(w, "Run %s\n", run.ID)
	printNode(w, marks, run.Local, 1)
	for _, s := range run.Servers {
		line := fmt.Sprintf("  %s server %s", marks.status(string(s.Root.Status)), s.Server)
		if s.Suspended {
			line += " [suspended"
			if s.Resumed {
				line += ", resumed"
			}
			line += "]"
		}
		fmt.Fprintln(w, line)
		for _, c := range s.Root.Children {
			printNode(w, marks, c, 2)
		}
		if s.Root.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", s.Root.Error)
		}
		if s.PostDeploymentError != "" {
			fmt.Fprintf(w, "      post-deployment: %s\n", s.PostDeploymentError)
		}
	}

	summary := run.Summary()
	fmt.Fprintf(w, "\nStatus: %s", run.Status)
	if run.Cancelled {
		fmt.Fprint(w, " (cancelled)")
	}
	fmt.Fprintf(w, "  Duration: %s\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Servers: %d succeeded, %d failed, %d not run\n",
		summary.ServersSucceeded, summary.ServersFailed, summary.ServersNotRun)
	fmt.Fprintf(w, "Operations: %d succeeded, %d failed, %d skipped, %d pending\n",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Pending)
}

func printNode(w io.Writer, marks marks, n *engine.NodeResult, depth int) {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s %s", indent, marks.status(string(n.Status)), nodeLabel(n))
	if n.SkipReason != "" {
		line += " (" + n.SkipReason + ")"
	}
	fmt.Fprintln(w, line)
	if n.Kind == engine.NodeKindOperation && n.Error != "" {
		fmt.Fprintf(w, "%s    error: %s\n", indent, n.Error)
	}
	for _, c := range n.Children {
		printNode(w, marks, c, depth+1)
	}
}

func nodeLabel(n *engine.NodeResult) string {
	switch n.Kind {
	case engine.NodeKindLocal:
		return "local"
	case engine.NodeKindConditional:
		return "only if " + n.Name
	default:
		return n.Name
	}
}

// marks renders status glyphs, coloured when the writer is a terminal that
// supports it. NO_COLOR is honoured.
type marks struct {
	out *termenv.Output
}

func newMarks(w io.Writer) marks {
	return marks{out: termenv.NewOutput(w)}
}

func (m marks) status(status string) string {
	glyph, colour := "·", ""
	switch status {
	case string(engine.StatusSucceeded):
		glyph, colour = "✓", "2"
	case string(engine.StatusFailed):
		glyph, colour = "✗", "1"
	case string(engine.StatusSkipped):
		glyph, colour = "-", "3"
	}
	if colour == "" {
		return glyph
	}
	return m.out.String(glyph).Foreground(m.out.Color(colour)).String()
}
