package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/loadbalancer"
	"github.com/openfroyo/seqdeploy/pkg/operations"
	"github.com/openfroyo/seqdeploy/pkg/stores"
	"github.com/openfroyo/seqdeploy/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type runOptions struct {
	settings    settingsFlags
	policyPaths []string
	metricsAddr string
	factsFile   string
	factsTTL    time.Duration
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run a deployment",
		Long: `Run executes the manifest's local steps once and then its remote steps on
every server.

Before anything runs, the manifest is checked against the built-in policies
and any policies given with --policy. A server's remote steps are bracketed by
suspend and resume calls on the configured load balancer; resume is always
attempted once suspend has been, even if a step failed or the run was
cancelled.

Interrupting the command stops new servers from starting. Servers already
running finish their current bracket.`,
		Example: `  # Run a deployment
  seqdeploy run deploy.yaml

  # Deploy three servers at a time, draining each one first
  seqdeploy run deploy.yaml --parallel 3 --suspend-mode graceful

  # Log what would run without executing anything
  seqdeploy run deploy.yaml --dry-run

  # Expose Prometheus metrics while the run is in progress
  seqdeploy run deploy.yaml --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, args[0], opts)
		},
	}

	opts.settings.register(cmd)
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&opts.factsFile, "facts-file", "", "read server facts from a YAML file instead of SSH")
	cmd.Flags().DurationVar(&opts.factsTTL, "facts-ttl", 0, "reuse cached facts younger than this instead of collecting them (default: collect every run)")

	return cmd
}

func runDeploy(cmd *cobra.Command, manifestPath string, opts *runOptions) (err error) {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	settings, err := m.Settings.EngineSettings()
	if err != nil {
		return invalidInput(err)
	}
	settings, err = opts.settings.apply(cmd, settings)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(m, opts.metricsAddr)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "telemetry shutdown: %v\n", serr)
		}
	}()
	if err := tel.StartMetricsServer(opts.metricsAddr); err != nil {
		return err
	}

	ic := tel.StartCommand(cmd.Context(), "run", manifestPath)
	defer func() { ic.End(err) }()
	ctx := tel.WithContext(ic.Ctx)
	logger := ic.Logger.Zerolog()

	if addr := tel.MetricsAddr(); addr != "" {
		logger.Info().Str("address", addr).Msg("Serving metrics")
	}

	result, err := evaluatePolicies(ctx, m, settings, opts.policyPaths, logger)
	if err != nil {
		return err
	}
	violations := make(map[string]string, len(result.Violations)+len(result.Warnings))
	for _, v := range append(result.Warnings, result.Violations...) {
		violations[v.Policy] = string(v.Severity)
	}
	tel.Metrics.RecordPolicyEvaluation(result.Allowed, violations)
	printPolicyResult(cmd.ErrOrStderr(), result)
	if !result.Allowed {
		return policyError(result)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	connector := engine.NewSSHConnector(m.SSH.Defaults())
	pool := operations.NewPool(connector)
	defer pool.Close()

	plan, err := config.Build(m, operations.NewRegistry(pool), config.NewStarlarkCompiler())
	if err != nil {
		return invalidInput(err)
	}

	facts, err := factProvider(m, store, opts, logger)
	if err != nil {
		return err
	}

	lb, closeLB, err := loadbalancer.New(m.LoadBalancer.Adapter())
	if err != nil {
		return invalidInput(err)
	}
	defer closeLB()

	var recorder engine.RunRecorder
	if store != nil {
		recorder = stores.NewRecorder(store, m.Name, logger)
	}

	eng := engine.New(engine.Options{
		LoadBalancer: lb,
		Facts:        facts,
		Recorder:     recorder,
		Events:       tel.Events,
		Metrics:      tel.Metrics,
		Logger:       &logger,
	})

	run, err := eng.Run(ctx, plan.Manager, settings)
	if err != nil {
		return invalidInput(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, run); err != nil {
			return err
		}
	} else {
		printRun(out, run)
	}

	switch {
	case run.Cancelled:
		return engine.NewCancellationError(ctx.Err())
	case !run.Succeeded():
		summary := run.Summary()
		return fmt.Errorf("run %s failed: %d server(s) failed, %d operation(s) failed",
			run.ID, summary.ServersFailed, summary.Failed)
	}
	return nil
}

// newTelemetry builds the run's telemetry from defaults, the global flags and
// the manifest's telemetry block.
func newTelemetry(m *config.Manifest, metricsAddr string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildInfo.version
	cfg.Logging.Format = logFormat
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.ApplyManifest(m.Telemetry)
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, invalidInput(fmt.Errorf("invalid telemetry configuration: %w", err))
	}
	return tel, nil
}

// factProvider selects where server facts come from: a static file or SSH,
// cached in the history database when one is open.
func factProvider(m *config.Manifest, store *stores.SQLiteStore, opts *runOptions, logger zerolog.Logger) (engine.FactProvider, error) {
	if opts.factsFile != "" {
		return loadFactsFile(opts.factsFile)
	}

	// Fact collection disconnects after each server, so it gets its own
	// connector rather than sharing the operation pool.
	var provider engine.FactProvider = engine.NewSSHFactProvider(engine.NewSSHConnector(m.SSH.Defaults()))
	if store != nil && opts.factsTTL > 0 {
		provider = stores.NewCachingFactProvider(store, provider, opts.factsTTL, logger)
	}
	return provider, nil
}

// loadFactsFile reads a YAML map of server name to facts.
func loadFactsFile(path string) (*engine.StaticFactProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}
	var facts map[string]engine.Facts
	if err := yaml.Unmarshal(data, &facts); err != nil {
		return nil, invalidInput(fmt.Errorf("invalid facts file %s: %w", path, err))
	}
	return engine.NewStaticFactProvider(facts), nil
}
