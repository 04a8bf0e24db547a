package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/operations"
	"github.com/openfroyo/seqdeploy/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// validationReport is the JSON output of validate.
type validationReport struct {
	Manifest   string                  `json:"manifest"`
	Valid      bool                    `json:"valid"`
	Servers    int                     `json:"servers,omitempty"`
	Operations int                     `json:"operations,omitempty"`
	Errors     config.ValidationErrors `json:"errors,omitempty"`
	BuildError string                  `json:"build_error,omitempty"`
	Policy     *policy.Result          `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		policyPaths []string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a manifest",
		Long: `Validate checks a manifest without running it:
  - schema and structural checks (YAML or CUE)
  - every step kind is known and its parameters decode
  - every only_if condition compiles
  - built-in policies and any given with --policy

With --watch the manifest and policy paths are re-checked whenever they change.`,
		Example: `  # Validate a manifest
  seqdeploy validate deploy.yaml

  # Validate against custom policies
  seqdeploy validate deploy.yaml --policy ./policies

  # Re-validate on every save
  seqdeploy validate deploy.yaml --policy ./policies --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newValidator(policyPaths)
			if err != nil {
				return err
			}

			report := v.check(cmd.Context(), args[0])
			v.print(cmd.OutOrStdout(), report)

			if watch {
				return v.watch(cmd.Context(), cmd.OutOrStdout(), args[0])
			}
			if !report.Valid {
				return invalidInput(fmt.Errorf("manifest %s is invalid", args[0]))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy files or directories")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the manifest or policies change")

	return cmd
}

// manifestValidator holds the policy engine across watch reloads.
type manifestValidator struct {
	mu          sync.Mutex
	loader      *config.Loader
	policies    *policy.Engine
	policyPaths []string
}

func newValidator(policyPaths []string) (*manifestValidator, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(policyPaths) > 0 {
		if err := pe.LoadPolicies(context.Background(), policyPaths); err != nil {
			return nil, invalidInput(err)
		}
	}
	return &manifestValidator{loader: loader, policies: pe, policyPaths: policyPaths}, nil
}

func (v *manifestValidator) check(ctx context.Context, path string) *validationReport {
	m, err := v.loader.Load(path)
	return v.report(ctx, path, m, err)
}

func (v *manifestValidator) report(ctx context.Context, path string, m *config.Manifest, loadErr error) *validationReport {
	v.mu.Lock()
	defer v.mu.Unlock()

	report := &validationReport{Manifest: path}
	if loadErr != nil {
		var verrs config.ValidationErrors
		if errors.As(loadErr, &verrs) {
			report.Errors = verrs
		} else {
			report.BuildError = loadErr.Error()
		}
		return report
	}

	plan, err := config.Build(m, operations.NewRegistry(nil), config.NewStarlarkCompiler())
	if err != nil {
		report.BuildError = err.Error()
		return report
	}
	report.Servers = len(plan.Servers)
	report.Operations = plan.Manager.CountOperations()

	input := policy.NewInput(m, plan.Settings)
	if m.Telemetry != nil {
		input.Environment = m.Telemetry.Environment
	}
	result, err := v.policies.Evaluate(ctx, input)
	if err != nil {
		report.BuildError = err.Error()
		return report
	}
	report.Policy = result
	report.Valid = result.Allowed
	return report
}

func (v *manifestValidator) print(w io.Writer, report *validationReport) {
	if jsonOutput {
		if err := printJSON(w, report); err != nil {
			log.Error().Err(err).Msg("Failed to write report")
		}
		return
	}

	for _, e := range report.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e.String())
	}
	if report.BuildError != "" {
		fmt.Fprintf(w, "  ✗ %s\n", report.BuildError)
	}
	if report.Policy != nil {
		printPolicyResult(w, report.Policy)
	}

	if report.Valid {
		fmt.Fprintf(w, "✓ %s is valid (%d servers, %d operations)\n", report.Manifest, report.Servers, report.Operations)
	} else {
		fmt.Fprintf(w, "✗ %s is invalid\n", report.Manifest)
	}
}

// watch re-validates on manifest and policy changes until ctx is done.
func (v *manifestValidator) watch(ctx context.Context, w io.Writer, path string) error {
	if len(v.policyPaths) > 0 {
		loader := policy.NewLoader(log.Logger)
		err := loader.Watch(ctx, v.policyPaths, func(policies []policy.Policy) error {
			if err := v.policies.ReplaceLoaded(ctx, policies); err != nil {
				return err
			}
			v.print(w, v.check(ctx, path))
			return nil
		})
		if err != nil {
			return err
		}
	}

	watcher := config.NewWatcher(v.loader, path)
	return watcher.Run(ctx, func(m *config.Manifest, err error) {
		v.print(w, v.report(ctx, path, m, err))
	})
}
