package commands

import (
	"fmt"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/operations"
	"github.com/spf13/cobra"
)

// planNode is the JSON form of a sequence node.
type planNode struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind"`
	Name     string      `json:"name"`
	Server   string      `json:"server,omitempty"`
	Children []*planNode `json:"children,omitempty"`
}

type planOutput struct {
	Name       string          `json:"name"`
	Settings   engine.Settings `json:"settings"`
	Operations int             `json:"operations"`
	Local      *planNode       `json:"local"`
	Servers    []*planNode     `json:"servers"`
}

func newPlanCommand() *cobra.Command {
	var settings settingsFlags

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Show the sequence a manifest would run",
		Long: `Plan builds the manifest's sequence tree and prints it without connecting
to any server or load balancer. Conditions are compiled but not evaluated,
since they depend on facts collected at run time.`,
		Example: `  # Show the sequence tree
  seqdeploy plan deploy.yaml

  # Show the effective settings with overrides applied
  seqdeploy plan deploy.yaml --parallel 4 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			base, err := m.Settings.EngineSettings()
			if err != nil {
				return invalidInput(err)
			}
			effective, err := settings.apply(cmd, base)
			if err != nil {
				return err
			}

			plan, err := config.Build(m, operations.NewRegistry(nil), config.NewStarlarkCompiler())
			if err != nil {
				return invalidInput(err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, newPlanOutput(m.Name, effective, plan.Manager))
			}

			fmt.Fprintf(out, "Deployment: %s\n", m.Name)
			fmt.Fprintf(out, "Settings: suspend=%s parallel=%d dry-run=%t\n",
				effective.SuspendMode, effective.MaxParallel, effective.DryRun)
			fmt.Fprintf(out, "Servers: %d  Operations: %d\n\n", len(plan.Servers), plan.Manager.CountOperations())
			printPlan(out, plan.Manager)
			return nil
		},
	}

	settings.register(cmd)
	return cmd
}

func newPlanOutput(name string, settings engine.Settings, m *engine.Manager) *planOutput {
	out := &planOutput{
		Name:       name,
		Settings:   settings,
		Operations: m.CountOperations(),
		Local:      toPlanNode(m.Local()),
	}
	for _, r := range m.RemoteNodes() {
		out.Servers = append(out.Servers, toPlanNode(r))
	}
	return out
}

func toPlanNode(n *engine.Node) *planNode {
	p := &planNode{
		ID:   n.ID(),
		Kind: string(n.Kind()),
		Name: n.Name(),
	}
	if s := n.Server(); s != nil {
		p.Server = s.Name
	}
	for _, c := range n.Children() {
		p.Children = append(p.Children, toPlanNode(c))
	}
	return p
}
