package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    buildInfo.version,
				"commit":     buildInfo.commit,
				"build_date": buildInfo.buildDate,
				"go":         runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seqdeploy %s\n  commit:   %s\n  built:    %s\n  go:       %s\n  platform: %s\n",
				info["version"], info["commit"], info["build_date"], info["go"], info["platform"])
			return nil
		},
	}
}
