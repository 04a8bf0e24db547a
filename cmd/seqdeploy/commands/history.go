package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/stores"
	"github.com/spf13/cobra"
)

// runDetail is the JSON output of history <run-id>.
type runDetail struct {
	Run    *stores.Run          `json:"run"`
	Nodes  []*stores.NodeRecord `json:"nodes"`
	Events []*stores.LBEvent    `json:"load_balancer_events"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `History lists recorded runs, newest first. Given a run ID or a unique
prefix of one, it shows that run's per-node results and load balancer calls.`,
		Example: `  # List the last 20 runs
  seqdeploy history

  # Show one run
  seqdeploy history 3f2a9c`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := requireStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(ctx, cmd.OutOrStdout(), store, args[0])
			}
			return listRuns(ctx, cmd.OutOrStdout(), store, limit, offset)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	cmd.AddCommand(newHistoryDeleteCommand())
	return cmd
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := requireStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.FindRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if err := store.DeleteRun(ctx, run.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", run.ID)
			return nil
		},
	}
}

func listRuns(ctx context.Context, w io.Writer, store stores.Store, limit, offset int) error {
	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMANIFEST\tSTATUS\tSERVERS\tSTARTED\tDURATION")
	for _, r := range runs {
		status := r.Status
		if r.Cancelled {
			status += " (cancelled)"
		}
		if r.DryRun {
			status += " (dry run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), r.Manifest, status, r.Servers,
			r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, w io.Writer, store stores.Store, idOrPrefix string) error {
	run, err := store.FindRun(ctx, idOrPrefix)
	if err != nil {
		return fmt.Errorf("run %s: %w", idOrPrefix, err)
	}
	nodes, err := store.ListNodeResults(ctx, run.ID)
	if err != nil {
		return err
	}
	events, err := store.ListLBEvents(ctx, run.ID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(w, &runDetail{Run: run, Nodes: nodes, Events: events})
	}

	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Manifest:  %s\n", run.Manifest)
	fmt.Fprintf(w, "Status:    %s\n", run.Status)
	fmt.Fprintf(w, "Settings:  suspend=%s parallel=%d dry-run=%t\n", run.SuspendMode, run.MaxParallel, run.DryRun)
	fmt.Fprintf(w, "Started:   %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:  %s\n", run.Duration.Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", run.Error)
	}

	fmt.Fprintln(w, "\nNodes:")
	marks := newMarks(w)
	depth := make(map[string]int, len(nodes))
	for _, n := range nodes {
		d := 0
		if n.ParentID != "" {
			d = depth[n.ParentID] + 1
		}
		depth[n.NodeID] = d

		line := fmt.Sprintf("  %s%s %s", strings.Repeat("  ", d), marks.status(n.Status), recordLabel(n))
		if n.SkipReason != "" {
			line += " (" + n.SkipReason + ")"
		}
		if n.Duration > 0 {
			line += " " + n.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintln(w, line)
		if n.Error != "" && n.Kind == "operation" {
			fmt.Fprintf(w, "  %s    error: %s\n", strings.Repeat("  ", d), n.Error)
		}
	}

	if len(events) > 0 {
		fmt.Fprintln(w, "\nLoad balancer:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, e := range events {
			result := "ok"
			if e.Error != "" {
				result = e.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
				e.At.Local().Format(time.TimeOnly), e.Server, e.Action, e.Mode, result)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func recordLabel(n *stores.NodeRecord) string {
	switch n.Kind {
	case "local":
		return "local"
	case "remote":
		return "server " + n.Server
	case "conditional":
		return "only if " + n.Name
	default:
		return n.Name
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
