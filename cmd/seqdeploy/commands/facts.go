package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/config"
	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/openfroyo/seqdeploy/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// collectedFacts is one server's entry in facts output.
type collectedFacts struct {
	Server string       `json:"server"`
	Facts  engine.Facts `json:"facts"`
	Error  string       `json:"error,omitempty"`
}

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Collect and inspect server facts",
		Long: `Facts are what only_if conditions see about a server:
  - os.name and os.version from /etc/os-release
  - os.kernel, os.arch and os.hostname from uname and hostname
  - labels declared on the server in the manifest

Collected facts are cached in the history database. A run reuses them
only when given --facts-ttl; otherwise it collects its own.`,
	}

	cmd.AddCommand(newFactsCollectCommand())
	cmd.AddCommand(newFactsShowCommand())
	cmd.AddCommand(newFactsPruneCommand())

	return cmd
}

func newFactsCollectCommand() *cobra.Command {
	var (
		servers  []string
		refresh  bool
		parallel int
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "collect <manifest>",
		Short: "Collect facts from the manifest's servers",
		Example: `  # Collect facts from every server
  seqdeploy facts collect deploy.yaml

  # Collect from specific servers, ignoring the cache
  seqdeploy facts collect deploy.yaml --server web1 --server web2 --refresh`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			targets, err := selectServers(m.Servers, servers)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			var provider engine.FactProvider = engine.NewSSHFactProvider(engine.NewSSHConnector(m.SSH.Defaults()))
			if store != nil && !refresh {
				provider = stores.NewCachingFactProvider(store, provider, ttl, log.Logger)
			}

			results := make([]collectedFacts, len(targets))
			var mu sync.Mutex
			var failed []string

			g, gctx := errgroup.WithContext(ctx)
			if parallel > 0 {
				g.SetLimit(parallel)
			}
			for i, server := range targets {
				g.Go(func() error {
					results[i].Server = server.Name
					facts, err := provider.ResolveFacts(gctx, server)
					if err != nil {
						results[i].Error = err.Error()
						mu.Lock()
						failed = append(failed, server.Name)
						mu.Unlock()
						return nil
					}
					facts.Labels = server.Labels
					results[i].Facts = facts

					if store != nil && refresh {
						if err := store.UpsertFacts(gctx, stores.NewFactRecord(server.Name, facts, time.Now())); err != nil {
							log.Warn().Err(err).Str("server", server.Name).Msg("Failed to cache facts")
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, results); err != nil {
					return err
				}
			} else {
				printFactsTable(out, results)
			}

			if len(failed) > 0 {
				sort.Strings(failed)
				return fmt.Errorf("failed to collect facts from %d server(s): %v", len(failed), failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&servers, "server", "s", nil, "collect only from these servers")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore cached facts")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 10, "maximum concurrent connections")
	cmd.Flags().DurationVar(&ttl, "facts-ttl", stores.DefaultFactsTTL, "reuse cached facts younger than this")

	return cmd
}

func newFactsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <server>",
		Short: "Show cached facts for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := requireStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.GetFacts(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no cached facts for server %s", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, record)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "server\t%s\n", record.Server)
			fmt.Fprintf(tw, "collected\t%s (%s ago)\n", record.CollectedAt.Local().Format(time.RFC3339),
				time.Since(record.CollectedAt).Round(time.Second))
			fmt.Fprintf(tw, "os.name\t%s\n", record.OSName)
			fmt.Fprintf(tw, "os.version\t%s\n", record.OSVersion)
			fmt.Fprintf(tw, "os.kernel\t%s\n", record.Kernel)
			fmt.Fprintf(tw, "os.arch\t%s\n", record.Arch)
			fmt.Fprintf(tw, "os.hostname\t%s\n", record.Hostname)
			keys := make([]string, 0, len(record.Extra))
			for k := range record.Extra {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(tw, "extra.%s\t%s\n", k, record.Extra[k])
			}
			return tw.Flush()
		},
	}
}

func newFactsPruneCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached facts older than the TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := requireStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := stores.NewCachingFactProvider(store, nil, ttl, log.Logger).Invalidate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached fact record(s)\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "facts-ttl", stores.DefaultFactsTTL, "delete facts older than this")
	return cmd
}

func printFactsTable(w io.Writer, results []collectedFacts) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tOS\tVERSION\tKERNEL\tARCH\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Server, r.Facts.OS.Name, r.Facts.OS.Version, r.Facts.OS.Kernel, r.Facts.OS.Arch, r.Error)
	}
	tw.Flush()
}

// selectServers returns the named servers in manifest order, or all of them
// when names is empty.
func selectServers(declared []config.ServerConfig, names []string) ([]*engine.Server, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	filter := len(names) > 0
	var out []*engine.Server
	for _, s := range declared {
		if filter && !want[s.Name] {
			continue
		}
		delete(want, s.Name)
		out = append(out, s.Server())
	}

	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, invalidInput(fmt.Errorf("unknown server(s): %v", unknown))
	}
	return out, nil
}
