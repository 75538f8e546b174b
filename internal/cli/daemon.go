package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/daemon"
	"github.com/ConfabulousDev/todo-sync/internal/engine"
)

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep the replica in sync in the foreground",
		Long: `Sync on an interval, shortly after local changes and whenever the server
reports changes from another device. Stops on Ctrl+C or SIGTERM after one last sync.

Conflicts are settled with auto_resolve from the config file. Without it they
stay pending until 'todosync sync' is run in a terminal. Output goes to the log
file, see 'todosync config path'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireLogin(); err != nil {
				return err
			}

			resolver, err := engine.ParsePolicy(e.cfg.AutoResolve)
			if err != nil {
				return err
			}
			d := daemon.New(e.engine(resolver, nil), e.client, daemon.Config{
				SyncInterval: e.cfg.SyncInterval,
				WatchPath:    e.replica.Path(),
				Debounce:     e.cfg.Debounce,
			})

			fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s with %s every %s, press Ctrl+C to stop\n",
				e.session.Email, e.cfg.ServerURL, e.cfg.SyncInterval)
			if err := d.Run(ctx); err != nil {
				return err
			}

			stats := d.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Stopped after %d cycles (%d failed)\n", stats.Cycles, stats.Failures)
			return nil
		},
	}
}
