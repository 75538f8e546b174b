package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/engine"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/models"
)

func newSyncCmd(a *app) *cobra.Command {
	var autoResolve string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload local changes and download remote ones",
		Long: `Run one sync cycle: upload local changes, settle conflicts, then download
what changed on the server since the last sync.

When a task was changed both here and elsewhere you are asked which version to
keep. Without a terminal, or with --auto-resolve, conflicts are settled by policy
or left pending for a later run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.requireLogin(); err != nil {
				return err
			}

			policy := e.cfg.AutoResolve
			if cmd.Flags().Changed("auto-resolve") {
				policy = autoResolve
			}
			resolver, err := a.resolver(policy, out)
			if err != nil {
				return err
			}

			res, err := e.engine(resolver, func(s engine.State) {
				logger.Debug("sync state", "state", s.String())
			}).Sync(ctx)
			if err != nil {
				return syncError(err)
			}

			printResult(out, res)
			if !res.Completed() {
				return fmt.Errorf("sync halted with %d unresolved conflicts, run 'todosync sync' in a terminal or pass --auto-resolve",
					len(res.Pending))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&autoResolve, "auto-resolve", "", "settle every conflict with use_server or use_client")
	return cmd
}

// resolver picks the conflict policy: a configured one, an interactive prompt on a
// terminal, otherwise leave conflicts pending
func (a *app) resolver(policy string, out io.Writer) (engine.Resolver, error) {
	resolver, err := engine.ParsePolicy(policy)
	if err != nil {
		return nil, err
	}
	if resolver != nil {
		return resolver, nil
	}
	if a.interactive() {
		return &promptResolver{out: out}, nil
	}
	return engine.Defer{}, nil
}

func syncError(err error) error {
	if errors.Is(err, apiclient.ErrUnauthorized) {
		return fmt.Errorf("session expired or revoked, run 'todosync login': %w", err)
	}
	return fmt.Errorf("sync failed: %w", err)
}

func printResult(w io.Writer, res *engine.Result) {
	for _, pe := range res.ProcessingErrors {
		hint := "fix the task and sync again"
		if pe.ErrorClass == models.ErrorClassServer {
			hint = "server error, sent again on the next sync"
		}
		fmt.Fprintf(w, "%s %s was not saved: %s (%s)\n",
			errStyle.Render("✗"), describeSent(pe), pe.Error, hint)
	}
	for _, c := range res.Pending {
		fmt.Fprintf(w, "%s %s changed on the server too, still pending\n",
			warnStyle.Render("!"), describeSent(c.SyncConflict))
	}

	if !res.Completed() {
		fmt.Fprintf(w, "Uploaded %d, resolved %d, nothing downloaded yet\n", res.Uploaded, res.Resolved)
		return
	}
	fmt.Fprintf(w, "%s Synced: uploaded %d, downloaded %d", okStyle.Render("✓"), res.Uploaded, res.Downloaded)
	if res.Resolved > 0 {
		fmt.Fprintf(w, ", resolved %d conflicts", res.Resolved)
	}
	fmt.Fprintln(w)
}

// describeSent names the task in an upload report by the title the client sent
func describeSent(c models.SyncConflict) string {
	var sent struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(c.ClientTodo, &sent); err == nil && sent.Title != "" {
		return fmt.Sprintf("%q", sent.Title)
	}
	if c.ServerTodo != nil {
		return fmt.Sprintf("%q", c.ServerTodo.Title)
	}
	return "task " + c.ClientID
}

func newConflictsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Show conflicts waiting for a decision",
		Long: `Show the conflicts the server recorded for this account that have not been
resolved yet. Run 'todosync sync' to settle them.`,
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

			conflicts, err := e.client.PendingConflicts(ctx)
			if err != nil {
				return syncError(err)
			}
			out := cmd.OutOrStdout()
			if len(conflicts) == 0 {
				fmt.Fprintln(out, "No pending conflicts")
				return nil
			}

			t := newTable("Task", "Type", "Server version", "Detected")
			for _, c := range conflicts {
				server := dimStyle.Render("(gone)")
				if c.ServerTodo != nil {
					server = c.ServerTodo.Title
					if c.ServerTodo.IsDeleted() {
						server += dimStyle.Render(" (deleted)")
					}
				}
				t.Row(describeSent(c), string(c.ConflictType), server, c.DetectedAt.Local().Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(out, t.Render())
			fmt.Fprintf(out, "%d pending, run 'todosync sync' to resolve\n", len(conflicts))
			return nil
		},
	}
}
