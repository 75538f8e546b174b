package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

const statusTimeout = 5 * time.Second

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			e, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			live, dirty, err := e.replica.Counts(ctx)
			if err != nil {
				return err
			}
			checkpoint, err := e.replica.Checkpoint(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, sectionStyle.Render("Local"))
			lastSync := "never"
			if checkpoint != nil {
				lastSync = checkpoint.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintln(out, renderFields([][2]string{
				{"Replica", e.replica.Path()},
				{"Tasks", strconv.Itoa(live)},
				{"Unsynced", strconv.Itoa(dirty)},
				{"Last sync", lastSync},
			}))
			fmt.Fprintln(out)

			fmt.Fprintln(out, sectionStyle.Render("Server"))
			if err := e.requireLogin(); err != nil {
				fmt.Fprintln(out, renderFields([][2]string{
					{"URL", e.cfg.ServerURL},
					{"Account", errStyle.Render("✗ " + err.Error())},
				}))
				return nil
			}

			rows := [][2]string{
				{"URL", e.cfg.ServerURL},
				{"Account", e.session.Email},
			}
			reqCtx, cancel := context.WithTimeout(ctx, statusTimeout)
			defer cancel()
			status, err := e.client.Status(reqCtx)
			if err != nil {
				logger.Warn("status request failed", "error", err)
				rows = append(rows, [2]string{"Reachable", errStyle.Render("✗ " + syncError(err).Error())})
				fmt.Fprintln(out, renderFields(rows))
				return nil
			}

			rows = append(rows,
				[2]string{"Reachable", okStyle.Render("✓")},
				[2]string{"Tasks", strconv.Itoa(status.TodoCount)},
			)
			if skew := status.ServerTime.Sub(time.Now()).Abs(); skew > time.Minute {
				rows = append(rows, [2]string{"Clock skew", warnStyle.Render(skew.Round(time.Second).String())})
			}
			conflicts, err := e.client.PendingConflicts(reqCtx)
			if err == nil {
				pending := strconv.Itoa(len(conflicts))
				if len(conflicts) > 0 {
					pending = warnStyle.Render(pending + " (run 'todosync sync')")
				}
				rows = append(rows, [2]string{"Conflicts", pending})
			}
			fmt.Fprintln(out, renderFields(rows))
			return nil
		},
	}
}
