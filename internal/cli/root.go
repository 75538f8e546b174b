// Package cli implements the todosync command line client.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ConfabulousDev/todo-sync/internal/clientconfig"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
)

// app carries the global flags and the seams tests replace
type app struct {
	version    string
	configPath string
	verbose    bool

	now          func() time.Time
	stdin        io.Reader
	interactive  func() bool
	readPassword func(fd int) ([]byte, error)
	setupLogging func() error
}

func newApp(version string) *app {
	return &app{
		version:      version,
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		stdin:        os.Stdin,
		interactive:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		readPassword: term.ReadPassword,
		setupLogging: logToFile,
	}
}

// logToFile keeps log lines out of the terminal
func logToFile() error {
	logPath, err := clientconfig.LogPath()
	if err != nil {
		return err
	}
	if err := logger.SetFileOutput(logPath); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	return nil
}

// NewRootCmd builds the todosync command tree
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(newApp(version))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "todosync",
		Short: "An offline-first todo list that syncs across devices",
		Long: `todosync keeps your todo list in a local database so every command works
offline. Changes are uploaded to the sync server with 'todosync sync' or by the
background daemon, and edits made on another device are pulled back down.

When the same task was changed in two places you choose which version wins.`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.verbose {
				logger.SetLevel(slog.LevelDebug)
			}
			if err := a.setupLogging(); err != nil {
				return err
			}
			logger.Debug("command started", "command", cmd.CommandPath(), "version", a.version)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.todosync/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "write debug output to the log file")

	root.AddCommand(
		newRegisterCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newAddCmd(a),
		newListCmd(a),
		newDoneCmd(a),
		newEditCmd(a),
		newRmCmd(a),
		newSyncCmd(a),
		newConflictsCmd(a),
		newStatusCmd(a),
		newDaemonCmd(a),
		newConfigCmd(a),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure
func Execute(version string) {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗", err)
		os.Exit(1)
	}
}
