package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/clientconfig"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientconfig.Load(a.configPath)
			if err != nil {
				return err
			}
			autoResolve := cfg.AutoResolve
			if autoResolve == "" {
				autoResolve = dimStyle.Render("(ask)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFields([][2]string{
				{clientconfig.KeyServerURL, cfg.ServerURL},
				{clientconfig.KeyDataDir, cfg.DataDir},
				{clientconfig.KeySyncInterval, cfg.SyncInterval.String()},
				{clientconfig.KeyAutoResolve, autoResolve},
				{clientconfig.KeyCompressThreshold, strconv.Itoa(cfg.CompressThreshold)},
				{clientconfig.KeyUploadDirtyOnly, strconv.FormatBool(cfg.UploadDirtyOnly)},
				{clientconfig.KeyDebounce, cfg.Debounce.String()},
			}))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			if err := clientconfig.Set(path, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Set %s = %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config, replica and log file locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := a.configFile()
			if err != nil {
				return err
			}
			logPath, err := clientconfig.LogPath()
			if err != nil {
				return err
			}
			cfg, err := clientconfig.Load(a.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFields([][2]string{
				{"config", configPath},
				{"replica", cfg.ReplicaPath(replica.FileName)},
				{"log", logPath},
			}))
			return nil
		},
	})
	return cmd
}
