// Package cli implements the tasker command-line interface.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/me/tasker/internal/config"
	"github.com/me/tasker/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// flagKeys maps command-line flags onto configuration keys. Flags a
// command does not define are skipped.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
	"parallel":   "parallel",
	"addr":       "addr",
	"journal":    "journal",
}

// NewRootCmd creates the root cobra command for the tasker CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tasker",
		Short: "tasker runs dependency graphs of tasks",
		Long: "tasker loads a task graph from YAML, runs each task once its dependencies are done,\n" +
			"keeps background tasks alive and restarts them when they fail.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(flagConfig)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			if flagDebug {
				loaded.LogLevel = "debug"
			}
			cfg = loaded
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			logger.Debug("config loaded", "config", v.ConfigFileUsed(), "parallel", cfg.Parallel, "journal", cfg.Journal)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ./config.yaml or "+config.Dir()+"/config.yaml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newOrderCmd(),
		newServeCmd(),
		newHistoryCmd(),
	)

	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}
