// File: cmd/wsprobe/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/internal/logging"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "wsprobe",
		Short:        "Probe HTTP and WebSocket endpoints through the hioload pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (defaults plus HIOLOAD_* env when empty)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newGetCmd(flags), newWSCmd(flags), newServeCmd(flags))
	return root
}

// setup loads the config and builds the logger shared by every subcommand.
func setup(flags *globalFlags) (*control.Config, *zap.Logger, func(), error) {
	cfg, err := control.LoadConfig(flags.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	log, cleanup, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, cleanup, nil
}
