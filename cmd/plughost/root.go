// root.go: root command and shared logger setup
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	logLevel   string
	logConsole bool
}

// NewRootCmd creates the root command for the plughost CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "Host native plugin modules with hot reload",
		Long: `plughost loads native plugin modules from a directory, initializes them
in dependency order and optionally reloads them when their files change.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.logConsole, "log-console", false, "human readable log output")

	cmd.AddCommand(NewAllowListCmd(opts))
	cmd.AddCommand(NewManifestCmd(opts))
	cmd.AddCommand(NewOrderCmd(opts))
	cmd.AddCommand(NewRunCmd(opts))

	return cmd
}

// newLogger builds the zap logger selected by the root flags.
func (o *rootOptions) newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(o.logLevel)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if o.logConsole {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
