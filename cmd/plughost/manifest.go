// manifest.go: manifest subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/spf13/cobra"

	plughost "github.com/agilira/go-plughost"
)

// NewManifestCmd creates the manifest subcommand. It reads a module's embedded
// manifest without constructing a plugin instance.
func NewManifestCmd(root *rootOptions) *cobra.Command {
	var normalize bool

	cmd := &cobra.Command{
		Use:   "manifest <module>",
		Short: "Print the manifest embedded in a plugin module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			manager := plughost.NewManager(plughost.ManagerOptions{Logger: logger})
			defer func() { _ = manager.Close() }()

			manifest, err := manager.Manifest(args[0])
			if err != nil {
				return err
			}
			if !normalize {
				cmd.Print(manifest)
				return nil
			}

			meta, err := plughost.ParseManifest(manifest)
			if err != nil {
				return err
			}
			out, err := plughost.MarshalManifest(meta)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&normalize, "normalize", false, "print the parsed manifest with defaults applied")
	return cmd
}
