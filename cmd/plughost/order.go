// order.go: order subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"

	"github.com/spf13/cobra"

	plughost "github.com/agilira/go-plughost"
)

// NewOrderCmd creates the order subcommand, which resolves the load order of
// a set of manifest files without opening any module.
func NewOrderCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order <manifest>...",
		Short: "Resolve the load order of plugin manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := plughost.NewDependencyResolver()
			for _, path := range args {
				// #nosec G304 -- manifest paths supplied on the command line
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				meta, err := plughost.ParseManifest(string(data))
				if err != nil {
					return plughost.NewManifestParseError(path, err)
				}
				if err := resolver.Add(meta); err != nil {
					return err
				}
			}

			if err := resolver.ValidateAll(); err != nil {
				return err
			}
			order, err := resolver.Resolve()
			if err != nil {
				return err
			}

			for i, name := range order {
				node, _ := resolver.Node(name)
				effective, err := resolver.EffectivePriority(name)
				if err != nil {
					return err
				}
				cmd.Printf("%d. %s %s (priority %d, effective %d)\n",
					i+1, name, node.Version, node.Priority, effective)
			}
			return nil
		},
	}
}
