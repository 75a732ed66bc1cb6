// allowlist.go: allowlist subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	plughost "github.com/agilira/go-plughost"
)

// NewAllowListCmd creates the allowlist subcommand. It hashes module files
// and prints an allow list accepted by run --allow-list. Modules are hashed,
// never opened.
func NewAllowListCmd(root *rootOptions) *cobra.Command {
	var (
		policy      string
		maxFileSize int64
	)

	cmd := &cobra.Command{
		Use:   "allowlist <module>...",
		Short: "Print a module allow list for the given module files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			parsed, err := plughost.ParseSecurityPolicy(policy)
			if err != nil {
				return err
			}
			list := plughost.NewModuleAllowList(parsed, logger)
			list.SetMaxFileSize(maxFileSize)

			for _, path := range args {
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				if _, err := list.AllowFile(name, path); err != nil {
					return plughost.NewAllowListError(path, err)
				}
			}

			out, err := list.Marshal()
			if err != nil {
				return err
			}
			cmd.Print(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "strict", "security policy (strict, permissive, disabled)")
	cmd.Flags().Int64Var(&maxFileSize, "max-file-size", 0, "largest accepted module in bytes (0 for no limit)")
	return cmd
}
