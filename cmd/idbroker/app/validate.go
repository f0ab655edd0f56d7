// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stacklok/toolhive-core/env"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and its secrets",
		Long: `Parse and validate the configuration file and check that every referenced
secret is present in the environment, without starting the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(&env.OSReader{})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: issuer %s, %d upstream(s), %d client(s)\n",
				cfg.Issuer, len(cfg.Upstreams), len(cfg.Clients))
			return err
		},
	}
}
