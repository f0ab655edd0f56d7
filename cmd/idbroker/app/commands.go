// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the idbroker command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/idbroker/pkg/logger"
)

// Viper keys shared by the subcommands.
const (
	keyConfig = "config"
	keyDebug  = "debug"
	keyListen = "listen"
)

// envPrefix lets IDBROKER_CONFIG and IDBROKER_LISTEN stand in for the flags.
const envPrefix = "IDBROKER"

// NewRootCmd creates the root command of the idbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "idbroker",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "idbroker is an OpenID Connect identity broker",
		Long: `idbroker is an OpenID Connect Provider for relying parties that federates
authentication to upstream OpenID Providers. It keeps its own sessions,
issues its own tokens and propagates logout to every registered client.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().String(keyConfig, "",
		"Path to the YAML configuration file (default: "+defaultConfigName+" in the XDG config directories)")
	rootCmd.PersistentFlags().Bool(keyDebug, false, "Enable debug logging")
	bindFlags(rootCmd.PersistentFlags(), keyConfig, keyDebug)
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags binds the named flags of flags to their viper keys.
func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}
}
