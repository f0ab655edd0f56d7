// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/idbroker/pkg/authserver"
	"github.com/stacklok/idbroker/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the identity broker",
		Long: `Load the configuration file, resolve its secrets from the environment and
serve the OpenID Provider endpoints until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}

	cmd.Flags().String(keyListen, "", "Address to listen on, overriding the config file")
	bindFlags(cmd.Flags(), keyListen)
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig(&env.OSReader{})
	if err != nil {
		return err
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create identity broker: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("failed to close identity broker", "error", err)
		}
	}()

	return authserver.Serve(ctx, srv, cfg)
}

// defaultConfigName is looked up in the XDG config directories when
// --config is not given.
const defaultConfigName = "idbroker/config.yaml"

// configPath returns --config, falling back to the first defaultConfigName
// found under XDG_CONFIG_HOME or XDG_CONFIG_DIRS.
func configPath() (string, error) {
	if path := viper.GetString(keyConfig); path != "" {
		return path, nil
	}
	path, err := xdg.SearchConfigFile(defaultConfigName)
	if err != nil {
		return "", fmt.Errorf("--config is required: no %s in the XDG config directories", defaultConfigName)
	}
	logger.Debugw("using configuration from XDG config directory", "path", path)
	return path, nil
}

// loadConfig reads the configuration file, applies --listen and resolves
// the secrets through envReader.
func loadConfig(envReader env.Reader) (*authserver.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := authserver.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if listen := viper.GetString(keyListen); listen != "" {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Resolve(envReader); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return cfg, nil
}
