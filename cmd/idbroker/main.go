// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the idbroker identity broker.
package main

import (
	"os"

	"github.com/stacklok/idbroker/cmd/idbroker/app"
	"github.com/stacklok/idbroker/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
