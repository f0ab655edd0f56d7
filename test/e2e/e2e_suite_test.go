// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestE2e(t *testing.T) { //nolint:paralleltest // ginkgo drives parallelism
	RegisterFailHandler(Fail)
	RunSpecs(t, "E2e Suite")
}
