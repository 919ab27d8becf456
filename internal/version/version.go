// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the Go linker.
package version

// version is populated by the Go linker via -ldflags "-X ...version.version=".
var version string

// Current returns the stamped build version, or "dev" for builds made
// outside the release tooling.
func Current() string {
	if version == "" {
		return "dev"
	}
	return version
}
