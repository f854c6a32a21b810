/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build-time version information for gridcore.
// Auto-update checking is handled by the desktop shell (out of scope here).
package version

// Version is the current version of gridcore, set at build time via ldflags:
//
//	-X github.com/friendsincode/gridcore/internal/version.Version=X.Y.Z
var Version = "0.1.0"
