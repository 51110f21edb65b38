// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for tandem peers.
//
// Configuration is loaded from a single file specified by either the
// TANDEM_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files ending in .json or .jsonc are read as JSON with
// comments and trailing commas; everything else is YAML.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production without an explicit section
// gets a 30s exchange timeout.
//
// Variable expansion is performed on addresses and ICE server entries
// after loading: ${HOME} and ${VAR:-default} patterns are expanded, so
// TURN credentials can come from the environment.
//
// Key exports:
//
//   - [Config] -- master struct with Signaling, ICE, Coordinator, Metrics, Media
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other tandem packages.
package config
