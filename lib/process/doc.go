// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the entrypoint error handler for tandem
// binaries: the one place that writes raw output to stderr before or
// after the structured logger exists.
package process
