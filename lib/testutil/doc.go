// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Tandem packages.
//
// Coordinator events, signaling messages, and adaptor callbacks all
// arrive on channels in tests. [RequireReceive], [RequireNoReceive], and
// [RequireClosed] encapsulate the timeout safety valve pattern (select
// with a time.After fallback) so that individual tests do not need
// direct time.After calls.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Tandem-internal dependencies.
package testutil
