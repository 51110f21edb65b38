// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Components that schedule work (the correlator's exchange expiry, for
// one) accept a Clock instead of calling time.AfterFunc directly. In
// production, Real() provides the standard library behavior. In tests,
// Fake() provides a clock that advances only when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	correlator := correlate.New(sink, correlate.WithTimeout(5*time.Second, c))
//	c.Advance(5 * time.Second) // expires pending exchanges deterministically
package clock
