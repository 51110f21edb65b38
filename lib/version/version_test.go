// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	originalCommit, originalDirty := GitCommit, GitDirty
	defer func() { GitCommit, GitDirty = originalCommit, originalDirty }()

	GitCommit = "abc1234"
	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want it to contain abc1234-dirty", info)
	}

	GitDirty = "false"
	if info := Info(); strings.Contains(info, "-dirty") {
		t.Errorf("Info() = %q, clean build should not be marked dirty", info)
	}
}

func TestFullIncludesPlatform(t *testing.T) {
	if full := Full(); !strings.Contains(full, "Platform: ") {
		t.Errorf("Full() = %q, want platform line", full)
	}
}
