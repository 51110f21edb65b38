// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired after 4s, want not yet")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after 5s, want 1", fired)
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("fired = %d after further advance, want 1", fired)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(time.Hour)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeAfterFuncDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(10 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
	if !c.Now().Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("Now = %v, want epoch+10s", c.Now())
	}
}

func TestFakeAfterFuncNonPositiveRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Error("AfterFunc(0) did not run synchronously")
	}
}
