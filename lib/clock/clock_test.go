// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvance(t *testing.T) {
	f := Fake()
	start := f.Now()
	f.Advance(5 * time.Second)
	if got := f.Now().Sub(start); got != 5*time.Second {
		t.Errorf("Advance moved time by %v, want 5s", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	f := Fake()
	ch := f.After(10 * time.Second)

	f.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	f.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	f := Fake()
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestRealAfterNonPositive(t *testing.T) {
	select {
	case <-Real().After(-time.Second):
	default:
		t.Fatal("After(-1s) should fire immediately")
	}
}
