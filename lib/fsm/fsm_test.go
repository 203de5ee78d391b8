// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package fsm

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"idle to processing", Idle, Processing, true},
		{"idle to completed", Idle, Completed, false},
		{"idle to failed", Idle, Failed, false},
		{"idle to idle", Idle, Idle, false},
		{"processing to completed", Processing, Completed, true},
		{"processing to failed", Processing, Failed, true},
		{"processing to idle", Processing, Idle, false},
		{"processing to processing", Processing, Processing, false},
		{"completed to idle", Completed, Idle, false},
		{"completed to processing", Completed, Processing, false},
		{"failed to idle", Failed, Idle, true},
		{"failed to processing", Failed, Processing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Machine{state: tt.from}
			if got := m.Transition(tt.to, nil); got != tt.want {
				t.Errorf("Transition(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
			wantState := tt.from
			if tt.want {
				wantState = tt.to
			}
			if m.State() != wantState {
				t.Errorf("state after transition = %s, want %s", m.State(), wantState)
			}
		})
	}
}

func TestNewStartsIdle(t *testing.T) {
	m := New()
	if m.State() != Idle {
		t.Errorf("New machine state = %s, want %s", m.State(), Idle)
	}
	if m.Context() != nil {
		t.Errorf("New machine context = %v, want nil", m.Context())
	}
}

func TestContextReplacedNotMerged(t *testing.T) {
	m := New()
	if !m.Transition(Processing, map[string]any{"command": "seal_key", "attempt": 1}) {
		t.Fatal("Transition to Processing failed")
	}
	if !m.Transition(Completed, map[string]any{"output": "ok"}) {
		t.Fatal("Transition to Completed failed")
	}
	ctx := m.Context()
	if _, ok := ctx["command"]; ok {
		t.Error("context from prior transition leaked into new context")
	}
	if ctx["output"] != "ok" {
		t.Errorf("context[output] = %v, want ok", ctx["output"])
	}
}

func TestRejectedTransitionKeepsContext(t *testing.T) {
	m := New()
	m.Transition(Processing, map[string]any{"command": "sign"})
	if m.Transition(Processing, map[string]any{"command": "other"}) {
		t.Fatal("overlapping Processing transition should be rejected")
	}
	if m.Context()["command"] != "sign" {
		t.Errorf("context mutated by rejected transition: %v", m.Context())
	}
}

func TestResetAlwaysSucceeds(t *testing.T) {
	for _, from := range []State{Idle, Processing, Completed, Failed} {
		m := &Machine{state: from, context: map[string]any{"x": 1}}
		m.Reset()
		if m.State() != Idle {
			t.Errorf("Reset from %s: state = %s, want %s", from, m.State(), Idle)
		}
		if m.Context() != nil {
			t.Errorf("Reset from %s: context = %v, want nil", from, m.Context())
		}
	}
}

func TestCompletedLeftOnlyViaReset(t *testing.T) {
	m := New()
	m.Transition(Processing, nil)
	m.Transition(Completed, nil)
	for _, to := range []State{Idle, Processing, Failed, Completed} {
		if m.Transition(to, nil) {
			t.Errorf("Completed → %s should be rejected", to)
		}
	}
	m.Reset()
	if !m.Transition(Processing, nil) {
		t.Error("machine not reusable after Reset from Completed")
	}
}
