// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package fsm

// State is one of the four command-lifecycle states.
type State string

const (
	// Idle means no command is in flight. The only state from which
	// a new command may be accepted.
	Idle State = "idle"
	// Processing means a command is currently executing.
	Processing State = "processing"
	// Completed means the last command finished successfully. Left
	// only via Reset.
	Completed State = "completed"
	// Failed means the last command failed. May transition back to
	// Idle directly or via Reset.
	Failed State = "failed"
)

// transitions is the closed reachability table. A requested transition
// not listed here is rejected without mutating the machine.
var transitions = map[State][]State{
	Idle:       {Processing},
	Processing: {Completed, Failed},
	Failed:     {Idle},
}

// Machine is a single-flight guard over the command lifecycle. The
// zero value is not usable; construct with New.
type Machine struct {
	state   State
	context map[string]any
}

// New returns a Machine in the Idle state with no context.
func New() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Context returns the metadata stored by the most recent successful
// transition, or nil after New or Reset.
func (m *Machine) Context() map[string]any {
	return m.context
}

// Transition moves the machine to next if next is reachable from the
// current state, storing context as the transition metadata (replacing
// any prior context whole, never merging). Returns false and leaves
// both state and context untouched if the transition is not legal.
func (m *Machine) Transition(next State, context map[string]any) bool {
	for _, reachable := range transitions[m.state] {
		if next == reachable {
			m.state = next
			if context == nil {
				context = map[string]any{}
			}
			m.context = context
			return true
		}
	}
	return false
}

// Reset unconditionally forces the machine back to Idle and clears the
// context. Unlike Transition it always succeeds; handlers call it as
// final cleanup after every command, whether the command completed,
// failed, or panicked.
func (m *Machine) Reset() {
	m.state = Idle
	m.context = nil
}
