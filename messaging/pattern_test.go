// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"tpm.command.execute", "tpm.command.execute", true},
		{"tpm.command.execute", "tpm.command.other", false},

		// "*" matches exactly one segment.
		{"tpm.command.*", "tpm.command.execute", true},
		{"tpm.command.*", "tpm.command", false},
		{"tpm.command.*", "tpm.command.execute.now", false},
		{"tpm.*", "tpm.result", true},
		{"tpm.*", "tpm.command.execute", false},
		{"*.result", "tpm.result", true},
		{"*", "tpm", true},
		{"*", "tpm.result", false},

		// "#" matches zero or more segments.
		{"tpm.command.#", "tpm.command", true},
		{"tpm.command.#", "tpm.command.execute", true},
		{"tpm.command.#", "tpm.command.key.generate", true},
		{"tpm.command.#", "tpm.result", false},
		{"#", "anything.at.all", true},
		{"#", "one", true},
		{"tpm.#.execute", "tpm.execute", true},
		{"tpm.#.execute", "tpm.command.execute", true},
		{"tpm.#.execute", "tpm.command.key.execute", true},
		{"tpm.#.execute", "tpm.command.run", false},

		// Mixed wildcards.
		{"tpm.*.#", "tpm.command", true},
		{"tpm.*.#", "tpm.command.execute", true},
		{"tpm.*.#", "tpm", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}
