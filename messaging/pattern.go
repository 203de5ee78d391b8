// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "strings"

// MatchTopic reports whether an AMQP topic binding pattern matches a
// routing key. Both are dot-separated segment lists; in the pattern,
// "*" matches exactly one segment and "#" matches zero or more
// segments. The broker evaluates bindings server-side for AMQPBus;
// MemoryBus uses this matcher to get identical routing in-process.
func MatchTopic(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// "#" absorbs zero or more segments: try every split.
			rest := pattern[1:]
			for skip := 0; skip <= len(key); skip++ {
				if matchSegments(rest, key[skip:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
