// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides small helpers around process exit handling:
// the standard entrypoint error handler and exit-status extraction from
// os/exec errors.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard sealbus binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode extracts the exit status from an error returned by
// exec.Cmd.Run or Wait. Returns 0 for nil, the process exit code for
// an *exec.ExitError (-1 if the process was killed by a signal), and
// -1 for any other error (the process never started).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
