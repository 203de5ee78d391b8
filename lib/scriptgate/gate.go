// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package scriptgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sealbus-foundation/sealbus/lib/clock"
	"github.com/sealbus-foundation/sealbus/lib/process"
	"github.com/sealbus-foundation/sealbus/lib/scripthash"
)

// Result messages for the failure modes callers match on.
const (
	// unauthorizedError is the exact error text for an unregistered
	// script name, part of the wire contract with producers.
	unauthorizedError = "Unauthorized script"
	integrityError    = "script integrity check failed"
	timeoutError      = "script execution timed out"
)

var (
	// ErrAlreadyRegistered is returned when a script name is
	// registered a second time. The original binding stays in force.
	ErrAlreadyRegistered = errors.New("scriptgate: script name already registered")

	// ErrNotAFile is returned when a registration path does not exist
	// or is not a regular file.
	ErrNotAFile = errors.New("scriptgate: script path is not a regular file")
)

// allowedArgument is the allow list for caller-supplied arguments:
// alphanumerics plus the punctuation that key names, sizes, paths, and
// key=value options need. Everything else (whitespace, quotes, shell
// metacharacters) fails the execution before a process is spawned.
var allowedArgument = regexp.MustCompile(`^[A-Za-z0-9_.,:/=@+-]+$`)

// Result reports one gate invocation. It is returned by value and
// never mutated after return.
type Result struct {
	// Success is true only when the script passed all checks, ran,
	// and exited zero.
	Success bool

	// Output is the captured stdout.
	Output string

	// Error describes the failure: a gate refusal (unauthorized,
	// integrity, bad argument), the captured stderr of a non-zero
	// exit, or a timeout.
	Error string

	// Command is the script name the caller asked for.
	Command string

	// ExitCode is the script's exit status; -1 when the process never
	// ran or was killed.
	ExitCode int

	// Duration is how long the script ran.
	Duration time.Duration
}

// Fields renders the result as the map carried in a response envelope.
func (r Result) Fields() map[string]any {
	fields := map[string]any{
		"command":   r.Command,
		"output":    r.Output,
		"exit_code": r.ExitCode,
	}
	if r.Duration > 0 {
		fields["duration_ms"] = r.Duration.Milliseconds()
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	return fields
}

type script struct {
	path   string
	digest scripthash.Digest
}

// Gate is the hash-pinned script registry and executor. Construct with
// New; the zero value is not usable. A Gate belongs to one handler and
// is not safe for concurrent registration, though Execute and Verify
// may be called from the handler's delivery goroutine freely.
type Gate struct {
	scripts map[string]script
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// Config configures a Gate.
type Config struct {
	// Timeout bounds each execution. Defaults to 30s.
	Timeout time.Duration

	// Clock for duration accounting. Defaults to the real clock.
	Clock clock.Clock

	// Logger for gate decisions. Defaults to slog.Default().
	Logger *slog.Logger
}

// New returns an empty Gate.
func New(config Config) *Gate {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Gate{
		scripts: make(map[string]script),
		timeout: config.Timeout,
		clock:   config.Clock,
		logger:  config.Logger,
	}
}

// Register binds name to the executable at path, trusting the file's
// current content as the integrity baseline (trust-on-first-use). The
// path is resolved to absolute. Fails without overwriting if the name
// is already bound, and fails if the path is not an existing regular
// file.
func (g *Gate) Register(name, path string) error {
	absolute, err := g.checkRegistration(name, path)
	if err != nil {
		return err
	}
	digest, err := scripthash.HashFile(absolute)
	if err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	g.scripts[name] = script{path: absolute, digest: digest}
	g.logger.Info("script registered", "script", name, "path", absolute, "sha256", digest)
	return nil
}

// RegisterPinned binds name to path with an externally supplied
// baseline digest, for deployments that distribute a manifest instead
// of trusting first use. The file must exist but is not hashed here;
// the first Execute verifies it against the pin.
func (g *Gate) RegisterPinned(name, path string, digest scripthash.Digest) error {
	absolute, err := g.checkRegistration(name, path)
	if err != nil {
		return err
	}
	g.scripts[name] = script{path: absolute, digest: digest}
	g.logger.Info("script registered with pinned hash", "script", name, "path", absolute, "sha256", digest)
	return nil
}

func (g *Gate) checkRegistration(name, path string) (string, error) {
	if existing, ok := g.scripts[name]; ok {
		return "", fmt.Errorf("%w: %s (bound to %s)", ErrAlreadyRegistered, name, existing.path)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving script path %s: %w", path, err)
	}
	info, err := os.Stat(absolute)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, absolute)
	}
	return absolute, nil
}

// Verify recomputes the digest of the file backing name and compares
// it to the baseline. Returns false for unknown names, unreadable
// files, and digest mismatches alike: any of them means the script
// must not run.
func (g *Gate) Verify(name string) bool {
	entry, ok := g.scripts[name]
	if !ok {
		return false
	}
	digest, err := scripthash.HashFile(entry.path)
	if err != nil {
		g.logger.Warn("script unreadable during verification", "script", name, "error", err)
		return false
	}
	return digest == entry.digest
}

// Path returns the registered absolute path for name.
func (g *Gate) Path(name string) (string, bool) {
	entry, ok := g.scripts[name]
	return entry.path, ok
}

// Names returns the registered script names, sorted.
func (g *Gate) Names() []string {
	names := make([]string, 0, len(g.scripts))
	for name := range g.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot exports the current name→digest baselines as a manifest,
// suitable for persisting so trust-on-first-use baselines survive
// restarts.
func (g *Gate) Snapshot() scripthash.Manifest {
	manifest := make(scripthash.Manifest, len(g.scripts))
	for name, entry := range g.scripts {
		manifest[name] = entry.digest
	}
	return manifest
}

// Execute runs the named script after the authorization, argument, and
// integrity checks, bounded by the gate's timeout. All failure modes
// come back as a Result with Success=false; Execute never panics and
// the only error channel is the Result itself.
func (g *Gate) Execute(ctx context.Context, name string, args []string) Result {
	entry, ok := g.scripts[name]
	if !ok {
		g.logger.Error("refusing unregistered script", "script", name)
		return Result{Command: name, Error: unauthorizedError, ExitCode: -1}
	}

	for _, arg := range args {
		if !allowedArgument.MatchString(arg) {
			g.logger.Warn("refusing script argument outside allow list", "script", name, "argument", arg)
			return Result{Command: name, Error: fmt.Sprintf("invalid argument %q", arg), ExitCode: -1}
		}
	}

	if !g.Verify(name) {
		// Tamper evidence, not an operational failure: the file's
		// bytes no longer match the registered baseline.
		g.logger.Error("script integrity check failed",
			"script", name, "path", entry.path, "expected_sha256", entry.digest)
		return Result{Command: name, Error: integrityError, ExitCode: -1}
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, entry.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The script gets its own process group so a timeout kills any
	// children it spawned, not just the leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	start := g.clock.Now()
	err := cmd.Run()
	duration := g.clock.Now().Sub(start)

	if runCtx.Err() == context.DeadlineExceeded {
		g.logger.Warn("script timed out", "script", name, "timeout", g.timeout)
		return Result{
			Command:  name,
			Output:   stdout.String(),
			Error:    timeoutError,
			ExitCode: -1,
			Duration: duration,
		}
	}

	result := Result{
		Command:  name,
		Output:   stdout.String(),
		ExitCode: process.ExitCode(err),
		Duration: duration,
	}
	if err != nil {
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = err.Error()
		}
		g.logger.Warn("script failed", "script", name, "exit_code", result.ExitCode, "error", result.Error)
		return result
	}

	result.Success = true
	g.logger.Info("script completed", "script", name, "duration", duration)
	return result
}
