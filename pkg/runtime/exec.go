package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
)

// maxCapturedOutput caps how much subprocess output is kept. Compose can
// emit megabytes of pull progress; diagnostics only need the tail end of
// what went wrong.
const maxCapturedOutput = 64 * 1024

// Cmd describes one subprocess invocation. Args are passed verbatim with
// no shell anywhere in the chain.
type Cmd struct {
	Bin     string
	Args    []string
	Dir     string
	Env     []string // curated lab env, appended to the minimal base
	Timeout time.Duration
}

// CmdResult is the outcome of a subprocess run. Stdout and Stderr are
// redacted and truncated before they leave this package.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes subprocesses with a uniform timeout, environment, and
// output hygiene policy. The command constructor is injectable so tests
// can substitute fake binaries.
type Runner struct {
	logger         zerolog.Logger
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a subprocess runner
func NewRunner() *Runner {
	return &Runner{
		logger:         log.WithComponent("exec"),
		commandContext: exec.CommandContext,
	}
}

// SetCommandContext replaces the command constructor.
// To be used for testing only
func (r *Runner) SetCommandContext(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) {
	r.commandContext = fn
}

// baseEnv is the minimal host environment a tool subprocess needs. The
// lab's own environment is the curated Cmd.Env on top of this; nothing
// else from the host process leaks into a lab.
func baseEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "DOCKER_HOST", "DOCKER_CONFIG"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Run executes the command and captures its output. The returned error is
// non-nil for start failures, timeouts, and non-zero exits; CmdResult is
// populated best-effort in every case.
func (r *Runner) Run(ctx context.Context, c Cmd) (CmdResult, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := r.commandContext(ctx, c.Bin, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(baseEnv(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := CmdResult{
		ExitCode: exitCode(runErr),
		Stdout:   security.Sanitize(stdout.String(), maxCapturedOutput),
		Stderr:   security.Sanitize(stderr.String(), maxCapturedOutput),
		Duration: duration,
	}

	r.logger.Debug().
		Str("bin", c.Bin).
		Str("args", security.RedactSecrets(fmt.Sprintf("%v", c.Args))).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("subprocess finished")

	if runErr == nil {
		return result, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s timed out after %s", c.Bin, duration.Round(time.Millisecond))
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return result, fmt.Errorf("%s exited with code %d", c.Bin, result.ExitCode)
	}
	return result, fmt.Errorf("failed to run %s: %w", c.Bin, runErr)
}

// exitCode extracts the process exit code from a Run error. -1 means the
// process never ran or was killed by a signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
