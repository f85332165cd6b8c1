package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/octolab/octolab/pkg/types"
)

// Sentinel errors. The provisioner and the API layer match these with
// errors.Is to pick rollback behavior and HTTP status codes.
var (
	// ErrRuntimeNotReady means a doctor FATAL check failed for the
	// backend. Fail-closed: callers must not fall back to another
	// backend.
	ErrRuntimeNotReady = errors.New("runtime backend not ready")

	// ErrUnknownRuntime means a configured or requested kind is not one
	// of compose, microvm, firecracker (alias), noop.
	ErrUnknownRuntime = errors.New("unknown runtime kind")

	// ErrNetworkPoolExhausted means the engine ran out of subnet pool
	// space creating lab networks.
	ErrNetworkPoolExhausted = errors.New("docker network address pool exhausted")

	// ErrPortInUse means the allocated host port was taken by something
	// outside the allocator's bookkeeping.
	ErrPortInUse = errors.New("host port already in use")
)

// CommandError carries a classified subprocess failure. Stdout and stderr
// are already redacted and truncated by the exec adapter.
type CommandError struct {
	Op       string // e.g. "compose up", "compose down"
	ExitCode int
	Stderr   string
	Err      error // sentinel classification when recognized
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (exit %d): %v", e.Op, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Op, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// LaunchEnv is the curated environment a lab is launched with. Only these
// values ever reach a lab subprocess; nothing from the host environment
// leaks through. VNCPassword is empty when auth mode is "none".
type LaunchEnv struct {
	LabID       string
	LabSlug     string // short lab id for resource naming
	HostPort    int
	BindHost    string
	VNCPassword string
	VNCAuthMode string
	LabToken    string
	ProjectName string // compose project, empty for other backends
}

// Environ renders the curated variables as KEY=VALUE pairs. Empty values
// are skipped so a password-less lab simply has no VNC_PASSWORD variable.
func (e LaunchEnv) Environ() []string {
	var env []string
	add := func(key, val string) {
		if val != "" {
			env = append(env, key+"="+val)
		}
	}

	add("LAB_ID", e.LabID)
	add("LAB_SLUG", e.LabSlug)
	if e.HostPort > 0 {
		add("HOST_PORT", strconv.Itoa(e.HostPort))
	}
	add("BIND_HOST", e.BindHost)
	add("VNC_PASSWORD", e.VNCPassword)
	add("VNC_AUTH_MODE", e.VNCAuthMode)
	add("LAB_TOKEN", e.LabToken)
	add("COMPOSE_PROJECT_NAME", e.ProjectName)
	return env
}

// LabRuntime is the contract every backend implements. CreateLab must be
// idempotent per lab ID: retrying a partially created lab either succeeds
// or fails in a way the caller pairs with DestroyLab. DestroyLab never
// fails on "already gone", and its result claims success only when every
// resource class is verified absent.
type LabRuntime interface {
	Kind() types.RuntimeKind
	CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, env LaunchEnv) error
	DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error)
	ResourcesExist(ctx context.Context, lab *types.Lab) (bool, error)
}

// EvidenceProber counts a lab's evidence artifacts. The finalizer decides
// READY/PARTIAL/UNAVAILABLE from these counts and nothing else.
type EvidenceProber interface {
	CountArtifacts(ctx context.Context, lab *types.Lab) (terminalLogs, pcaps int, err error)
}

// ArtifactPurger removes a lab's stored evidence artifacts. Used by
// retention after the evidence window passes.
type ArtifactPurger interface {
	PurgeArtifacts(ctx context.Context, lab *types.Lab) (removed int, err error)
}

// Diagnoser captures redacted failure context for a lab. Values go into
// runtime_meta, so implementations must never include secrets or
// absolute host paths.
type Diagnoser interface {
	Diagnostics(ctx context.Context, lab *types.Lab) map[string]string
}

// ProjectName returns the compose project name for a lab. One lab owns
// exactly one project; every compose resource carries this prefix.
func ProjectName(labID string) string {
	return "octolab_" + strings.ToLower(labID)
}

// ParseKind normalizes a runtime kind string. "firecracker" is accepted
// as an alias for microvm.
func ParseKind(raw string) (types.RuntimeKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "compose":
		return types.RuntimeCompose, nil
	case "microvm", "firecracker":
		return types.RuntimeMicroVM, nil
	case "noop":
		return types.RuntimeNoop, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: compose, microvm, firecracker, noop)", ErrUnknownRuntime, raw)
	}
}
