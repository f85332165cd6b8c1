package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/types"
)

const (
	kvmDevicePath    = "/dev/kvm"
	vsockDevicePath  = "/dev/vhost-vsock"
	doctorCmdTimeout = 10 * time.Second
)

// Doctor runs preflight checks for a runtime backend. A backend with any
// failed FATAL check must not receive labs; the selector enforces that at
// startup, on override, and per microVM creation.
type Doctor struct {
	cfg       *config.Config
	runner    *Runner
	docker    client.APIClient
	dockerErr error
	logger    zerolog.Logger
}

// NewDoctor creates a doctor. The docker client is created eagerly but
// connects lazily; a host without docker fails the ping check, not the
// constructor.
func NewDoctor(cfg *config.Config, runner *Runner) *Doctor {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	return &Doctor{
		cfg:       cfg,
		runner:    runner,
		docker:    docker,
		dockerErr: err,
		logger:    log.WithComponent("doctor"),
	}
}

// Check runs the preflight for one backend and reports every probe.
// The report carries no absolute paths; path-shaped details are redacted.
func (d *Doctor) Check(ctx context.Context, kind types.RuntimeKind) *types.DoctorReport {
	report := &types.DoctorReport{
		Runtime:   kind,
		CheckedAt: time.Now().UTC(),
	}

	switch kind {
	case types.RuntimeCompose:
		report.Checks = d.composeChecks(ctx)
	case types.RuntimeMicroVM:
		report.Checks = d.microVMChecks()
	case types.RuntimeNoop:
		report.Checks = []types.DoctorCheck{{
			Name:     "noop",
			Severity: types.SeverityInfo,
			OK:       true,
			Detail:   "in-memory backend, nothing to probe",
		}}
	default:
		report.Checks = []types.DoctorCheck{{
			Name:     "runtime-kind",
			Severity: types.SeverityFatal,
			OK:       false,
			Detail:   fmt.Sprintf("unknown runtime kind %q", kind),
			Hint:     "set OCTOLAB_RUNTIME to compose, microvm, firecracker, or noop",
		}}
	}

	report.OK = len(report.FailedFatal()) == 0
	return report
}

// AssertReady runs the preflight and converts FATAL failures into a
// startup/creation error. No fallback to another backend ever happens
// here; a broken backend stays broken until the operator fixes it.
func (d *Doctor) AssertReady(ctx context.Context, kind types.RuntimeKind) error {
	report := d.Check(ctx, kind)
	if report.OK {
		return nil
	}
	failed := report.FailedFatal()
	return fmt.Errorf("%w: %s backend failed checks: %s",
		ErrRuntimeNotReady, kind, strings.Join(failed, ", "))
}

func (d *Doctor) composeChecks(ctx context.Context) []types.DoctorCheck {
	var checks []types.DoctorCheck

	// docker CLI on PATH
	if path, err := exec.LookPath("docker"); err != nil {
		checks = append(checks, types.DoctorCheck{
			Name:     "docker-cli",
			Severity: types.SeverityFatal,
			OK:       false,
			Detail:   "docker binary not found on PATH",
			Hint:     "install docker or adjust PATH for the octolab service",
		})
	} else {
		checks = append(checks, types.DoctorCheck{
			Name:     "docker-cli",
			Severity: types.SeverityFatal,
			OK:       true,
			Detail:   security.RedactPath(path),
		})
	}

	// engine reachable
	pingCheck := types.DoctorCheck{Name: "engine-ping", Severity: types.SeverityFatal}
	switch {
	case d.dockerErr != nil:
		pingCheck.Detail = "docker client could not be constructed"
		pingCheck.Hint = "check DOCKER_HOST"
	default:
		pingCtx, cancel := context.WithTimeout(ctx, doctorCmdTimeout)
		_, err := d.docker.Ping(pingCtx)
		cancel()
		if err != nil {
			pingCheck.Detail = "docker engine did not answer ping"
			pingCheck.Hint = "is the docker daemon running and the socket accessible?"
		} else {
			pingCheck.OK = true
			pingCheck.Detail = "engine answered ping"
		}
	}
	checks = append(checks, pingCheck)

	// compose plugin
	res, err := d.runner.Run(ctx, Cmd{
		Bin:     "docker",
		Args:    []string{"compose", "version", "--short"},
		Timeout: doctorCmdTimeout,
	})
	if err != nil {
		checks = append(checks, types.DoctorCheck{
			Name:     "compose-plugin",
			Severity: types.SeverityFatal,
			OK:       false,
			Detail:   "docker compose plugin not usable",
			Hint:     "install the docker compose v2 plugin",
		})
	} else {
		checks = append(checks, types.DoctorCheck{
			Name:     "compose-plugin",
			Severity: types.SeverityFatal,
			OK:       true,
			Detail:   "version " + strings.TrimSpace(res.Stdout),
		})
	}

	return checks
}

func (d *Doctor) microVMChecks() []types.DoctorCheck {
	var checks []types.DoctorCheck

	// KVM device usable
	kvmCheck := types.DoctorCheck{Name: "kvm-device", Severity: types.SeverityFatal}
	if err := probeKVM(kvmDevicePath); err != nil {
		kvmCheck.Detail = err.Error()
		kvmCheck.Hint = "enable virtualization and ensure the service user can access /dev/kvm"
	} else {
		kvmCheck.OK = true
		kvmCheck.Detail = "kvm device open, api version ok"
	}
	checks = append(checks, kvmCheck)

	checks = append(checks, d.checkExecutable("firecracker-binary", d.cfg.FirecrackerBin,
		"install firecracker or set OCTOLAB_FIRECRACKER_BIN"))

	// The jailer is the isolation boundary. Development hosts (WSL) may
	// run without it, but only behind the explicit dev-unsafe flag.
	jailerCheck := d.checkExecutable("jailer-binary", d.cfg.JailerBin,
		"install jailer or set OCTOLAB_JAILER_BIN")
	if !jailerCheck.OK && (d.cfg.DevUnsafeAllowNoJailer || isWSL()) {
		jailerCheck.Severity = types.SeverityWarn
		jailerCheck.Hint = "running without jailer isolation, never do this in production"
	}
	checks = append(checks, jailerCheck)

	checks = append(checks, d.checkReadable("kernel-image", d.cfg.KernelImage,
		"set OCTOLAB_KERNEL_IMAGE to a readable uncompressed kernel"))
	checks = append(checks, d.checkReadable("rootfs-image", d.cfg.RootfsImage,
		"set OCTOLAB_ROOTFS_IMAGE to a readable ext4 base image"))

	checks = append(checks, d.checkStateRootWritable())

	vsockCheck := types.DoctorCheck{Name: "vsock-device", Severity: types.SeverityFatal}
	if _, err := os.Stat(vsockDevicePath); err != nil {
		vsockCheck.Detail = "vhost-vsock device not present"
		vsockCheck.Hint = "modprobe vhost_vsock"
	} else {
		vsockCheck.OK = true
		vsockCheck.Detail = "vhost-vsock device present"
	}
	checks = append(checks, vsockCheck)

	helperCheck := types.DoctorCheck{Name: "network-helper", Severity: types.SeverityWarn}
	switch {
	case d.cfg.NetworkHelperSocket == "":
		helperCheck.OK = true
		helperCheck.Detail = "not configured, tap/NAT set up directly"
	default:
		if _, err := os.Stat(d.cfg.NetworkHelperSocket); err != nil {
			helperCheck.Detail = "configured helper socket not present"
			helperCheck.Hint = "start the network helper or clear OCTOLAB_NETWORK_HELPER_SOCKET"
		} else {
			helperCheck.OK = true
			helperCheck.Detail = "helper socket present"
		}
	}
	checks = append(checks, helperCheck)

	return checks
}

// checkExecutable probes a binary path for existence and the execute bit
func (d *Doctor) checkExecutable(name, path, hint string) types.DoctorCheck {
	check := types.DoctorCheck{Name: name, Severity: types.SeverityFatal, Hint: hint}
	if path == "" {
		check.Detail = "path not configured"
		return check
	}
	info, err := os.Stat(path)
	if err != nil {
		check.Detail = fmt.Sprintf("%s not found", security.RedactPath(path))
		return check
	}
	if info.Mode()&0o111 == 0 {
		check.Detail = fmt.Sprintf("%s is not executable", security.RedactPath(path))
		return check
	}
	check.OK = true
	check.Detail = security.RedactPath(path)
	check.Hint = ""
	return check
}

// checkReadable probes a file for actual read access, not just existence
func (d *Doctor) checkReadable(name, path, hint string) types.DoctorCheck {
	check := types.DoctorCheck{Name: name, Severity: types.SeverityFatal, Hint: hint}
	if path == "" {
		check.Detail = "path not configured"
		return check
	}
	f, err := os.Open(path)
	if err != nil {
		check.Detail = fmt.Sprintf("%s not readable", security.RedactPath(path))
		return check
	}
	f.Close()
	check.OK = true
	check.Detail = security.RedactPath(path)
	check.Hint = ""
	return check
}

// checkStateRootWritable proves write access by creating a probe file
func (d *Doctor) checkStateRootWritable() types.DoctorCheck {
	check := types.DoctorCheck{Name: "state-root", Severity: types.SeverityFatal}

	probe := filepath.Join(d.cfg.StateRoot, ".octolab-doctor-probe")
	if err := os.MkdirAll(d.cfg.StateRoot, 0o755); err != nil {
		check.Detail = "state root cannot be created"
		check.Hint = "check ownership of OCTOLAB_STATE_ROOT"
		return check
	}
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		check.Detail = "state root is not writable"
		check.Hint = "check ownership of OCTOLAB_STATE_ROOT"
		return check
	}
	os.Remove(probe)

	check.OK = true
	check.Detail = "state root writable"
	return check
}
