package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

// Files inside a lab's state directory.
const (
	rootfsFileName  = "rootfs.ext4"
	apiSockFileName = "firecracker.sock"
	vsockFileName   = "vsock.sock"
	fcLogFileName   = "firecracker.log"
	fcMetricsName   = "firecracker.metrics"
	pidFileName     = "firecracker.pid"
	tokenFileName   = "lab.token"
)

const (
	defaultVCPUs     = 2
	defaultMemoryMiB = 2048

	// vsockGuestCID is the guest-side context id; agentVsockPort is
	// where the in-guest agent listens for the readiness handshake.
	vsockGuestCID  = 3
	agentVsockPort = 52

	apiSockWaitTimeout = 5 * time.Second
	gracefulStopWait   = 10 * time.Second
	sigtermWait        = 3 * time.Second
	agentRetryInterval = 500 * time.Millisecond
	fcLogTailBytes     = 4096
)

// baseBootArgs is the serial-console kernel command line every guest
// boots with; the per-lab ip= clause and recipe args are appended.
const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// FirecrackerBackend runs each lab as a Firecracker microVM. All state
// lives in the lab's directory under the state root; the tap device and
// NAT rule carry deterministic lab-derived names so teardown never
// depends on remembered state.
type FirecrackerBackend struct {
	cfg    *config.Config
	layout *volume.Layout
	nat    *network.NATPublisher
	logger zerolog.Logger

	// command builds the firecracker/jailer process. Swapped in tests.
	command func(name string, arg ...string) *exec.Cmd
}

// NewFirecrackerBackend creates the microVM backend. The doctor gates
// actual use; construction never probes the host.
func NewFirecrackerBackend(cfg *config.Config, layout *volume.Layout, nat *network.NATPublisher) *FirecrackerBackend {
	return &FirecrackerBackend{
		cfg:     cfg,
		layout:  layout,
		nat:     nat,
		logger:  log.WithComponent("firecracker"),
		command: exec.Command,
	}
}

// SetCommand sets a custom command builder. To be used for testing
// only.
func (b *FirecrackerBackend) SetCommand(command func(name string, arg ...string) *exec.Cmd) {
	b.command = command
}

func (b *FirecrackerBackend) Kind() types.RuntimeKind {
	return types.RuntimeMicroVM
}

// vmPaths resolves where a lab's VM artifacts live. Jailed VMs see
// chroot-relative paths while the host watches the same files under the
// jail root; raw dev-mode VMs see the lab directory directly.
type vmPaths struct {
	labDir  string
	jailDir string // empty when running without the jailer

	apiSock string // host-visible API socket
	vsock   string // host-visible vsock UDS

	// Paths as firecracker itself sees them.
	apiSockArg string
	rootfsArg  string
	vsockArg   string
	logArg     string
	metricsArg string
}

func (b *FirecrackerBackend) paths(labID string) (vmPaths, error) {
	labDir, err := b.layout.LabDir(labID)
	if err != nil {
		return vmPaths{}, err
	}

	if b.jailed() {
		jailDir, err := security.ResolveUnder(b.layout.StateRoot(), "jail", "firecracker", labID, "root")
		if err != nil {
			return vmPaths{}, err
		}
		return vmPaths{
			labDir:     labDir,
			jailDir:    jailDir,
			apiSock:    filepath.Join(jailDir, "run", apiSockFileName),
			vsock:      filepath.Join(jailDir, vsockFileName),
			apiSockArg: "/run/" + apiSockFileName,
			rootfsArg:  "/" + rootfsFileName,
			vsockArg:   "/" + vsockFileName,
			logArg:     "/" + fcLogFileName,
			metricsArg: "/" + fcMetricsName,
		}, nil
	}

	return vmPaths{
		labDir:     labDir,
		apiSock:    filepath.Join(labDir, apiSockFileName),
		vsock:      filepath.Join(labDir, vsockFileName),
		apiSockArg: filepath.Join(labDir, apiSockFileName),
		rootfsArg:  filepath.Join(labDir, rootfsFileName),
		vsockArg:   filepath.Join(labDir, vsockFileName),
		logArg:     filepath.Join(labDir, fcLogFileName),
		metricsArg: filepath.Join(labDir, fcMetricsName),
	}, nil
}

// jailed reports whether VMs go through the jailer. The doctor has
// already made jailer absence fatal unless the dev-unsafe flag is set.
func (b *FirecrackerBackend) jailed() bool {
	return !b.cfg.DevUnsafeAllowNoJailer
}

// rootfsHostPath is where the writable per-lab rootfs copy lands.
func (p vmPaths) rootfsHostPath() string {
	if p.jailDir != "" {
		return filepath.Join(p.jailDir, rootfsFileName)
	}
	return filepath.Join(p.labDir, rootfsFileName)
}

// CreateLab stages the lab directory, boots the microVM, publishes the
// host port to the guest, and waits for the in-guest agent. Partial
// state on failure is left for DestroyLab, which the provisioner always
// pairs with a failed create.
func (b *FirecrackerBackend) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, env LaunchEnv) error {
	labDir, err := b.layout.EnsureLabDir(lab.ID)
	if err != nil {
		return fmt.Errorf("failed to prepare lab directory: %w", err)
	}
	p, err := b.paths(lab.ID)
	if err != nil {
		return err
	}

	kernel := recipe.KernelImage
	if kernel == "" {
		kernel = b.cfg.KernelImage
	}
	rootfsBase := recipe.RootfsImage
	if rootfsBase == "" {
		rootfsBase = b.cfg.RootfsImage
	}

	if err := b.stageLabDir(p, rootfsBase, kernel, env); err != nil {
		return err
	}

	if env.HostPort < b.cfg.PortMin {
		return fmt.Errorf("host port %d below configured range", env.HostPort)
	}
	tap, err := b.nat.CreateTap(ctx, lab.ID, env.HostPort-b.cfg.PortMin)
	if err != nil {
		return err
	}

	pid, err := b.spawnVM(lab.ID, p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(labDir, pidFileName), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("failed to record vm pid: %w", err)
	}

	kernelArg := kernel
	if p.jailDir != "" {
		kernelArg = "/vmlinux"
	}
	if err := b.configureVM(ctx, p, kernelArg, tap, recipe, env); err != nil {
		return err
	}

	if err := b.nat.PublishPort(ctx, lab.ID, env.HostPort, tap.GuestIP); err != nil {
		return err
	}

	if err := b.awaitAgent(ctx, p.vsock); err != nil {
		return err
	}

	// Server-safe values only: pid, basenames, short names. The token
	// file is referenced, never its bytes.
	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = make(map[string]string)
	}
	lab.RuntimeMeta["pid"] = strconv.Itoa(pid)
	lab.RuntimeMeta["api_sock"] = apiSockFileName
	lab.RuntimeMeta["token_file"] = tokenFileName
	lab.RuntimeMeta["tap"] = tap.Name
	lab.RuntimeMeta["guest_ip"] = tap.GuestIP

	b.logger.Info().
		Str("lab_id", lab.ID).
		Int("pid", pid).
		Str("tap", tap.Name).
		Bool("jailed", p.jailDir != "").
		Msg("microvm up")
	return nil
}

// stageLabDir copies the base rootfs, writes the lab token, and for
// jailed VMs links the kernel into the chroot.
func (b *FirecrackerBackend) stageLabDir(p vmPaths, rootfsBase, kernel string, env LaunchEnv) error {
	if p.jailDir != "" {
		if err := os.MkdirAll(filepath.Join(p.jailDir, "run"), 0o700); err != nil {
			return fmt.Errorf("failed to prepare jail root: %w", err)
		}
		if err := linkOrCopy(kernel, filepath.Join(p.jailDir, "vmlinux")); err != nil {
			return fmt.Errorf("failed to stage kernel: %w", err)
		}
	}

	if err := copyFile(rootfsBase, p.rootfsHostPath(), 0o600); err != nil {
		return fmt.Errorf("failed to stage rootfs: %w", err)
	}

	if env.LabToken != "" {
		tokenPath := filepath.Join(p.labDir, tokenFileName)
		if err := os.WriteFile(tokenPath, []byte(env.LabToken), 0o600); err != nil {
			return fmt.Errorf("failed to write lab token: %w", err)
		}
	}
	return nil
}

// spawnVM starts firecracker, via the jailer unless dev-unsafe mode is
// on. The child gets its own session; the returned pid is the VM
// process in both modes because the jailer execs into firecracker.
func (b *FirecrackerBackend) spawnVM(labID string, p vmPaths) (int, error) {
	fcArgs := []string{
		"--api-sock", p.apiSockArg,
		"--log-path", p.logArg,
		"--level", "Warn",
		"--metrics-path", p.metricsArg,
	}

	var cmd *exec.Cmd
	if p.jailDir == "" {
		cmd = b.command(b.cfg.FirecrackerBin, fcArgs...)
	} else {
		chrootBase, err := security.ResolveUnder(b.layout.StateRoot(), "jail")
		if err != nil {
			return 0, err
		}
		jailerArgs := []string{
			"--id", labID,
			"--exec-file", b.cfg.FirecrackerBin,
			"--uid", strconv.Itoa(os.Getuid()),
			"--gid", strconv.Itoa(os.Getgid()),
			"--chroot-base-dir", chrootBase,
			"--",
		}
		jailerArgs = append(jailerArgs, fcArgs...)
		cmd = b.command(b.cfg.JailerBin, jailerArgs...)
	}

	cmd.Dir = p.labDir
	cmd.Env = []string{}
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start vm process: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so dead VMs never linger as zombies.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// configureVM drives the firecracker API over its unix socket and
// starts the instance.
func (b *FirecrackerBackend) configureVM(ctx context.Context, p vmPaths, kernelArg string, tap network.TapConfig, recipe *types.Recipe, env LaunchEnv) error {
	if err := waitForFile(ctx, p.apiSock, apiSockWaitTimeout); err != nil {
		return fmt.Errorf("api socket never appeared: %w", err)
	}
	client := udsClient(p.apiSock)
	defer client.CloseIdleConnections()

	vcpus := recipe.VCPUs
	if vcpus == 0 {
		vcpus = defaultVCPUs
	}
	memory := recipe.MemoryMiB
	if memory == 0 {
		memory = defaultMemoryMiB
	}

	bootArgs := baseBootArgs + " " + guestIPArg(tap)
	if recipe.KernelArgs != "" {
		bootArgs += " " + recipe.KernelArgs
	}

	steps := []struct {
		path string
		body any
	}{
		{"boot-source", map[string]any{
			"kernel_image_path": kernelArg,
			"boot_args":         bootArgs,
		}},
		{"drives/rootfs", map[string]any{
			"drive_id":       "rootfs",
			"path_on_host":   p.rootfsArg,
			"is_root_device": true,
			"is_read_only":   false,
		}},
		{"network-interfaces/eth0", map[string]any{
			"iface_id":      "eth0",
			"host_dev_name": tap.Name,
		}},
		{"vsock", map[string]any{
			"guest_cid": vsockGuestCID,
			"uds_path":  p.vsockArg,
		}},
		{"machine-config", map[string]any{
			"vcpu_count":   vcpus,
			"mem_size_mib": memory,
			"smt":          false,
		}},
		{"actions", map[string]string{
			"action_type": "InstanceStart",
		}},
	}
	for _, step := range steps {
		if err := putJSON(ctx, client, step.path, step.body); err != nil {
			return fmt.Errorf("vm configure %s: %w", step.path, err)
		}
	}
	return nil
}

// guestIPArg renders the kernel ip= clause for the point-to-point tap
// subnet: guest address, host as gateway, /30 netmask, eth0, no DHCP.
func guestIPArg(tap network.TapConfig) string {
	hostIP := strings.TrimSuffix(tap.HostCIDR, "/30")
	return fmt.Sprintf("ip=%s::%s:255.255.255.252::eth0:off", tap.GuestIP, hostIP)
}

// awaitAgent waits for the in-guest agent to answer the readiness
// handshake on the vsock socket. The handshake runs over firecracker's
// host-initiated vsock protocol: CONNECT to the agent port, then a
// HELLO/READY exchange.
func (b *FirecrackerBackend) awaitAgent(ctx context.Context, vsockPath string) error {
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("guest agent never became ready: %w (last: %v)", err, lastErr)
			}
			return fmt.Errorf("guest agent never became ready: %w", err)
		}
		err := tryAgentHandshake(vsockPath)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
		case <-time.After(agentRetryInterval):
		}
	}
}

func tryAgentHandshake(vsockPath string) error {
	conn, err := net.DialTimeout("unix", vsockPath, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", agentVsockPort); err != nil {
		return err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("vsock mux refused: %s", security.Sanitize(line, 64))
	}

	if _, err := io.WriteString(conn, "HELLO\n"); err != nil {
		return err
	}
	line, err = r.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "READY") {
		return fmt.Errorf("agent answered %s", security.Sanitize(line, 64))
	}
	return nil
}

// DestroyLab walks the cleanup tiers: graceful guest shutdown, then
// process termination plus targeted resource cleanup, then a hard
// verification pass. The result only claims success when the process,
// the network artifacts, and the state directories are all confirmed
// gone.
func (b *FirecrackerBackend) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	p, err := b.paths(lab.ID)
	if err != nil {
		return types.TeardownResult{}, err
	}
	pid := b.labPID(lab, p)

	// Tier 1: ask the guest to shut down.
	if pid > 0 && pidAlive(pid) {
		b.sendCtrlAltDel(ctx, p)
		waitPIDExit(ctx, pid, gracefulStopWait)
	}

	// Tier 2: terminate the process, then targeted resource cleanup.
	if pid > 0 && pidAlive(pid) {
		terminatePID(pid)
		if !waitPIDExit(ctx, pid, sigtermWait) {
			killPID(pid)
			waitPIDExit(ctx, pid, time.Second)
		}
	}

	if err := b.nat.UnpublishPort(ctx, lab.ID); err != nil {
		b.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("nat rule removal failed")
	}
	if err := b.nat.DeleteTap(ctx, lab.ID); err != nil {
		b.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("tap removal failed")
	}
	if p.jailDir != "" {
		if err := security.RemoveDirUnder(b.layout.StateRoot(), "jail", "firecracker", lab.ID); err != nil {
			b.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("jail removal failed")
		}
	}
	if err := b.layout.RemoveLabDir(lab.ID); err != nil {
		b.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("state dir removal failed")
	}

	// Tier 3: verify what actually remains and report honestly.
	result := types.TeardownResult{}
	if pid > 0 && pidAlive(pid) {
		result.ContainersRemaining++
	}
	if left, err := b.nat.TapExists(ctx, lab.ID); err == nil && left {
		result.NetworksRemaining++
	}
	if left, err := b.nat.RuleExists(ctx, lab.ID); err == nil && left {
		result.NetworksRemaining++
	}
	dirRemains := pathExists(p.labDir) || (p.jailDir != "" && pathExists(p.jailDir))

	result.Success = result.ContainersRemaining == 0 &&
		result.NetworksRemaining == 0 && !dirRemains

	b.logger.Info().
		Str("lab_id", lab.ID).
		Bool("success", result.Success).
		Int("process_remaining", result.ContainersRemaining).
		Int("network_remaining", result.NetworksRemaining).
		Msg("microvm destroy finished")
	return result, nil
}

// sendCtrlAltDel asks firecracker to deliver the graceful reboot key
// sequence. Errors are irrelevant here; the caller escalates anyway.
func (b *FirecrackerBackend) sendCtrlAltDel(ctx context.Context, p vmPaths) {
	if !pathExists(p.apiSock) {
		return
	}
	client := udsClient(p.apiSock)
	defer client.CloseIdleConnections()

	shortCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = putJSON(shortCtx, client, "actions", map[string]string{"action_type": "SendCtrlAltDel"})
}

// ResourcesExist reports whether any trace of the lab remains: the VM
// process, the tap device, or the state directory.
func (b *FirecrackerBackend) ResourcesExist(ctx context.Context, lab *types.Lab) (bool, error) {
	p, err := b.paths(lab.ID)
	if err != nil {
		return false, err
	}
	if pid := b.labPID(lab, p); pid > 0 && pidAlive(pid) {
		return true, nil
	}
	if exists, err := b.nat.TapExists(ctx, lab.ID); err == nil && exists {
		return true, nil
	}
	return pathExists(p.labDir), nil
}

// CountArtifacts counts evidence files in the lab's evidence directory.
func (b *FirecrackerBackend) CountArtifacts(ctx context.Context, lab *types.Lab) (int, int, error) {
	return b.layout.CountArtifacts(lab.ID)
}

// PurgeArtifacts deletes the lab's evidence files, keeping the row.
func (b *FirecrackerBackend) PurgeArtifacts(ctx context.Context, lab *types.Lab) (int, error) {
	return b.layout.PurgeArtifacts(lab.ID)
}

// Diagnostics captures redacted failure context: the firecracker log
// tail, process state, and network artifact presence.
func (b *FirecrackerBackend) Diagnostics(ctx context.Context, lab *types.Lab) map[string]string {
	diag := make(map[string]string)
	p, err := b.paths(lab.ID)
	if err != nil {
		diag["diag_error"] = "lab paths unresolvable"
		return diag
	}

	switch pid := b.labPID(lab, p); {
	case pid <= 0:
		diag["diag_vm_state"] = "never started"
	case pidAlive(pid):
		diag["diag_vm_state"] = "running"
	default:
		diag["diag_vm_state"] = "exited"
	}

	tapPresent, _ := b.nat.TapExists(ctx, lab.ID)
	diag["diag_tap"] = fmt.Sprintf("%s present=%t", network.TapName(lab.ID), tapPresent)

	logPath := filepath.Join(p.labDir, fcLogFileName)
	if p.jailDir != "" {
		logPath = filepath.Join(p.jailDir, fcLogFileName)
	}
	if tail := tailFile(logPath, fcLogTailBytes); tail != "" {
		diag["diag_log_tail"] = security.Sanitize(tail, fcLogTailBytes)
	}
	return diag
}

// labPID recovers the VM pid, preferring runtime_meta and falling back
// to the pid file for labs interrupted before meta was persisted.
func (b *FirecrackerBackend) labPID(lab *types.Lab, p vmPaths) int {
	if raw, ok := lab.RuntimeMeta["pid"]; ok {
		if pid, err := strconv.Atoi(raw); err == nil {
			return pid
		}
	}
	data, err := os.ReadFile(filepath.Join(p.labDir, pidFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// udsClient returns an HTTP client pinned to one unix socket. The host
// in request URLs is ignored.
func udsClient(sockPath string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
	}
}

func putJSON(ctx context.Context, client *http.Client, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost/"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, security.Sanitize(string(detail), 256))
	}
	return nil
}

// waitForFile polls until the path exists or the deadline passes.
func waitForFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if pathExists(path) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// waitPIDExit polls until the process is gone, returning true on exit
// and false when the wait or the context ran out first.
func waitPIDExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-time.After(200 * time.Millisecond):
		}
	}
	return !pidAlive(pid)
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// linkOrCopy hard-links src to dst, falling back to a copy across
// filesystems. Read-only images stay shared either way.
func linkOrCopy(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, 0o644)
}

// tailFile returns up to n trailing bytes of a file, empty on error.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return ""
	}
	return string(data)
}
