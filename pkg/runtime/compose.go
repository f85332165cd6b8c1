package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	volumetypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

const (
	// composeFileName is the rendered compose document per project
	composeFileName = "docker-compose.yml"

	// maxOrphanNetworkSweep bounds the preflight cleanup per create
	maxOrphanNetworkSweep = 5

	// networkCountHint is the host network count past which diagnostics
	// suggest pool exhaustion
	networkCountHint = 200

	// diagTimeout bounds each individual diagnostic command
	diagTimeout = 10 * time.Second
)

// labNetworkPattern matches exactly the per-lab networks this system
// creates. The sweep never touches anything outside this shape.
var labNetworkPattern = regexp.MustCompile(`^octolab_[0-9a-f-]{36}_(lab|egress)_net$`)

// composeErrorPatterns classify engine failures out of compose stderr
var (
	poolExhaustedPattern = regexp.MustCompile(`(?i)could not find an available, non-overlapping IPv4 address pool|all predefined address pools have been fully subnetted`)
	portInUsePattern     = regexp.MustCompile(`(?i)port is already allocated|bind.*address already in use`)
)

// ComposeBackend runs labs as docker compose projects. The compose CLI
// does the orchestration; the engine SDK does all verification, because
// teardown success must be proven, not assumed.
type ComposeBackend struct {
	cfg    *config.Config
	runner *Runner
	docker client.APIClient
	layout *volume.Layout
	logger zerolog.Logger
}

// NewComposeBackend creates the compose backend and connects to the engine
func NewComposeBackend(cfg *config.Config, layout *volume.Layout, runner *Runner) (*ComposeBackend, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &ComposeBackend{
		cfg:    cfg,
		runner: runner,
		docker: docker,
		layout: layout,
		logger: log.WithComponent("runtime.compose"),
	}, nil
}

// Kind returns the backend kind
func (b *ComposeBackend) Kind() types.RuntimeKind {
	return types.RuntimeCompose
}

// Engine exposes the engine client so jobs outside the backend, like
// the GC volume sweep, can share the one connection.
func (b *ComposeBackend) Engine() client.APIClient {
	return b.docker
}

// CreateLab renders the recipe into a project directory and brings the
// project up. Idempotent per lab: compose reconciles an existing project
// under the same name instead of duplicating it.
func (b *ComposeBackend) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, env LaunchEnv) error {
	project := ProjectName(lab.ID)

	dir, err := b.layout.EnsureComposeProjectDir(project)
	if err != nil {
		return fmt.Errorf("failed to prepare project directory: %w", err)
	}

	composeFile := filepath.Join(dir, composeFileName)
	if err := os.WriteFile(composeFile, []byte(recipe.ComposeSpec), 0o600); err != nil {
		return fmt.Errorf("failed to write compose file: %w", err)
	}

	// Orphaned lab networks from earlier crashes eat the engine's subnet
	// pool. Sweep a bounded number before asking for new ones.
	b.sweepOrphanNetworks(ctx)

	args := b.projectArgs(project, dir)
	args = append(args, "up", "-d", "--wait")

	res, err := b.runner.Run(ctx, Cmd{
		Bin:  "docker",
		Args: args,
		Dir:  dir,
		Env:  env.Environ(),
	})
	if err != nil && strings.Contains(res.Stderr, "unknown flag: --wait") {
		// Old compose plugin; plain up still blocks until containers start
		args = b.projectArgs(project, dir)
		args = append(args, "up", "-d")
		res, err = b.runner.Run(ctx, Cmd{
			Bin:  "docker",
			Args: args,
			Dir:  dir,
			Env:  env.Environ(),
		})
	}
	if err != nil {
		return b.classify("compose up", res, err)
	}

	b.logger.Info().
		Str("lab_id", lab.ID).
		Str("project", project).
		Dur("duration", res.Duration).
		Msg("compose project up")
	return nil
}

// DestroyLab tears the project down and then verifies through the engine
// SDK what actually remains. Leftover lab networks are removed one by one;
// nothing is ever pruned globally. Named volumes survive teardown on
// purpose: evidence lives there until retention purges it.
func (b *ComposeBackend) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	project := ProjectName(lab.ID)
	dir, err := b.layout.ComposeProjectDir(project)
	if err != nil {
		return types.TeardownResult{}, err
	}

	args := b.projectArgs(project, dir)
	args = append(args, "down", "--remove-orphans",
		"--timeout", strconv.Itoa(int(b.cfg.TeardownTimeout.Seconds())))

	res, runErr := b.runner.Run(ctx, Cmd{
		Bin:  "docker",
		Args: args,
		Dir:  dir,
	})
	if runErr != nil {
		// Project dir may be gone after a crash; down still works off
		// labels, so keep going and let verification decide.
		b.logger.Warn().
			Str("lab_id", lab.ID).
			Int("exit_code", res.ExitCode).
			Str("stderr", security.Truncate(res.Stderr, 512)).
			Msg("compose down reported an error, verifying remains")
	}

	containers, err := b.listProjectContainers(ctx, project)
	if err != nil {
		return types.TeardownResult{Success: false}, fmt.Errorf("failed to verify containers: %w", err)
	}

	networks, err := b.listProjectNetworks(ctx, project)
	if err != nil {
		return types.TeardownResult{Success: false}, fmt.Errorf("failed to verify networks: %w", err)
	}

	// down removes project networks, but half-created projects can leave
	// them behind without the project label. Remove stragglers directly.
	var networksLeft int
	for _, nw := range networks {
		if err := b.docker.NetworkRemove(ctx, nw.ID); err != nil {
			networksLeft++
			b.logger.Warn().
				Str("lab_id", lab.ID).
				Str("network", nw.Name).
				Err(err).
				Msg("failed to remove leftover lab network")
		}
	}

	if err := b.layout.RemoveComposeProjectDir(project); err != nil {
		b.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to remove project directory")
	}

	result := types.TeardownResult{
		ContainersRemaining: len(containers),
		NetworksRemaining:   networksLeft,
	}
	result.Success = result.ContainersRemaining == 0 && result.NetworksRemaining == 0
	return result, nil
}

// ResourcesExist reports whether any compute resource of the project is
// still present. Volumes are not consulted: retained evidence volumes
// would otherwise make every finished lab look alive.
func (b *ComposeBackend) ResourcesExist(ctx context.Context, lab *types.Lab) (bool, error) {
	project := ProjectName(lab.ID)

	containers, err := b.listProjectContainers(ctx, project)
	if err != nil {
		return false, err
	}
	if len(containers) > 0 {
		return true, nil
	}

	networks, err := b.listProjectNetworks(ctx, project)
	if err != nil {
		return false, err
	}
	return len(networks) > 0, nil
}

// CountArtifacts inspects the project's evidence volumes. When a volume
// mountpoint is readable the files inside are counted; when it is not
// (remote engine, permissions) the volume's existence counts as one
// artifact of its class. The count may understate, never overstate.
func (b *ComposeBackend) CountArtifacts(ctx context.Context, lab *types.Lab) (terminalLogs, pcaps int, err error) {
	project := ProjectName(lab.ID)

	volumes, err := b.listProjectVolumes(ctx, project)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list evidence volumes: %w", err)
	}

	for _, vol := range volumes {
		switch {
		case strings.HasPrefix(vol.Name, project+"_evidence_"):
			if n := countFilesByExt(vol.Mountpoint, ".log"); n >= 0 {
				terminalLogs += n
			} else {
				terminalLogs++
			}
		case vol.Name == project+"_lab_pcap":
			if n := countFilesByExt(vol.Mountpoint, ".pcap", ".pcapng"); n >= 0 {
				pcaps += n
			} else {
				pcaps++
			}
		}
	}
	return terminalLogs, pcaps, nil
}

// PurgeArtifacts removes the project's evidence volumes
func (b *ComposeBackend) PurgeArtifacts(ctx context.Context, lab *types.Lab) (removed int, err error) {
	project := ProjectName(lab.ID)

	volumes, err := b.listProjectVolumes(ctx, project)
	if err != nil {
		return 0, fmt.Errorf("failed to list evidence volumes: %w", err)
	}

	for _, vol := range volumes {
		if !strings.HasPrefix(vol.Name, project+"_evidence_") && vol.Name != project+"_lab_pcap" {
			continue
		}
		if err := b.docker.VolumeRemove(ctx, vol.Name, true); err != nil {
			return removed, fmt.Errorf("failed to remove volume %s: %w", vol.Name, err)
		}
		removed++
	}
	return removed, nil
}

// Diagnostics captures redacted context for a failed project: service
// state, log tail, rendered config, and network pressure counters. Each
// command gets its own short timeout so one hung call cannot stall the
// rollback path.
func (b *ComposeBackend) Diagnostics(ctx context.Context, lab *types.Lab) map[string]string {
	project := ProjectName(lab.ID)
	dir, err := b.layout.ComposeProjectDir(project)
	if err != nil {
		return map[string]string{"diag_error": "project path invalid"}
	}

	diag := make(map[string]string)

	capture := func(key string, args ...string) {
		full := b.projectArgs(project, dir)
		full = append(full, args...)
		res, _ := b.runner.Run(ctx, Cmd{
			Bin:     "docker",
			Args:    full,
			Dir:     dir,
			Timeout: diagTimeout,
		})
		diag[key] = security.Truncate(res.Stdout+res.Stderr, 4096)
	}

	capture("diag_ps", "ps", "--all")
	capture("diag_logs", "logs", "--tail", "100")
	capture("diag_config", "config")

	total, labNets := b.networkCounts(ctx)
	diag["diag_networks_total"] = strconv.Itoa(total)
	diag["diag_networks_octolab"] = strconv.Itoa(labNets)
	if labNets >= networkCountHint {
		diag["diag_hint"] = "high lab network count, docker address pools may be exhausted"
	}
	return diag
}

// projectArgs builds the common compose argument prefix. The explicit
// project directory plus a pinned working directory is the only
// combination that behaves identically across host configurations.
func (b *ComposeBackend) projectArgs(project, dir string) []string {
	return []string{
		"compose",
		"-p", project,
		"--project-directory", dir,
		"-f", filepath.Join(dir, composeFileName),
	}
}

func (b *ComposeBackend) listProjectContainers(ctx context.Context, project string) ([]dockertypes.Container, error) {
	return b.docker.ContainerList(ctx, dockertypes.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "com.docker.compose.project="+project),
		),
	})
}

// listProjectNetworks returns networks whose name carries the exact
// project prefix. The engine's name filter matches substrings, so the
// strict prefix check happens here.
func (b *ComposeBackend) listProjectNetworks(ctx context.Context, project string) ([]dockertypes.NetworkResource, error) {
	networks, err := b.docker.NetworkList(ctx, dockertypes.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", project+"_")),
	})
	if err != nil {
		return nil, err
	}

	var matched []dockertypes.NetworkResource
	for _, nw := range networks {
		if strings.HasPrefix(nw.Name, project+"_") {
			matched = append(matched, nw)
		}
	}
	return matched, nil
}

func (b *ComposeBackend) listProjectVolumes(ctx context.Context, project string) ([]*volumetypes.Volume, error) {
	resp, err := b.docker.VolumeList(ctx, volumetypes.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", project+"_")),
	})
	if err != nil {
		return nil, err
	}

	var matched []*volumetypes.Volume
	for _, vol := range resp.Volumes {
		if strings.HasPrefix(vol.Name, project+"_") {
			matched = append(matched, vol)
		}
	}
	return matched, nil
}

// sweepOrphanNetworks removes up to maxOrphanNetworkSweep empty lab
// networks. Only names matching the strict per-lab pattern are eligible;
// this must never become a general prune.
func (b *ComposeBackend) sweepOrphanNetworks(ctx context.Context) {
	networks, err := b.docker.NetworkList(ctx, dockertypes.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", "octolab_")),
	})
	if err != nil {
		return
	}

	swept := 0
	for _, nw := range networks {
		if swept >= maxOrphanNetworkSweep {
			return
		}
		if !labNetworkPattern.MatchString(nw.Name) {
			continue
		}

		inspected, err := b.docker.NetworkInspect(ctx, nw.ID, dockertypes.NetworkInspectOptions{})
		if err != nil || len(inspected.Containers) > 0 {
			continue
		}
		if err := b.docker.NetworkRemove(ctx, nw.ID); err == nil {
			swept++
			b.logger.Info().Str("network", nw.Name).Msg("swept orphaned lab network")
		}
	}
}

// networkCounts returns (total host networks, octolab-pattern networks)
func (b *ComposeBackend) networkCounts(ctx context.Context) (int, int) {
	networks, err := b.docker.NetworkList(ctx, dockertypes.NetworkListOptions{})
	if err != nil {
		return -1, -1
	}
	labNets := 0
	for _, nw := range networks {
		if strings.HasPrefix(nw.Name, "octolab_") {
			labNets++
		}
	}
	return len(networks), labNets
}

// classify turns a failed compose run into a taxonomy error
func (b *ComposeBackend) classify(op string, res CmdResult, runErr error) error {
	combined := res.Stdout + "\n" + res.Stderr

	cmdErr := &CommandError{
		Op:       op,
		ExitCode: res.ExitCode,
		Stderr:   security.Truncate(res.Stderr, 2048),
	}
	switch {
	case poolExhaustedPattern.MatchString(combined):
		cmdErr.Err = ErrNetworkPoolExhausted
	case portInUsePattern.MatchString(combined):
		cmdErr.Err = ErrPortInUse
	default:
		cmdErr.Err = runErr
	}
	return cmdErr
}

// countFilesByExt counts regular files under dir with one of the given
// extensions. Returns -1 when the directory is not readable, which the
// caller treats as "fall back to volume presence".
func countFilesByExt(dir string, exts ...string) int {
	if dir == "" {
		return -1
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		for _, ext := range exts {
			if strings.HasSuffix(name, ext) {
				count++
				break
			}
		}
	}
	return count
}
