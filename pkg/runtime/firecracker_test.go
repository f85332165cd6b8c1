package runtime

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/volume"
)

const fcTestLabID = "0b9c4a34-7b61-4a7e-9f1a-2f2d51a40c11"

func firecrackerFixture(t *testing.T, devUnsafe bool) (*FirecrackerBackend, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		StateRoot:              t.TempDir(),
		PortMin:                10000,
		PortMax:                10099,
		FirecrackerBin:         "/usr/bin/firecracker",
		JailerBin:              "/usr/bin/jailer",
		DevUnsafeAllowNoJailer: devUnsafe,
	}
	layout, err := volume.NewLayout(cfg.StateRoot)
	require.NoError(t, err)

	// Mutations succeed, existence probes report a clean host.
	nat := network.NewNATPublisher()
	nat.SetCommand(func(name string, arg ...string) *exec.Cmd {
		call := name + " " + strings.Join(arg, " ")
		if strings.HasPrefix(call, "ip link show") {
			return exec.Command("sh", "-c", `echo 'Device does not exist.' >&2; exit 1`)
		}
		return exec.Command("true")
	})
	return NewFirecrackerBackend(cfg, layout, nat), cfg
}

func TestVMPathsRaw(t *testing.T) {
	b, cfg := firecrackerFixture(t, true)

	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	labDir := filepath.Join(cfg.StateRoot, "labs", "lab_"+fcTestLabID)
	assert.Equal(t, labDir, p.labDir)
	assert.Empty(t, p.jailDir)
	assert.Equal(t, filepath.Join(labDir, "firecracker.sock"), p.apiSock)
	assert.Equal(t, p.apiSock, p.apiSockArg)
	assert.Equal(t, filepath.Join(labDir, "rootfs.ext4"), p.rootfsArg)
}

func TestVMPathsJailed(t *testing.T) {
	b, cfg := firecrackerFixture(t, false)

	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	jailDir := filepath.Join(cfg.StateRoot, "jail", "firecracker", fcTestLabID, "root")
	assert.Equal(t, jailDir, p.jailDir)
	assert.Equal(t, filepath.Join(jailDir, "run", "firecracker.sock"), p.apiSock)

	// Firecracker runs chrooted; its own view of every path is rooted.
	assert.Equal(t, "/run/firecracker.sock", p.apiSockArg)
	assert.Equal(t, "/rootfs.ext4", p.rootfsArg)
	assert.Equal(t, "/vsock.sock", p.vsockArg)
}

func TestStageLabDir(t *testing.T) {
	b, cfg := firecrackerFixture(t, true)

	base := filepath.Join(t.TempDir(), "base.ext4")
	require.NoError(t, os.WriteFile(base, []byte("rootfs-bytes"), 0o644))

	_, err := b.layout.EnsureLabDir(fcTestLabID)
	require.NoError(t, err)
	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	env := LaunchEnv{LabID: fcTestLabID, LabToken: "tok-secret"}
	require.NoError(t, b.stageLabDir(p, base, cfg.KernelImage, env))

	data, err := os.ReadFile(filepath.Join(p.labDir, "rootfs.ext4"))
	require.NoError(t, err)
	assert.Equal(t, "rootfs-bytes", string(data))

	tokenPath := filepath.Join(p.labDir, "lab.token")
	info, err := os.Stat(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStageLabDirJailedLinksKernel(t *testing.T) {
	b, _ := firecrackerFixture(t, false)

	tmp := t.TempDir()
	base := filepath.Join(tmp, "base.ext4")
	kernel := filepath.Join(tmp, "vmlinux")
	require.NoError(t, os.WriteFile(base, []byte("rootfs"), 0o644))
	require.NoError(t, os.WriteFile(kernel, []byte("ELF"), 0o644))

	_, err := b.layout.EnsureLabDir(fcTestLabID)
	require.NoError(t, err)
	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	require.NoError(t, b.stageLabDir(p, base, kernel, LaunchEnv{}))

	assert.FileExists(t, filepath.Join(p.jailDir, "vmlinux"))
	assert.FileExists(t, filepath.Join(p.jailDir, "rootfs.ext4"))
	assert.DirExists(t, filepath.Join(p.jailDir, "run"))
}

func TestGuestIPArg(t *testing.T) {
	arg := guestIPArg(network.TapConfig{
		Name:     "oclf2d51a40c11",
		HostCIDR: "172.30.0.1/30",
		GuestIP:  "172.30.0.2",
	})
	assert.Equal(t, "ip=172.30.0.2::172.30.0.1:255.255.255.252::eth0:off", arg)
}

func TestLabPID(t *testing.T) {
	b, _ := firecrackerFixture(t, true)
	labDir, err := b.layout.EnsureLabDir(fcTestLabID)
	require.NoError(t, err)
	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	// Meta wins when present.
	lab := &types.Lab{ID: fcTestLabID, RuntimeMeta: map[string]string{"pid": "4242"}}
	assert.Equal(t, 4242, b.labPID(lab, p))

	// Fall back to the pid file.
	require.NoError(t, os.WriteFile(filepath.Join(labDir, "firecracker.pid"), []byte("1717\n"), 0o600))
	lab = &types.Lab{ID: fcTestLabID}
	assert.Equal(t, 1717, b.labPID(lab, p))

	// Garbage in meta falls through to the file too.
	lab = &types.Lab{ID: fcTestLabID, RuntimeMeta: map[string]string{"pid": "not-a-pid"}}
	assert.Equal(t, 1717, b.labPID(lab, p))
}

func TestSpawnVMRecordsRealPID(t *testing.T) {
	b, _ := firecrackerFixture(t, true)
	b.SetCommand(func(name string, arg ...string) *exec.Cmd {
		return exec.Command("sleep", "10")
	})

	_, err := b.layout.EnsureLabDir(fcTestLabID)
	require.NoError(t, err)
	p, err := b.paths(fcTestLabID)
	require.NoError(t, err)

	pid, err := b.spawnVM(fcTestLabID, p)
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	assert.True(t, pidAlive(pid))

	killPID(pid)
	assert.Eventually(t, func() bool { return !pidAlive(pid) },
		2*time.Second, 50*time.Millisecond)
}

func TestPutJSONOverUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"fault_message":"not configured"}`, http.StatusBadRequest)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	client := udsClient(sock)
	ctx := context.Background()

	require.NoError(t, putJSON(ctx, client, "boot-source", map[string]string{"kernel_image_path": "/vmlinux"}))

	err = putJSON(ctx, client, "actions", map[string]string{"action_type": "InstanceStart"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "not configured")
}

// fakeVsockMux implements the hypervisor side of the host-initiated
// vsock protocol well enough for the handshake.
func fakeVsockMux(t *testing.T, path string, agentReply string) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				line, err := r.ReadString('\n')
				if err != nil || !strings.HasPrefix(line, "CONNECT") {
					return
				}
				c.Write([]byte("OK 52\n"))
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				c.Write([]byte(agentReply))
			}(conn)
		}
	}()
}

func TestAwaitAgentReady(t *testing.T) {
	b, _ := firecrackerFixture(t, true)
	sock := filepath.Join(t.TempDir(), "vsock.sock")
	fakeVsockMux(t, sock, "READY\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, b.awaitAgent(ctx, sock))
}

func TestAwaitAgentRefusedThenDeadline(t *testing.T) {
	b, _ := firecrackerFixture(t, true)
	sock := filepath.Join(t.TempDir(), "vsock.sock")
	fakeVsockMux(t, sock, "BUSY\n")

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	err := b.awaitAgent(ctx, sock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never became ready")
	assert.Contains(t, err.Error(), "BUSY")
}

func TestDestroyLabNothingLeft(t *testing.T) {
	b, _ := firecrackerFixture(t, true)

	// Never started: no pid, no state dir, fake nat reports clean.
	lab := &types.Lab{ID: fcTestLabID, Runtime: types.RuntimeMicroVM}
	result, err := b.DestroyLab(context.Background(), lab)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Clean())
	assert.Zero(t, result.ContainersRemaining)
	assert.Zero(t, result.NetworksRemaining)
}

func TestResourcesExistSeesStateDir(t *testing.T) {
	b, _ := firecrackerFixture(t, true)
	lab := &types.Lab{ID: fcTestLabID, Runtime: types.RuntimeMicroVM}

	exists, err := b.ResourcesExist(context.Background(), lab)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = b.layout.EnsureLabDir(fcTestLabID)
	require.NoError(t, err)

	exists, err = b.ResourcesExist(context.Background(), lab)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fc.log")
	require.NoError(t, os.WriteFile(path, []byte("aaaa-bbbb-cccc"), 0o644))

	assert.Equal(t, "cccc", tailFile(path, 4))
	assert.Equal(t, "aaaa-bbbb-cccc", tailFile(path, 1024))
	assert.Empty(t, tailFile(filepath.Join(t.TempDir(), "missing"), 16))
}

func TestWaitForFileTimesOut(t *testing.T) {
	err := waitForFile(context.Background(), filepath.Join(t.TempDir(), "never"), 300*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
