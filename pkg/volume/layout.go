package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/octolab/octolab/pkg/security"
)

const (
	// DefaultStateRoot is the base directory for lab state and artifacts
	DefaultStateRoot = "/var/lib/octolab/state"

	// evidenceDirName is the per-lab subdirectory holding artifacts
	evidenceDirName = "evidence"
)

// Layout resolves lab artifact paths under the state root. Every path is
// derived through security.ResolveUnder, so a hostile lab ID or project
// name can never address anything outside the root.
type Layout struct {
	stateRoot string
}

// NewLayout creates the layout and its base directories
func NewLayout(stateRoot string) (*Layout, error) {
	if stateRoot == "" {
		stateRoot = DefaultStateRoot
	}
	stateRoot = filepath.Clean(stateRoot)

	for _, dir := range []string{stateRoot, filepath.Join(stateRoot, "labs"), filepath.Join(stateRoot, "compose"), filepath.Join(stateRoot, "bundles")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	return &Layout{stateRoot: stateRoot}, nil
}

// StateRoot returns the layout's base directory
func (l *Layout) StateRoot() string {
	return l.stateRoot
}

// LabDir returns the state directory for a lab without creating it
func (l *Layout) LabDir(labID string) (string, error) {
	return security.LabDir(l.stateRoot, labID)
}

// EnsureLabDir creates and returns the lab's state directory. Mode 0700:
// the directory holds the lab token and the copied rootfs.
func (l *Layout) EnsureLabDir(labID string) (string, error) {
	dir, err := security.LabDir(l.stateRoot, labID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create lab directory: %w", err)
	}
	return dir, nil
}

// EvidenceDir returns the lab's evidence directory without creating it
func (l *Layout) EvidenceDir(labID string) (string, error) {
	dir, err := security.LabDir(l.stateRoot, labID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, evidenceDirName), nil
}

// EnsureEvidenceDir creates and returns the lab's evidence directory
func (l *Layout) EnsureEvidenceDir(labID string) (string, error) {
	dir, err := l.EvidenceDir(labID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return dir, nil
}

// ComposeProjectDir returns the directory a compose project is rendered
// into. The project name is derived from a validated lab ID upstream, but
// containment is still checked here.
func (l *Layout) ComposeProjectDir(project string) (string, error) {
	return security.ResolveUnder(l.stateRoot, "compose", project)
}

// EnsureComposeProjectDir creates and returns the compose project directory
func (l *Layout) EnsureComposeProjectDir(project string) (string, error) {
	dir, err := l.ComposeProjectDir(project)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create compose project directory: %w", err)
	}
	return dir, nil
}

// RemoveComposeProjectDir removes a rendered compose project directory
func (l *Layout) RemoveComposeProjectDir(project string) error {
	dir, err := l.ComposeProjectDir(project)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove compose project directory: %w", err)
	}
	return nil
}

// RemoveLabDir removes a lab's state directory recursively
func (l *Layout) RemoveLabDir(labID string) error {
	return security.RemoveLabDir(l.stateRoot, labID)
}

// BundlesDir returns the directory evidence bundles are exported into
func (l *Layout) BundlesDir() string {
	return filepath.Join(l.stateRoot, "bundles")
}

// CountArtifacts counts terminal logs (*.log) and packet captures
// (*.pcap, *.pcapng) under the lab's evidence directory. A missing
// directory counts as zero of each; only I/O failures return an error.
func (l *Layout) CountArtifacts(labID string) (logs, pcaps int, err error) {
	dir, err := l.EvidenceDir(labID)
	if err != nil {
		return 0, 0, err
	}

	if _, statErr := os.Lstat(dir); os.IsNotExist(statErr) {
		return 0, 0, nil
	}

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".log":
			logs++
		case ".pcap", ".pcapng":
			pcaps++
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, fmt.Errorf("failed to scan evidence directory: %w", walkErr)
	}
	return logs, pcaps, nil
}

// PurgeArtifacts removes the lab's evidence directory and reports how
// many artifact files were deleted. The lab row itself is untouched.
func (l *Layout) PurgeArtifacts(labID string) (int, error) {
	logs, pcaps, err := l.CountArtifacts(labID)
	if err != nil {
		return 0, err
	}

	dir, err := l.EvidenceDir(labID)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to purge evidence directory: %w", err)
	}
	return logs + pcaps, nil
}

// PruneBundles removes bundle entries whose modification time predates
// cutoff. With dryRun it only reports candidate names. Returned names are
// base names, safe for logs.
func (l *Layout) PruneBundles(cutoff time.Time, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(l.BundlesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bundles directory: %w", err)
	}

	var pruned []string
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		pruned = append(pruned, entry.Name())
		if dryRun {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.BundlesDir(), entry.Name())); err != nil {
			return pruned, fmt.Errorf("failed to prune bundle %s: %w", entry.Name(), err)
		}
	}
	return pruned, nil
}
