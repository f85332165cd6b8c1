package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// labIDPattern matches a canonical lowercase UUIDv4. Anything else is
// rejected before it can reach a filesystem path or a subprocess argument.
var labIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ErrInvalidLabID marks a lab ID that failed validation. Callers match
// it with errors.Is to map the failure to an invalid-input response.
var ErrInvalidLabID = errors.New("invalid lab id")

// ValidateLabID normalizes and validates an externally supplied lab ID.
// Only canonical UUIDv4 strings are accepted; the result is lowercase.
func ValidateLabID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !labIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w %q: must be a UUIDv4", ErrInvalidLabID, Truncate(raw, 64))
	}
	return id, nil
}

// ShortLabID returns the last 12 hex characters of a validated lab ID,
// used for resource tagging (iptables comments, tap device names).
func ShortLabID(labID string) string {
	compact := strings.ReplaceAll(labID, "-", "")
	if len(compact) <= 12 {
		return compact
	}
	return compact[len(compact)-12:]
}

// ResolveUnder joins path elements beneath base and verifies the result
// cannot escape it. Elements containing separators or parent references
// are rejected outright. The filesystem is never touched.
func ResolveUnder(base string, elem ...string) (string, error) {
	cleanBase := filepath.Clean(base)
	if cleanBase == "" || cleanBase == "." || cleanBase == string(filepath.Separator) {
		return "", fmt.Errorf("refusing to resolve under base %q", base)
	}

	for _, e := range elem {
		if e == "" || e == "." || e == ".." {
			return "", fmt.Errorf("invalid path element %q", e)
		}
		if strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("path element %q contains a separator", RedactPath(e))
		}
	}

	resolved := filepath.Clean(filepath.Join(append([]string{cleanBase}, elem...)...))
	if resolved != cleanBase && !strings.HasPrefix(resolved, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	if resolved == cleanBase {
		return "", fmt.Errorf("path resolves to the base directory itself")
	}
	return resolved, nil
}

// LabDir returns the state directory for a lab, validating the ID first.
func LabDir(stateRoot, labID string) (string, error) {
	id, err := ValidateLabID(labID)
	if err != nil {
		return "", err
	}
	return ResolveUnder(stateRoot, "labs", "lab_"+id)
}

// RemoveLabDir removes a lab's state directory recursively. The target is
// re-derived and containment-checked here; callers never pass raw paths.
func RemoveLabDir(stateRoot, labID string) error {
	if _, err := ValidateLabID(labID); err != nil {
		return err
	}
	return RemoveDirUnder(stateRoot, "labs", "lab_"+labID)
}

// RemoveDirUnder removes a directory resolved beneath base. Symlinked
// targets are refused; an absent directory is success.
func RemoveDirUnder(base string, elem ...string) error {
	dir, err := ResolveUnder(base, elem...)
	if err != nil {
		return err
	}

	info, err := os.Lstat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	// A symlinked dir could redirect the removal outside the base.
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("directory is a symlink, refusing to remove")
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	return nil
}
