package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLabID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "canonical lowercase uuid",
			raw:  "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e",
			want: "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e",
		},
		{
			name: "uppercase is normalized",
			raw:  "8D5C7E5E-1B2A-4F3C-9D4E-5F6A7B8C9D0E",
			want: "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e",
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  "  8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e\n",
			want: "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e",
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "path traversal",
			raw:     "../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "shell metacharacters",
			raw:     "8d5c7e5e;rm -rf /",
			wantErr: true,
		},
		{
			name:    "uuid v1 rejected",
			raw:     "c232ab00-9414-11ec-b3c8-9f6bdeced846",
			wantErr: true,
		},
		{
			name:    "missing hyphens",
			raw:     "8d5c7e5e1b2a4f3c9d4e5f6a7b8c9d0e",
			wantErr: true,
		},
		{
			name:    "embedded null-ish junk",
			raw:     "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e/../x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateLabID(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLabID(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ValidateLabID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestShortLabID(t *testing.T) {
	got := ShortLabID("8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e")
	if got != "5f6a7b8c9d0e" {
		t.Errorf("ShortLabID() = %q, want %q", got, "5f6a7b8c9d0e")
	}
	if len(got) != 12 {
		t.Errorf("ShortLabID() length = %d, want 12", len(got))
	}
}

func TestResolveUnder(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		elem    []string
		want    string
		wantErr bool
	}{
		{
			name: "simple nesting",
			base: "/var/lib/octolab",
			elem: []string{"labs", "lab_abc"},
			want: "/var/lib/octolab/labs/lab_abc",
		},
		{
			name:    "parent reference element",
			base:    "/var/lib/octolab",
			elem:    []string{".."},
			wantErr: true,
		},
		{
			name:    "element with separator",
			base:    "/var/lib/octolab",
			elem:    []string{"labs/../../etc"},
			wantErr: true,
		},
		{
			name:    "empty element",
			base:    "/var/lib/octolab",
			elem:    []string{""},
			wantErr: true,
		},
		{
			name:    "no elements resolves to base",
			base:    "/var/lib/octolab",
			elem:    nil,
			wantErr: true,
		},
		{
			name:    "root base refused",
			base:    "/",
			elem:    []string{"etc"},
			wantErr: true,
		},
		{
			name:    "empty base refused",
			base:    "",
			elem:    []string{"labs"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveUnder(tt.base, tt.elem...)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResolveUnder() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ResolveUnder() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLabDir(t *testing.T) {
	dir, err := LabDir("/var/lib/octolab", "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e")
	if err != nil {
		t.Fatalf("LabDir() error = %v", err)
	}
	want := "/var/lib/octolab/labs/lab_8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e"
	if dir != want {
		t.Errorf("LabDir() = %q, want %q", dir, want)
	}

	if _, err := LabDir("/var/lib/octolab", "../escape"); err == nil {
		t.Error("LabDir() should reject a non-UUID lab id")
	}
}

func TestRemoveLabDir(t *testing.T) {
	root := t.TempDir()
	labID := "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e"

	dir := filepath.Join(root, "labs", "lab_"+labID)
	if err := os.MkdirAll(filepath.Join(dir, "evidence"), 0755); err != nil {
		t.Fatalf("failed to create test dirs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "evidence", "session.pcap"), []byte("caps"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	if err := RemoveLabDir(root, labID); err != nil {
		t.Fatalf("RemoveLabDir() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("lab directory should be gone")
	}

	// Removing a directory that no longer exists is not an error.
	if err := RemoveLabDir(root, labID); err != nil {
		t.Errorf("RemoveLabDir() on missing dir error = %v", err)
	}
}

func TestRemoveLabDir_RejectsBadID(t *testing.T) {
	root := t.TempDir()
	if err := RemoveLabDir(root, "../../tmp"); err == nil {
		t.Error("RemoveLabDir() should reject traversal ids")
	}
	if err := RemoveLabDir(root, "not-a-uuid"); err == nil {
		t.Error("RemoveLabDir() should reject non-uuid ids")
	}
}

func TestRemoveDirUnder(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "jail", "firecracker", "vm-1")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}

	if err := RemoveDirUnder(root, "jail", "firecracker", "vm-1"); err != nil {
		t.Fatalf("RemoveDirUnder() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory should be gone")
	}

	// Absent target is success, traversal elements are not.
	if err := RemoveDirUnder(root, "jail", "firecracker", "vm-1"); err != nil {
		t.Errorf("RemoveDirUnder() on missing dir error = %v", err)
	}
	if err := RemoveDirUnder(root, ".."); err == nil {
		t.Error("RemoveDirUnder() should reject parent references")
	}
}

func TestRemoveLabDir_RefusesSymlink(t *testing.T) {
	root := t.TempDir()
	victim := t.TempDir()
	labID := "8d5c7e5e-1b2a-4f3c-9d4e-5f6a7b8c9d0e"

	if err := os.WriteFile(filepath.Join(victim, "keep.txt"), []byte("keep"), 0644); err != nil {
		t.Fatalf("failed to write victim file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "labs"), 0755); err != nil {
		t.Fatalf("failed to create labs dir: %v", err)
	}
	if err := os.Symlink(victim, filepath.Join(root, "labs", "lab_"+labID)); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	if err := RemoveLabDir(root, labID); err == nil {
		t.Error("RemoveLabDir() should refuse a symlinked lab dir")
	}
	if _, err := os.Stat(filepath.Join(victim, "keep.txt")); err != nil {
		t.Error("symlink target must be untouched")
	}
}

func TestResolveUnder_NeverEscapes(t *testing.T) {
	// Whatever the elements, a successful resolution stays under base.
	base := "/srv/octolab"
	elems := [][]string{
		{"a"},
		{"a", "b", "c"},
		{"lab_x", "evidence"},
	}
	for _, e := range elems {
		got, err := ResolveUnder(base, e...)
		if err != nil {
			t.Fatalf("ResolveUnder(%v) error = %v", e, err)
		}
		if !strings.HasPrefix(got, base+"/") {
			t.Errorf("ResolveUnder(%v) = %q escapes base", e, got)
		}
	}
}
