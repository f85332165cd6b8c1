package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecipe() *Recipe {
	return &Recipe{
		ID:   "apache-v1",
		Name: "Apache intro",
		ComposeSpec: "services:\n" +
			"  desktop:\n" +
			"    image: octolab/desktop:1\n",
	}
}

func TestRecipeValidateAcceptsCompleteRecipe(t *testing.T) {
	require.NoError(t, validRecipe().Validate())
}

func TestRecipeValidateAcceptsMicroVMOnlyRecipe(t *testing.T) {
	// No compose spec at all: the microvm runtime provisions from images.
	r := &Recipe{
		ID:          "forensics-vm",
		Name:        "Forensics workstation",
		KernelImage: "/var/lib/octolab/images/vmlinux",
		RootfsImage: "/var/lib/octolab/images/rootfs.ext4",
		VCPUs:       2,
		MemoryMiB:   1024,
	}
	require.NoError(t, r.Validate())
}

func TestRecipeValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Recipe)
		wantErr string
	}{
		{
			name:    "missing id",
			mutate:  func(r *Recipe) { r.ID = "  " },
			wantErr: "recipe id is required",
		},
		{
			name:    "missing name",
			mutate:  func(r *Recipe) { r.Name = "" },
			wantErr: "recipe name is required",
		},
		{
			name:    "compose spec is not yaml",
			mutate:  func(r *Recipe) { r.ComposeSpec = "services: [unclosed" },
			wantErr: "compose spec does not parse",
		},
		{
			name:    "compose spec without services",
			mutate:  func(r *Recipe) { r.ComposeSpec = "version: \"3\"\n" },
			wantErr: "declares no services",
		},
		{
			name:    "compose services empty",
			mutate:  func(r *Recipe) { r.ComposeSpec = "services: {}\n" },
			wantErr: "declares no services",
		},
		{
			name:    "negative vcpus",
			mutate:  func(r *Recipe) { r.VCPUs = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "memory below floor",
			mutate:  func(r *Recipe) { r.MemoryMiB = 32 },
			wantErr: "below the 64 MiB floor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecipe()
			tt.mutate(r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
