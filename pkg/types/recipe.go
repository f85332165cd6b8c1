package types

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeDocument is the slice of a compose file the registry checks.
// Everything below the service names stays opaque.
type composeDocument struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// Validate checks that a recipe is well-formed enough to provision from:
// the compose spec must parse and declare at least one service, and the
// microVM sizing overrides must be sane. Content beyond that is the
// recipe author's business.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("recipe id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("recipe name is required")
	}

	if r.ComposeSpec != "" {
		var doc composeDocument
		if err := yaml.Unmarshal([]byte(r.ComposeSpec), &doc); err != nil {
			return fmt.Errorf("compose spec does not parse: %w", err)
		}
		if len(doc.Services) == 0 {
			return errors.New("compose spec declares no services")
		}
	}

	if r.VCPUs < 0 {
		return fmt.Errorf("vcpus %d must not be negative", r.VCPUs)
	}
	if r.MemoryMiB < 0 {
		return fmt.Errorf("memory %d MiB must not be negative", r.MemoryMiB)
	}
	if r.MemoryMiB > 0 && r.MemoryMiB < 64 {
		return fmt.Errorf("memory %d MiB is below the 64 MiB floor", r.MemoryMiB)
	}

	return nil
}
