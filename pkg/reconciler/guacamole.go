package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/types"
)

// deprovisionTimeout bounds the remote-desktop deregistration call. The
// gateway being down must never hold a teardown hostage.
const deprovisionTimeout = 10 * time.Second

// Deprovisioner removes a lab's remote-desktop registration before the
// backend resources are destroyed. Implementations must tolerate labs
// that were never registered.
type Deprovisioner interface {
	Deprovision(ctx context.Context, lab *types.Lab) error
}

// NewDeprovisioner returns the deprovisioner for the configured gateway.
// Without a gateway URL every call is a no-op.
func NewDeprovisioner(cfg *config.Config) Deprovisioner {
	if cfg.GuacamoleURL == "" {
		return noopDeprovisioner{}
	}
	return &guacDeprovisioner{
		baseURL: strings.TrimRight(cfg.GuacamoleURL, "/"),
		token:   cfg.InternalToken,
		client:  &http.Client{Timeout: deprovisionTimeout},
	}
}

type noopDeprovisioner struct{}

func (noopDeprovisioner) Deprovision(ctx context.Context, lab *types.Lab) error { return nil }

// guacDeprovisioner deregisters lab connections over the gateway's
// internal API. A 404 counts as success: the connection is gone either
// way.
type guacDeprovisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

func (g *guacDeprovisioner) Deprovision(ctx context.Context, lab *types.Lab) error {
	url := fmt.Sprintf("%s/internal/labs/%s", g.baseURL, lab.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return fmt.Errorf("guacamole deprovision returned status %d", resp.StatusCode)
}
