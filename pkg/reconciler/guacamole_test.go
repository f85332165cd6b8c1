package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/types"
)

func TestDeprovisionerWithoutGatewayIsNoop(t *testing.T) {
	dep := NewDeprovisioner(&config.Config{})
	err := dep.Deprovision(context.Background(), &types.Lab{ID: uuid.New().String()})
	assert.NoError(t, err)
}

func TestGuacDeprovisionerDeletesConnection(t *testing.T) {
	lab := &types.Lab{ID: uuid.New().String()}

	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dep := NewDeprovisioner(&config.Config{
		GuacamoleURL:  srv.URL,
		InternalToken: "gateway-secret-token",
	})
	require.NoError(t, dep.Deprovision(context.Background(), lab))

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/internal/labs/"+lab.ID, gotPath)
	assert.Equal(t, "Bearer gateway-secret-token", gotAuth)
}

func TestGuacDeprovisionerTreatsMissingAsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dep := NewDeprovisioner(&config.Config{GuacamoleURL: srv.URL, InternalToken: "t0000000000000000"})
	assert.NoError(t, dep.Deprovision(context.Background(), &types.Lab{ID: uuid.New().String()}))
}

func TestGuacDeprovisionerSurfacesGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dep := NewDeprovisioner(&config.Config{GuacamoleURL: srv.URL, InternalToken: "t0000000000000000"})
	err := dep.Deprovision(context.Background(), &types.Lab{ID: uuid.New().String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
