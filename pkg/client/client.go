package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/types"
)

// Client talks to the internal API on behalf of the CLI and other
// trusted tools. One method per operation, JSON both ways, the shared
// internal token on every request. Calls are bounded by the caller's
// context, not a client-wide timeout, because admin runs (watchdog,
// gc) legitimately take longer than lab reads.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the internal API at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

// APIError is a non-2xx response, decoded. Status drives CLI exit
// codes; Code is the server's error class.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Lab is the wire shape of a lab as the API renders it.
type Lab struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	RecipeID      string            `json:"recipe_id"`
	Status        types.LabStatus   `json:"status"`
	Runtime       types.RuntimeKind `json:"runtime"`
	Port          int               `json:"port,omitempty"`
	ConnectionURL string            `json:"connection_url,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	RuntimeMeta   map[string]string `json:"runtime_meta,omitempty"`
	Evidence      Evidence          `json:"evidence"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// Evidence is the evidence subrecord of a lab response.
type Evidence struct {
	State        types.EvidenceState `json:"state"`
	TerminalLogs int                 `json:"terminal_logs"`
	PcapFiles    int                 `json:"pcap_files"`
	FinalizedAt  *time.Time          `json:"finalized_at,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	PurgedAt     *time.Time          `json:"purged_at,omitempty"`
}

// RuntimeStatus reports the active backend selection.
type RuntimeStatus struct {
	Runtime    types.RuntimeKind `json:"runtime"`
	Overridden bool              `json:"overridden"`
}

// DoctorCheck is one preflight probe in a doctor report.
type DoctorCheck struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	OK       bool   `json:"ok"`
	Detail   string `json:"detail,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// DoctorReport is the wire shape of a preflight report.
type DoctorReport struct {
	Runtime   types.RuntimeKind `json:"runtime"`
	OK        bool              `json:"ok"`
	CheckedAt time.Time         `json:"checked_at"`
	Checks    []DoctorCheck     `json:"checks"`
}

// Health is the /healthz payload.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// RetentionRequest parameterizes a retention run.
type RetentionRequest struct {
	OlderThanHours int  `json:"older_than_hours,omitempty"`
	Execute        bool `json:"execute,omitempty"`
	Limit          int  `json:"limit,omitempty"`
}

// GCRequest parameterizes a garbage collection run.
type GCRequest struct {
	DryRun         bool `json:"dry_run,omitempty"`
	IncludeVolumes bool `json:"include_volumes,omitempty"`
}

// WatchdogRequest parameterizes a watchdog run.
type WatchdogRequest struct {
	LabID            string `json:"lab_id,omitempty"`
	OlderThanMinutes int    `json:"older_than_minutes,omitempty"`
	MaxLabs          int    `json:"max_labs,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	Action           string `json:"action,omitempty"`
}

// CreateLab requests a new lab for the owner.
func (c *Client) CreateLab(ctx context.Context, owner, recipeID, intent string) (*Lab, error) {
	body := map[string]string{"recipe_id": recipeID}
	if intent != "" {
		body["intent"] = intent
	}
	var lab Lab
	if err := c.do(ctx, http.MethodPost, "/internal/v1/labs", owner, body, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// GetLab reads one lab owned by owner.
func (c *Client) GetLab(ctx context.Context, owner, id string) (*Lab, error) {
	var lab Lab
	if err := c.do(ctx, http.MethodGet, "/internal/v1/labs/"+id, owner, nil, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// ListLabs reads the owner's labs, newest first.
func (c *Client) ListLabs(ctx context.Context, owner string) ([]*Lab, error) {
	var labs []*Lab
	if err := c.do(ctx, http.MethodGet, "/internal/v1/labs", owner, nil, &labs); err != nil {
		return nil, err
	}
	return labs, nil
}

// StopLab requests teardown of the owner's lab.
func (c *Client) StopLab(ctx context.Context, owner, id string) (*Lab, error) {
	var lab Lab
	if err := c.do(ctx, http.MethodPost, "/internal/v1/labs/"+id+"/stop", owner, nil, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// IngestEvents pushes a batch of sensor events for a lab.
func (c *Client) IngestEvents(ctx context.Context, labID string, batch []evidence.IngestEvent) (*evidence.IngestResult, error) {
	var result evidence.IngestResult
	err := c.do(ctx, http.MethodPost, "/internal/v1/labs/"+labID+"/events", "",
		map[string]any{"events": batch}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Runtime reads the active backend selection.
func (c *Client) Runtime(ctx context.Context) (*RuntimeStatus, error) {
	var status RuntimeStatus
	if err := c.do(ctx, http.MethodGet, "/internal/v1/runtime", "", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// OverrideRuntime switches the backend for new labs.
func (c *Client) OverrideRuntime(ctx context.Context, kind, actor string) (*RuntimeStatus, error) {
	var status RuntimeStatus
	err := c.do(ctx, http.MethodPost, "/internal/v1/runtime/override", "",
		map[string]string{"runtime": kind, "actor": actor}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Doctor fetches the preflight report, for kind when given, else for
// the active backend.
func (c *Client) Doctor(ctx context.Context, kind string) (*DoctorReport, error) {
	path := "/internal/v1/doctor"
	if kind != "" {
		path += "?runtime=" + kind
	}
	var report DoctorReport
	if err := c.do(ctx, http.MethodGet, path, "", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RunRetention triggers an evidence retention run.
func (c *Client) RunRetention(ctx context.Context, req RetentionRequest) (*evidence.RetentionReport, error) {
	var report evidence.RetentionReport
	if err := c.do(ctx, http.MethodPost, "/internal/v1/retention", "", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RunGC triggers a garbage collection run.
func (c *Client) RunGC(ctx context.Context, req GCRequest) (*evidence.GCReport, error) {
	var report evidence.GCReport
	if err := c.do(ctx, http.MethodPost, "/internal/v1/gc", "", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RunWatchdog triggers a watchdog run against stuck teardowns.
func (c *Client) RunWatchdog(ctx context.Context, req WatchdogRequest) (*reconciler.WatchdogReport, error) {
	var report reconciler.WatchdogReport
	if err := c.do(ctx, http.MethodPost, "/internal/v1/watchdog", "", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Healthz reads the liveness probe, which needs no token.
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/healthz", "", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path, owner string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	return apiErr
}
