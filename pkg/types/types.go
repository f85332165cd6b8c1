package types

import (
	"time"
)

// Lab represents a single disposable lab environment owned by one user.
type Lab struct {
	ID            string // UUIDv4, lowercase
	OwnerID       string // tenant key; rows are only ever visible to their owner
	RecipeID      string
	Status        LabStatus
	Runtime       RuntimeKind // stamped once at creation, never rewritten
	Port          int         // published host port, 0 = none allocated
	ConnectionURL string
	FailureReason string
	Intent        string // opaque request payload from the requesting service

	// RuntimeMeta carries redacted diagnostics (teardown counts, doctor
	// hints, failure context). Values must never contain secrets or
	// absolute host paths.
	RuntimeMeta map[string]string

	// Sealed credentials (AES-256-GCM). Never returned over the API.
	VNCPasswordEnc []byte
	LabTokenEnc    []byte

	Evidence Evidence

	// Teardown claim. A worker stamps these inside a single store
	// transaction; other workers skip rows with a live claim.
	ClaimOwner   string
	ClaimExpires time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time // lab TTL; GC moves expired READY/DEGRADED labs to ENDING
	FinishedAt time.Time // set exactly when entering a terminal state
}

// LabStatus represents the lifecycle state of a lab.
type LabStatus string

const (
	LabStatusRequested    LabStatus = "requested"
	LabStatusProvisioning LabStatus = "provisioning"
	LabStatusReady        LabStatus = "ready"
	LabStatusDegraded     LabStatus = "degraded"
	LabStatusEnding       LabStatus = "ending"
	LabStatusFinished     LabStatus = "finished"
	LabStatusFailed       LabStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s LabStatus) Terminal() bool {
	return s == LabStatusFinished || s == LabStatusFailed
}

// AllLabStatuses returns every lifecycle status in transition order.
func AllLabStatuses() []LabStatus {
	return []LabStatus{
		LabStatusRequested,
		LabStatusProvisioning,
		LabStatusReady,
		LabStatusDegraded,
		LabStatusEnding,
		LabStatusFinished,
		LabStatusFailed,
	}
}

// RuntimeKind identifies the backend a lab runs on.
type RuntimeKind string

const (
	RuntimeCompose RuntimeKind = "compose"
	RuntimeMicroVM RuntimeKind = "microvm"
	RuntimeNoop    RuntimeKind = "noop"
)

// AllRuntimeKinds returns every runtime backend kind.
func AllRuntimeKinds() []RuntimeKind {
	return []RuntimeKind{RuntimeCompose, RuntimeMicroVM, RuntimeNoop}
}

// Evidence tracks the forensic artifacts a lab leaves behind.
type Evidence struct {
	State        EvidenceState
	TerminalLogs int // terminal-log files found at finalization
	PcapFiles    int // packet captures found at finalization
	FinalizedAt  time.Time
	ExpiresAt    time.Time // retention deadline; purge eligible after this
	PurgedAt     time.Time
}

// EvidenceState describes artifact availability, decided once at
// finalization by counting what actually exists.
type EvidenceState string

const (
	// EvidencePending is the initial state before finalization runs.
	EvidencePending EvidenceState = "pending"

	// EvidenceReady means at least one terminal log AND one pcap exist.
	EvidenceReady EvidenceState = "ready"

	// EvidencePartial means exactly one artifact class exists.
	EvidencePartial EvidenceState = "partial"

	// EvidenceUnavailable means nothing usable exists, counting failed,
	// or retention purged the artifacts.
	EvidenceUnavailable EvidenceState = "unavailable"
)

// AllEvidenceStates returns every evidence state.
func AllEvidenceStates() []EvidenceState {
	return []EvidenceState{EvidencePending, EvidenceReady, EvidencePartial, EvidenceUnavailable}
}

// Recipe describes how to launch one lab scenario. The compose spec is
// authored and validated by the recipe registry; the core treats it as an
// opaque document and only checks that it parses.
type Recipe struct {
	ID          string
	Name        string
	ComposeSpec string // docker-compose document (compose runtime)

	// MicroVM overrides. Zero values fall back to configured defaults.
	KernelImage string
	RootfsImage string
	KernelArgs  string
	VCPUs       int
	MemoryMiB   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TeardownResult reports what a destroy attempt actually verified.
// Success must only be true when every resource class is confirmed gone.
type TeardownResult struct {
	Success             bool
	ContainersRemaining int
	NetworksRemaining   int
}

// Clean reports whether nothing was left behind.
func (r TeardownResult) Clean() bool {
	return r.Success && r.ContainersRemaining == 0 && r.NetworksRemaining == 0
}

// EvidenceEvent is one telemetry record ingested from a lab sensor.
type EvidenceEvent struct {
	Hash       string // SHA-256 of the canonical payload, dedup key
	LabID      string
	Type       string // e.g. "terminal.command", "net.flow"
	Container  string // source container or VM process, may be empty
	SessionID  string
	Message    string
	Data       map[string]string
	OccurredAt time.Time
	ReceivedAt time.Time
}

// DoctorReport is the outcome of a runtime preflight.
type DoctorReport struct {
	Runtime   RuntimeKind
	OK        bool // true when every FATAL check passed
	CheckedAt time.Time
	Checks    []DoctorCheck
}

// DoctorCheck is a single preflight probe result.
type DoctorCheck struct {
	Name     string
	Severity CheckSeverity
	OK       bool
	Detail   string
	Hint     string // operator remediation, empty when OK
}

// CheckSeverity classifies how a failed check affects readiness.
type CheckSeverity string

const (
	// SeverityFatal checks gate lab creation on this backend.
	SeverityFatal CheckSeverity = "fatal"

	// SeverityWarn checks are reported but do not block.
	SeverityWarn CheckSeverity = "warn"

	// SeverityInfo checks are purely informational.
	SeverityInfo CheckSeverity = "info"
)

// FailedFatal returns the names of FATAL checks that did not pass.
func (r *DoctorReport) FailedFatal() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Severity == SeverityFatal && !c.OK {
			names = append(names, c.Name)
		}
	}
	return names
}
