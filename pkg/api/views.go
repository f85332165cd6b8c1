package api

import (
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// labView is the wire shape of a lab. Sealed credentials and teardown
// claim internals never leave the process; what remains is safe for the
// lab's own tenant.
type labView struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	RecipeID      string            `json:"recipe_id"`
	Status        types.LabStatus   `json:"status"`
	Runtime       types.RuntimeKind `json:"runtime"`
	Port          int               `json:"port,omitempty"`
	ConnectionURL string            `json:"connection_url,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	RuntimeMeta   map[string]string `json:"runtime_meta,omitempty"`
	Evidence      evidenceView      `json:"evidence"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

type evidenceView struct {
	State        types.EvidenceState `json:"state"`
	TerminalLogs int                 `json:"terminal_logs"`
	PcapFiles    int                 `json:"pcap_files"`
	FinalizedAt  *time.Time          `json:"finalized_at,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	PurgedAt     *time.Time          `json:"purged_at,omitempty"`
}

func viewLab(lab *types.Lab) labView {
	return labView{
		ID:            lab.ID,
		OwnerID:       lab.OwnerID,
		RecipeID:      lab.RecipeID,
		Status:        lab.Status,
		Runtime:       lab.Runtime,
		Port:          lab.Port,
		ConnectionURL: lab.ConnectionURL,
		FailureReason: lab.FailureReason,
		RuntimeMeta:   lab.RuntimeMeta,
		Evidence: evidenceView{
			State:        lab.Evidence.State,
			TerminalLogs: lab.Evidence.TerminalLogs,
			PcapFiles:    lab.Evidence.PcapFiles,
			FinalizedAt:  timePtr(lab.Evidence.FinalizedAt),
			ExpiresAt:    timePtr(lab.Evidence.ExpiresAt),
			PurgedAt:     timePtr(lab.Evidence.PurgedAt),
		},
		CreatedAt:  lab.CreatedAt,
		UpdatedAt:  lab.UpdatedAt,
		ExpiresAt:  lab.ExpiresAt,
		FinishedAt: timePtr(lab.FinishedAt),
	}
}

func viewLabs(labs []*types.Lab) []labView {
	views := make([]labView, len(labs))
	for i, lab := range labs {
		views[i] = viewLab(lab)
	}
	return views
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// runtimeView reports the active backend selection.
type runtimeView struct {
	Runtime    types.RuntimeKind `json:"runtime"`
	Overridden bool              `json:"overridden"`
}

type doctorCheckView struct {
	Name     string              `json:"name"`
	Severity types.CheckSeverity `json:"severity"`
	OK       bool                `json:"ok"`
	Detail   string              `json:"detail,omitempty"`
	Hint     string              `json:"hint,omitempty"`
}

type doctorView struct {
	Runtime   types.RuntimeKind `json:"runtime"`
	OK        bool              `json:"ok"`
	CheckedAt time.Time         `json:"checked_at"`
	Checks    []doctorCheckView `json:"checks"`
}

func viewDoctor(report *types.DoctorReport) doctorView {
	checks := make([]doctorCheckView, len(report.Checks))
	for i, c := range report.Checks {
		checks[i] = doctorCheckView{
			Name:     c.Name,
			Severity: c.Severity,
			OK:       c.OK,
			Detail:   c.Detail,
			Hint:     c.Hint,
		}
	}
	return doctorView{
		Runtime:   report.Runtime,
		OK:        report.OK,
		CheckedAt: report.CheckedAt,
		Checks:    checks,
	}
}
