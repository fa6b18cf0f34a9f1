package store

import "time"

// Audit pack request lifecycle. Transitions only move forward through the
// generation stages, or jump to failed from any in-flight state.
const (
	StatusRequested        = "requested"
	StatusCollecting       = "collecting"
	StatusLineageExpanding = "lineage_expanding"
	StatusAssembling       = "assembling"
	StatusHardening        = "hardening"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// AuditPackRequest identifies one audit pack generation attempt over an
// inclusive UTC-day date range.
type AuditPackRequest struct {
	ID             string
	OrganizationID string
	RequestedByID  string
	StartDate      time.Time
	EndDate        time.Time
	Status         string
	ErrorCode      string
	ErrorMessage   string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// AuditPackArtifact is the one-to-one result of a successful generation,
// upserted keyed on RequestID once hardening succeeds.
type AuditPackArtifact struct {
	RequestID            string
	AuditExportPackageID string
	S3Key                string
	EntryCount           int
	CorrectionNodeCount  int
	ApprovalEventCount   int
	TimelineEventCount   int
	ExpandedNodeCount    int
	CreatedAt            time.Time
}

// AuditExportPackage is the hardened package written by the hardening step:
// content digest plus write-once storage location.
type AuditExportPackage struct {
	ID             string
	OrganizationID string
	RequestedByID  string
	ExportType     string
	S3Key          string
	SHA256         string
	SizeBytes      int64
	CreatedAt      time.Time
}

// TimeEntry is a tracked work record. The three optional link fields form
// the correction graph: PreviousEntryID points at the prior version in an
// edit chain, ReplacesEntryID at the entry this one supersedes via
// correction, SupersededByID at the entry that later superseded this one.
type TimeEntry struct {
	ID              string
	OrganizationID  string
	UserID          string
	ProjectID       string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationMinutes int
	Note            string
	Status          string
	PreviousEntryID *string
	ReplacesEntryID *string
	SupersededByID  *string
	CreatedAt       time.Time
}

// ApprovalEvent is one approval decision over a time entry.
type ApprovalEvent struct {
	ID             string
	OrganizationID string
	EntryID        string
	ApproverID     string
	Decision       string
	Comment        string
	DecidedAt      time.Time
}

// AuditLogEvent is one row of the append-only audit log. OccurredAt is
// stored verbatim as reported by the recording client; it is canonicalized
// best-effort at bundle time, never rewritten in place.
type AuditLogEvent struct {
	ID             string
	OrganizationID string
	EntryID        string
	ActorID        string
	Action         string
	OccurredAt     string
}

// OrganizationMember links a user to an organization with a role.
type OrganizationMember struct {
	OrganizationID string
	UserID         string
	Role           string
	CreatedAt      time.Time
}
