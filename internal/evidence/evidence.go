// Package evidence builds the normalized, read-only projections that go
// into an audit pack bundle. Builders filter to one tenant, canonicalize
// timestamps, and sort deterministically; they never mutate their inputs
// and their output is never persisted.
package evidence

import (
	"sort"

	"timevault/api/internal/lineage"
	"timevault/api/internal/store"
)

// Timeline source types, in fixed precedence order for same-instant events:
// the record event happened before the human action that followed it, which
// happened before the immutable log observed it.
const (
	SourceEntry    = "entry"
	SourceApproval = "approval"
	SourceAuditLog = "audit_log"
)

var sourceRank = map[string]int{
	SourceEntry:    0,
	SourceApproval: 1,
	SourceAuditLog: 2,
}

// EntryChainItem is one normalized time entry with its correction links.
type EntryChainItem struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organizationId"`
	UserID          string `json:"userId"`
	ProjectID       string `json:"projectId,omitempty"`
	StartedAt       string `json:"startedAt"`
	EndedAt         string `json:"endedAt,omitempty"`
	DurationMinutes int    `json:"durationMinutes"`
	Note            string `json:"note,omitempty"`
	Status          string `json:"status"`
	PreviousEntryID string `json:"previousEntryId,omitempty"`
	ReplacesEntryID string `json:"replacesEntryId,omitempty"`
	SupersededByID  string `json:"supersededById,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

// ApprovalItem is one normalized approval decision.
type ApprovalItem struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	EntryID        string `json:"entryId"`
	ApproverID     string `json:"approverId"`
	Decision       string `json:"decision"`
	Comment        string `json:"comment,omitempty"`
	DecidedAt      string `json:"decidedAt"`
}

// TimelineEvent is one merged event on the audit timeline.
type TimelineEvent struct {
	OccurredAt     string `json:"occurredAt"`
	Source         string `json:"source"`
	EventID        string `json:"eventId"`
	EntryID        string `json:"entryId"`
	ActorID        string `json:"actorId,omitempty"`
	Action         string `json:"action"`
	OrganizationID string `json:"organizationId"`
}

// CorrectionNode is the link metadata of one closure member, with a marker
// for entries pulled in only via lineage expansion.
type CorrectionNode struct {
	ID              string `json:"id"`
	PreviousEntryID string `json:"previousEntryId,omitempty"`
	ReplacesEntryID string `json:"replacesEntryId,omitempty"`
	SupersededByID  string `json:"supersededById,omitempty"`
	Expanded        bool   `json:"expanded"`
}

// BuildEntryChain normalizes time entries for the bundle, dropping any
// entry outside the given organization. Sorted by canonical start
// timestamp, then id.
func BuildEntryChain(entries []store.TimeEntry, organizationID string) []EntryChainItem {
	items := make([]EntryChainItem, 0, len(entries))
	for _, e := range entries {
		if e.OrganizationID != organizationID {
			continue
		}
		item := EntryChainItem{
			ID:              e.ID,
			OrganizationID:  e.OrganizationID,
			UserID:          e.UserID,
			ProjectID:       e.ProjectID,
			StartedAt:       FormatTime(e.StartedAt),
			DurationMinutes: e.DurationMinutes,
			Note:            e.Note,
			Status:          e.Status,
			PreviousEntryID: deref(e.PreviousEntryID),
			ReplacesEntryID: deref(e.ReplacesEntryID),
			SupersededByID:  deref(e.SupersededByID),
			CreatedAt:       FormatTime(e.CreatedAt),
		}
		if e.EndedAt != nil {
			item.EndedAt = FormatTime(*e.EndedAt)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartedAt != items[j].StartedAt {
			return items[i].StartedAt < items[j].StartedAt
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// BuildApprovals normalizes approval decisions for the bundle. Sorted by
// canonical decision timestamp, then id.
func BuildApprovals(approvals []store.ApprovalEvent, organizationID string) []ApprovalItem {
	items := make([]ApprovalItem, 0, len(approvals))
	for _, a := range approvals {
		if a.OrganizationID != organizationID {
			continue
		}
		items = append(items, ApprovalItem{
			ID:             a.ID,
			OrganizationID: a.OrganizationID,
			EntryID:        a.EntryID,
			ApproverID:     a.ApproverID,
			Decision:       a.Decision,
			Comment:        a.Comment,
			DecidedAt:      FormatTime(a.DecidedAt),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DecidedAt != items[j].DecidedAt {
			return items[i].DecidedAt < items[j].DecidedAt
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// BuildTimeline normalizes merged timeline events for the bundle. Sorted by
// canonical timestamp, then source precedence (entry before approval before
// audit_log), then event id.
func BuildTimeline(events []TimelineEvent, organizationID string) []TimelineEvent {
	items := make([]TimelineEvent, 0, len(events))
	for _, ev := range events {
		if ev.OrganizationID != organizationID {
			continue
		}
		ev.OccurredAt = CanonicalTimestamp(ev.OccurredAt)
		items = append(items, ev)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].OccurredAt != items[j].OccurredAt {
			return items[i].OccurredAt < items[j].OccurredAt
		}
		if sourceRank[items[i].Source] != sourceRank[items[j].Source] {
			return sourceRank[items[i].Source] < sourceRank[items[j].Source]
		}
		return items[i].EventID < items[j].EventID
	})
	return items
}

// BuildCorrectionNodes projects the closure's node set into bundle form,
// sorted by id. Every closure id must be present in nodes; the orchestrator
// verifies that before assembly.
func BuildCorrectionNodes(closure lineage.Closure, nodes map[string]lineage.Node) []CorrectionNode {
	expanded := make(map[string]bool, len(closure.ExpandedOutsideRange))
	for _, id := range closure.ExpandedOutsideRange {
		expanded[id] = true
	}
	items := make([]CorrectionNode, 0, len(closure.NodeIDs))
	for _, id := range closure.NodeIDs {
		node := nodes[id]
		items = append(items, CorrectionNode{
			ID:              id,
			PreviousEntryID: node.PreviousEntryID,
			ReplacesEntryID: node.ReplacesEntryID,
			SupersededByID:  node.SupersededByID,
			Expanded:        expanded[id],
		})
	}
	return items
}

// EntryTimelineEvents maps time entries onto the timeline at their recorded
// creation instant.
func EntryTimelineEvents(entries []store.TimeEntry) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, TimelineEvent{
			OccurredAt:     FormatTime(e.CreatedAt),
			Source:         SourceEntry,
			EventID:        e.ID,
			EntryID:        e.ID,
			ActorID:        e.UserID,
			Action:         "entry_recorded",
			OrganizationID: e.OrganizationID,
		})
	}
	return events
}

// ApprovalTimelineEvents maps approval decisions onto the timeline.
func ApprovalTimelineEvents(approvals []store.ApprovalEvent) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(approvals))
	for _, a := range approvals {
		events = append(events, TimelineEvent{
			OccurredAt:     FormatTime(a.DecidedAt),
			Source:         SourceApproval,
			EventID:        a.ID,
			EntryID:        a.EntryID,
			ActorID:        a.ApproverID,
			Action:         "approval_" + a.Decision,
			OrganizationID: a.OrganizationID,
		})
	}
	return events
}

// AuditLogTimelineEvents maps audit log rows onto the timeline. OccurredAt
// is carried raw; BuildTimeline canonicalizes it best-effort.
func AuditLogTimelineEvents(logEvents []store.AuditLogEvent) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(logEvents))
	for _, ev := range logEvents {
		events = append(events, TimelineEvent{
			OccurredAt:     ev.OccurredAt,
			Source:         SourceAuditLog,
			EventID:        ev.ID,
			EntryID:        ev.EntryID,
			ActorID:        ev.ActorID,
			Action:         ev.Action,
			OrganizationID: ev.OrganizationID,
		})
	}
	return events
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
