// Package bundle assembles the audit pack archive. The archive is the
// durable contract a third-party verifier relies on: for identical logical
// content the emitted bytes are identical, so a recomputed digest matches
// the one recorded at hardening time.
package bundle

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"timevault/api/internal/evidence"
)

// Scope describes what the pack covers. It contains no wall-clock values;
// regenerating the same request yields the same scope bytes.
type Scope struct {
	RequestID        string   `json:"requestId"`
	OrganizationID   string   `json:"organizationId"`
	StartDate        string   `json:"startDate"`
	EndDate          string   `json:"endDate"`
	EntryCount       int      `json:"entryCount"`
	ExpandedEntryIDs []string `json:"expandedEntryIds"`
	EarliestEntryAt  string   `json:"earliestEntryAt,omitempty"`
	LatestEntryAt    string   `json:"latestEntryAt,omitempty"`
}

// Archive member timestamps are pinned to the zip format epoch. A current
// timestamp would make every run produce different bytes.
var fixedModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Assemble produces the audit pack archive from normalized evidence. It
// performs no business validation; an empty evidence set still produces a
// complete archive with all seven member files.
func Assemble(
	entries []evidence.EntryChainItem,
	corrections []evidence.CorrectionNode,
	approvals []evidence.ApprovalItem,
	timeline []evidence.TimelineEvent,
	scope Scope,
) ([]byte, error) {
	files := make(map[string][]byte, 7)

	for path, value := range map[string]any{
		"evidence/entries.json":        emptyAsList(len(entries), entries),
		"evidence/corrections.json":    emptyAsList(len(corrections), corrections),
		"evidence/approvals.json":      emptyAsList(len(approvals), approvals),
		"evidence/audit-timeline.json": emptyAsList(len(timeline), timeline),
		"meta/scope.json":              scope,
	} {
		encoded, err := MarshalCanonical(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		files[path] = encoded
	}
	files["views/entries.csv"] = entriesCSV(entries)
	files["views/approvals.csv"] = approvalsCSV(approvals)

	return writeArchive(files)
}

// writeArchive writes members in lexicographic path order with a fixed
// modification time and a fixed compression method and level.
func writeArchive(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, path := range paths {
		member, err := w.CreateHeader(&zip.FileHeader{
			Name:     path,
			Method:   zip.Deflate,
			Modified: fixedModTime,
		})
		if err != nil {
			return nil, fmt.Errorf("create archive member %s: %w", path, err)
		}
		if _, err := member.Write(files[path]); err != nil {
			return nil, fmt.Errorf("write archive member %s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func entriesCSV(entries []evidence.EntryChainItem) []byte {
	sorted := append([]evidence.EntryChainItem(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	header := []string{
		"id", "user_id", "project_id", "started_at", "ended_at",
		"duration_minutes", "status", "note",
		"previous_entry_id", "replaces_entry_id", "superseded_by_id",
	}
	rows := make([][]string, 0, len(sorted))
	for _, e := range sorted {
		rows = append(rows, []string{
			e.ID, e.UserID, e.ProjectID, e.StartedAt, e.EndedAt,
			strconv.Itoa(e.DurationMinutes), e.Status, e.Note,
			e.PreviousEntryID, e.ReplacesEntryID, e.SupersededByID,
		})
	}
	return csvDocument(header, rows)
}

func approvalsCSV(approvals []evidence.ApprovalItem) []byte {
	sorted := append([]evidence.ApprovalItem(nil), approvals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	header := []string{"id", "entry_id", "approver_id", "decision", "comment", "decided_at"}
	rows := make([][]string, 0, len(sorted))
	for _, a := range sorted {
		rows = append(rows, []string{a.ID, a.EntryID, a.ApproverID, a.Decision, a.Comment, a.DecidedAt})
	}
	return csvDocument(header, rows)
}

// emptyAsList keeps zero-length evidence serializing as [] rather than null.
func emptyAsList(n int, v any) any {
	if n == 0 {
		return []any{}
	}
	return v
}
