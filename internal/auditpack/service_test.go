package auditpack

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"timevault/api/internal/store"
)

type failCall struct {
	code    string
	message string
}

type fakeStore struct {
	request        store.AuditPackRequest
	getRequestErr  error
	entriesInRange []store.TimeEntry
	entriesByID    map[string]store.TimeEntry
	approvals      []store.ApprovalEvent
	logEvents      []store.AuditLogEvent

	setStatusErr   map[string]error
	listInRangeErr error
	listByIDsErr   error
	approvalsErr   error
	logEventsErr   error
	upsertErr      error

	statusWrites []string
	failCalls    []failCall
	artifacts    []store.AuditPackArtifact
	byIDsQueries [][]string
}

func (f *fakeStore) GetAuditPackRequest(ctx context.Context, requestID, organizationID string) (store.AuditPackRequest, error) {
	if f.getRequestErr != nil {
		return store.AuditPackRequest{}, f.getRequestErr
	}
	return f.request, nil
}

func (f *fakeStore) SetAuditPackStatus(ctx context.Context, requestID, organizationID, status string) error {
	if err := f.setStatusErr[status]; err != nil {
		return err
	}
	f.statusWrites = append(f.statusWrites, status)
	return nil
}

func (f *fakeStore) FailAuditPackRequest(ctx context.Context, requestID, organizationID, code, message string) error {
	f.failCalls = append(f.failCalls, failCall{code: code, message: message})
	return nil
}

func (f *fakeStore) UpsertAuditPackArtifact(ctx context.Context, artifact store.AuditPackArtifact) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.artifacts = append(f.artifacts, artifact)
	return nil
}

func (f *fakeStore) ListTimeEntriesInRange(ctx context.Context, organizationID string, start, endExclusive time.Time) ([]store.TimeEntry, error) {
	if f.listInRangeErr != nil {
		return nil, f.listInRangeErr
	}
	return f.entriesInRange, nil
}

func (f *fakeStore) ListTimeEntriesByIDs(ctx context.Context, organizationID string, ids []string) ([]store.TimeEntry, error) {
	if f.listByIDsErr != nil {
		return nil, f.listByIDsErr
	}
	f.byIDsQueries = append(f.byIDsQueries, ids)
	entries := make([]store.TimeEntry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := f.entriesByID[id]; ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (f *fakeStore) ListApprovalEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]store.ApprovalEvent, error) {
	if f.approvalsErr != nil {
		return nil, f.approvalsErr
	}
	return f.approvals, nil
}

func (f *fakeStore) ListAuditLogEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]store.AuditLogEvent, error) {
	if f.logEventsErr != nil {
		return nil, f.logEventsErr
	}
	return f.logEvents, nil
}

type fakeHardener struct {
	input  HardenInput
	calls  int
	result HardenResult
	err    error
}

func (f *fakeHardener) HardenExport(ctx context.Context, input HardenInput) (HardenResult, error) {
	f.calls++
	f.input = input
	if f.err != nil {
		return HardenResult{}, f.err
	}
	return f.result, nil
}

func ref(s string) *string { return &s }

func testRequest() store.AuditPackRequest {
	return store.AuditPackRequest{
		ID:             "apr_1",
		OrganizationID: "org_1",
		RequestedByID:  "u_admin",
		StartDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:         store.StatusRequested,
	}
}

func entryAt(id string, day int) store.TimeEntry {
	at := time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC)
	return store.TimeEntry{
		ID:             id,
		OrganizationID: "org_1",
		UserID:         "u1",
		StartedAt:      at,
		CreatedAt:      at,
		Status:         "active",
	}
}

func newTestService(fs *fakeStore, fh *fakeHardener) *Service {
	return New(fs, fh, zerolog.Nop())
}

func TestGenerateSuccessPath(t *testing.T) {
	inRange := entryAt("te_new", 10)
	inRange.ReplacesEntryID = ref("te_old")
	outOfRange := store.TimeEntry{
		ID:             "te_old",
		OrganizationID: "org_1",
		UserID:         "u1",
		StartedAt:      time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
		Status:         "superseded",
		SupersededByID: ref("te_new"),
	}
	fs := &fakeStore{
		request:        testRequest(),
		entriesInRange: []store.TimeEntry{inRange},
		entriesByID:    map[string]store.TimeEntry{"te_old": outOfRange},
		approvals: []store.ApprovalEvent{
			{ID: "ap_1", OrganizationID: "org_1", EntryID: "te_new", ApproverID: "mgr", Decision: "approved", DecidedAt: time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)},
		},
		logEvents: []store.AuditLogEvent{
			{ID: "al_1", OrganizationID: "org_1", EntryID: "te_new", ActorID: "u1", Action: "entry_corrected", OccurredAt: "2026-03-10T09:05:00Z"},
		},
	}
	fh := &fakeHardener{result: HardenResult{AuditPackageID: "aep_9", S3Key: "audit-packs/org_1/apr_1.zip"}}

	if err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	wantStatuses := []string{
		store.StatusCollecting,
		store.StatusLineageExpanding,
		store.StatusAssembling,
		store.StatusHardening,
		store.StatusCompleted,
	}
	if !reflect.DeepEqual(fs.statusWrites, wantStatuses) {
		t.Errorf("status writes = %v, want %v", fs.statusWrites, wantStatuses)
	}
	if len(fs.failCalls) != 0 {
		t.Errorf("unexpected failRequest calls: %+v", fs.failCalls)
	}
	if len(fs.artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d", len(fs.artifacts))
	}

	artifact := fs.artifacts[0]
	if artifact.RequestID != "apr_1" || artifact.AuditExportPackageID != "aep_9" {
		t.Errorf("artifact identity wrong: %+v", artifact)
	}
	if artifact.EntryCount != 2 || artifact.CorrectionNodeCount != 2 {
		t.Errorf("entry/correction counts wrong: %+v", artifact)
	}
	if artifact.ApprovalEventCount != 1 || artifact.ExpandedNodeCount != 1 {
		t.Errorf("approval/expanded counts wrong: %+v", artifact)
	}
	// Two entry events, one approval, one audit log row.
	if artifact.TimelineEventCount != 4 {
		t.Errorf("timeline count = %d, want 4", artifact.TimelineEventCount)
	}

	if fh.calls != 1 {
		t.Fatalf("hardener called %d times", fh.calls)
	}
	if fh.input.ExportType != ExportType || fh.input.RequestedByID != "u_admin" {
		t.Errorf("harden input wrong: %+v", fh.input)
	}
	if _, err := zip.NewReader(bytes.NewReader(fh.input.Archive), int64(len(fh.input.Archive))); err != nil {
		t.Errorf("hardener did not receive a readable archive: %v", err)
	}
}

func TestGenerateRequestNotFound(t *testing.T) {
	fs := &fakeStore{getRequestErr: store.ErrRequestNotFound}
	fh := &fakeHardener{}

	err := newTestService(fs, fh).Generate(context.Background(), "apr_missing", "org_1")

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeRequestNotFound {
		t.Fatalf("expected %s, got %v", CodeRequestNotFound, err)
	}
	if len(fs.failCalls) != 1 || fs.failCalls[0].code != CodeRequestNotFound {
		t.Errorf("failRequest calls = %+v", fs.failCalls)
	}
}

func TestGenerateScopeInvalid(t *testing.T) {
	req := testRequest()
	req.StartDate, req.EndDate = req.EndDate, req.StartDate
	fs := &fakeStore{request: req}
	fh := &fakeHardener{}

	err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1")

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeScopeInvalid {
		t.Fatalf("expected %s, got %v", CodeScopeInvalid, err)
	}
	if len(fs.artifacts) != 0 {
		t.Error("no artifact may be stored on failure")
	}
}

func TestGenerateLineageBroken(t *testing.T) {
	entry := entryAt("te_new", 10)
	entry.PreviousEntryID = ref("te_vanished")
	fs := &fakeStore{
		request:        testRequest(),
		entriesInRange: []store.TimeEntry{entry},
		entriesByID:    map[string]store.TimeEntry{},
	}
	fh := &fakeHardener{}

	err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1")

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeLineageBroken {
		t.Fatalf("expected %s, got %v", CodeLineageBroken, err)
	}
	if len(fs.failCalls) != 1 || fs.failCalls[0].code != CodeLineageBroken {
		t.Errorf("failRequest calls = %+v", fs.failCalls)
	}
	if fh.calls != 0 {
		t.Error("hardener must not run after a lineage failure")
	}
}

func TestGenerateResolvesMultiHopLineage(t *testing.T) {
	// te_c (in range) -> te_b -> te_a, each hop discovered in its own
	// resolution round.
	c := entryAt("te_c", 10)
	c.PreviousEntryID = ref("te_b")
	b := entryAt("te_b", 10)
	b.StartedAt = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	b.PreviousEntryID = ref("te_a")
	a := entryAt("te_a", 10)
	a.StartedAt = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	fs := &fakeStore{
		request:        testRequest(),
		entriesInRange: []store.TimeEntry{c},
		entriesByID:    map[string]store.TimeEntry{"te_a": a, "te_b": b},
	}
	fh := &fakeHardener{result: HardenResult{AuditPackageID: "aep_1", S3Key: "k"}}

	if err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	wantQueries := [][]string{{"te_b"}, {"te_a"}}
	if !reflect.DeepEqual(fs.byIDsQueries, wantQueries) {
		t.Errorf("resolution batches = %v, want %v", fs.byIDsQueries, wantQueries)
	}
	if fs.artifacts[0].EntryCount != 3 || fs.artifacts[0].ExpandedNodeCount != 2 {
		t.Errorf("counts wrong: %+v", fs.artifacts[0])
	}
}

func TestGenerateFailurePathPerStage(t *testing.T) {
	boom := errors.New("db connection reset")

	tests := []struct {
		name     string
		mutate   func(*fakeStore, *fakeHardener)
		wantCode string
	}{
		{"collect fails", func(fs *fakeStore, fh *fakeHardener) { fs.listInRangeErr = boom }, CodeGenerationFailed},
		{"resolution query fails", func(fs *fakeStore, fh *fakeHardener) { fs.listByIDsErr = boom }, CodeGenerationFailed},
		{"approvals query fails", func(fs *fakeStore, fh *fakeHardener) { fs.approvalsErr = boom }, CodeGenerationFailed},
		{"audit log query fails", func(fs *fakeStore, fh *fakeHardener) { fs.logEventsErr = boom }, CodeGenerationFailed},
		{"hardener fails", func(fs *fakeStore, fh *fakeHardener) { fh.err = boom }, CodeGenerationFailed},
		{"artifact upsert fails", func(fs *fakeStore, fh *fakeHardener) { fs.upsertErr = boom }, CodeGenerationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := entryAt("te_new", 10)
			entry.ReplacesEntryID = ref("te_old")
			old := entryAt("te_old", 10)
			old.StartedAt = time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
			fs := &fakeStore{
				request:        testRequest(),
				entriesInRange: []store.TimeEntry{entry},
				entriesByID:    map[string]store.TimeEntry{"te_old": old},
			}
			fh := &fakeHardener{result: HardenResult{AuditPackageID: "aep_1", S3Key: "k"}}
			tt.mutate(fs, fh)

			err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1")

			if !errors.Is(err, boom) {
				t.Fatalf("expected underlying error to propagate, got %v", err)
			}
			if len(fs.failCalls) != 1 {
				t.Fatalf("failRequest calls = %d, want 1", len(fs.failCalls))
			}
			if fs.failCalls[0].code != tt.wantCode {
				t.Errorf("fail code = %s, want %s", fs.failCalls[0].code, tt.wantCode)
			}
			for _, status := range fs.statusWrites {
				if status == store.StatusCompleted {
					t.Error("completed must never be written on failure")
				}
			}
			if len(fs.artifacts) != 0 {
				t.Error("no artifact may be stored on failure")
			}
		})
	}
}

func TestGenerateStatusWriteFailureStillFailsRequest(t *testing.T) {
	boom := errors.New("write refused")
	fs := &fakeStore{
		request:      testRequest(),
		setStatusErr: map[string]error{store.StatusAssembling: boom},
	}
	fh := &fakeHardener{}

	err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1")

	if !errors.Is(err, boom) {
		t.Fatalf("expected status write error, got %v", err)
	}
	wantStatuses := []string{store.StatusCollecting, store.StatusLineageExpanding}
	if !reflect.DeepEqual(fs.statusWrites, wantStatuses) {
		t.Errorf("status writes = %v, want %v", fs.statusWrites, wantStatuses)
	}
	if len(fs.failCalls) != 1 {
		t.Errorf("failRequest calls = %d, want 1", len(fs.failCalls))
	}
}

func TestGenerateEmptyRangeStillCompletes(t *testing.T) {
	fs := &fakeStore{request: testRequest()}
	fh := &fakeHardener{result: HardenResult{AuditPackageID: "aep_1", S3Key: "k"}}

	if err := newTestService(fs, fh).Generate(context.Background(), "apr_1", "org_1"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if fs.artifacts[0].EntryCount != 0 || fs.artifacts[0].TimelineEventCount != 0 {
		t.Errorf("empty range counts wrong: %+v", fs.artifacts[0])
	}
	if fh.calls != 1 {
		t.Error("empty bundle is still hardened")
	}
}
