// Package auditpack orchestrates audit pack generation: collect the time
// entries in a requested date range, expand them to the full correction
// lineage, assemble a deterministic evidence bundle, and hand it to the
// hardening step. The request row tracks each stage; any failure is
// converted to a single failed-status write and returned to the job layer,
// which owns retry policy.
package auditpack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"timevault/api/internal/bundle"
	"timevault/api/internal/evidence"
	"timevault/api/internal/lineage"
	"timevault/api/internal/store"
)

// ExportType tags hardened packages produced by this pipeline.
const ExportType = "audit_pack"

// maxResolveRounds caps the batched lineage-resolution loop. The BFS itself
// terminates on any graph; the cap is a guard against a pathological link
// graph turning each round into another full query fan-out.
const maxResolveRounds = 64

type dataStore interface {
	GetAuditPackRequest(ctx context.Context, requestID, organizationID string) (store.AuditPackRequest, error)
	SetAuditPackStatus(ctx context.Context, requestID, organizationID, status string) error
	FailAuditPackRequest(ctx context.Context, requestID, organizationID, code, message string) error
	UpsertAuditPackArtifact(ctx context.Context, artifact store.AuditPackArtifact) error
	ListTimeEntriesInRange(ctx context.Context, organizationID string, start, endExclusive time.Time) ([]store.TimeEntry, error)
	ListTimeEntriesByIDs(ctx context.Context, organizationID string, ids []string) ([]store.TimeEntry, error)
	ListApprovalEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]store.ApprovalEvent, error)
	ListAuditLogEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]store.AuditLogEvent, error)
}

// HardenInput crosses the hardening boundary: raw archive bytes plus the
// identity of the export.
type HardenInput struct {
	ExportID       string
	OrganizationID string
	RequestedByID  string
	ExportType     string
	Archive        []byte
}

// HardenResult is the part of the hardening response this pipeline uses.
type HardenResult struct {
	AuditPackageID string
	S3Key          string
}

// Hardener signs an assembled archive and places it under write-once
// storage. Everything beyond the returned identity and key is opaque here.
type Hardener interface {
	HardenExport(ctx context.Context, input HardenInput) (HardenResult, error)
}

// Service is the audit pack generation orchestrator.
type Service struct {
	store    dataStore
	hardener Hardener
	log      zerolog.Logger
}

func New(dataStore dataStore, hardener Hardener, log zerolog.Logger) *Service {
	return &Service{store: dataStore, hardener: hardener, log: log}
}

// Generate runs the full pipeline for one request. Callers inspect the
// final status through the repository; the returned error is for the job
// layer's retry and alerting policy. On failure exactly one failed-status
// write is made and no artifact is stored.
func (s *Service) Generate(ctx context.Context, requestID, organizationID string) error {
	err := s.generate(ctx, requestID, organizationID)
	if err == nil {
		s.log.Info().
			Str("request_id", requestID).
			Str("organization_id", organizationID).
			Msg("audit pack generated")
		return nil
	}

	code := codeFor(err)
	if failErr := s.store.FailAuditPackRequest(ctx, requestID, organizationID, code, err.Error()); failErr != nil {
		s.log.Error().Err(failErr).
			Str("request_id", requestID).
			Msg("failed to record audit pack failure")
	}
	s.log.Error().Err(err).
		Str("request_id", requestID).
		Str("organization_id", organizationID).
		Str("error_code", code).
		Msg("audit pack generation failed")
	return err
}

func (s *Service) generate(ctx context.Context, requestID, organizationID string) error {
	// Stage 1: collect base records in the requested range.
	if err := s.store.SetAuditPackStatus(ctx, requestID, organizationID, store.StatusCollecting); err != nil {
		return err
	}
	req, err := s.store.GetAuditPackRequest(ctx, requestID, organizationID)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			return Errorf(CodeRequestNotFound, "audit pack request %s not found", requestID)
		}
		return fmt.Errorf("load request: %w", err)
	}
	// Re-check of an invariant the request layer already validated.
	if req.EndDate.Before(req.StartDate) {
		return Errorf(CodeScopeInvalid, "start date %s is after end date %s",
			req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"))
	}

	endExclusive := req.EndDate.Add(24 * time.Hour)
	baseEntries, err := s.store.ListTimeEntriesInRange(ctx, organizationID, req.StartDate, endExclusive)
	if err != nil {
		return fmt.Errorf("collect time entries: %w", err)
	}

	// Stage 2: expand the correction lineage to its transitive closure.
	if err := s.store.SetAuditPackStatus(ctx, requestID, organizationID, store.StatusLineageExpanding); err != nil {
		return err
	}
	entryByID := make(map[string]store.TimeEntry, len(baseEntries))
	lookup := make(map[string]lineage.Node, len(baseEntries))
	seeds := make([]lineage.Node, 0, len(baseEntries))
	for _, entry := range baseEntries {
		node := nodeFor(entry)
		entryByID[entry.ID] = entry
		lookup[entry.ID] = node
		seeds = append(seeds, node)
	}

	if err := s.resolveLinkedEntries(ctx, organizationID, entryByID, lookup); err != nil {
		return err
	}

	closure := lineage.Close(seeds, lookup)
	includedEntries := make([]store.TimeEntry, 0, len(closure.NodeIDs))
	for _, id := range closure.NodeIDs {
		entry, ok := entryByID[id]
		if !ok {
			return Errorf(CodeLineageBroken, "closure node %s has no resolved entry", id)
		}
		includedEntries = append(includedEntries, entry)
	}

	// Stage 3: normalize evidence and assemble the bundle.
	if err := s.store.SetAuditPackStatus(ctx, requestID, organizationID, store.StatusAssembling); err != nil {
		return err
	}
	approvals, err := s.store.ListApprovalEventsForEntries(ctx, organizationID, closure.NodeIDs)
	if err != nil {
		return fmt.Errorf("collect approvals: %w", err)
	}
	logEvents, err := s.store.ListAuditLogEventsForEntries(ctx, organizationID, closure.NodeIDs)
	if err != nil {
		return fmt.Errorf("collect audit log events: %w", err)
	}

	entryItems := evidence.BuildEntryChain(includedEntries, organizationID)
	approvalItems := evidence.BuildApprovals(approvals, organizationID)
	correctionNodes := evidence.BuildCorrectionNodes(closure, lookup)

	var merged []evidence.TimelineEvent
	merged = append(merged, evidence.EntryTimelineEvents(includedEntries)...)
	merged = append(merged, evidence.ApprovalTimelineEvents(approvals)...)
	merged = append(merged, evidence.AuditLogTimelineEvents(logEvents)...)
	timeline := evidence.BuildTimeline(merged, organizationID)

	scope := bundle.Scope{
		RequestID:        requestID,
		OrganizationID:   organizationID,
		StartDate:        req.StartDate.Format("2006-01-02"),
		EndDate:          req.EndDate.Format("2006-01-02"),
		EntryCount:       len(entryItems),
		ExpandedEntryIDs: closure.ExpandedOutsideRange,
	}
	if len(entryItems) > 0 {
		// Entry items are sorted by canonical start timestamp; the observed
		// span may be wider than the requested range after expansion.
		scope.EarliestEntryAt = entryItems[0].StartedAt
		scope.LatestEntryAt = entryItems[len(entryItems)-1].StartedAt
	}

	archive, err := bundle.Assemble(entryItems, correctionNodes, approvalItems, timeline, scope)
	if err != nil {
		return fmt.Errorf("assemble bundle: %w", err)
	}

	// Stage 4: hand off to the hardening collaborator.
	if err := s.store.SetAuditPackStatus(ctx, requestID, organizationID, store.StatusHardening); err != nil {
		return err
	}
	hardened, err := s.hardener.HardenExport(ctx, HardenInput{
		ExportID:       requestID,
		OrganizationID: organizationID,
		RequestedByID:  req.RequestedByID,
		ExportType:     ExportType,
		Archive:        archive,
	})
	if err != nil {
		return fmt.Errorf("harden export: %w", err)
	}

	// Stage 5: persist the artifact, then complete.
	artifact := store.AuditPackArtifact{
		RequestID:            requestID,
		AuditExportPackageID: hardened.AuditPackageID,
		S3Key:                hardened.S3Key,
		EntryCount:           len(entryItems),
		CorrectionNodeCount:  len(correctionNodes),
		ApprovalEventCount:   len(approvalItems),
		TimelineEventCount:   len(timeline),
		ExpandedNodeCount:    len(closure.ExpandedOutsideRange),
	}
	if err := s.store.UpsertAuditPackArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return s.store.SetAuditPackStatus(ctx, requestID, organizationID, store.StatusCompleted)
}

// resolveLinkedEntries grows the lookup table until it is transitively
// complete, batch-querying newly referenced ids each round. An id that
// cannot be resolved within the organization aborts generation rather than
// silently truncating the evidence chain.
func (s *Service) resolveLinkedEntries(
	ctx context.Context,
	organizationID string,
	entryByID map[string]store.TimeEntry,
	lookup map[string]lineage.Node,
) error {
	pending := unresolvedLinks(lookup)
	for round := 0; len(pending) > 0; round++ {
		if round >= maxResolveRounds {
			return Errorf(CodeGenerationFailed, "lineage resolution exceeded %d rounds", maxResolveRounds)
		}

		fetched, err := s.store.ListTimeEntriesByIDs(ctx, organizationID, pending)
		if err != nil {
			return fmt.Errorf("resolve linked entries: %w", err)
		}

		found := make(map[string]bool, len(fetched))
		for _, entry := range fetched {
			found[entry.ID] = true
			entryByID[entry.ID] = entry
			lookup[entry.ID] = nodeFor(entry)
		}
		var missing []string
		for _, id := range pending {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return Errorf(CodeLineageBroken, "correction links reference unresolvable entries: %s",
				strings.Join(missing, ", "))
		}

		pending = unresolvedLinks(lookup)
	}
	return nil
}

// unresolvedLinks returns every id referenced by a resolved node but absent
// from the lookup table, sorted for deterministic query batches.
func unresolvedLinks(lookup map[string]lineage.Node) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, node := range lookup {
		for _, target := range node.Links() {
			if _, resolved := lookup[target]; resolved || seen[target] {
				continue
			}
			seen[target] = true
			ids = append(ids, target)
		}
	}
	sort.Strings(ids)
	return ids
}

func nodeFor(entry store.TimeEntry) lineage.Node {
	node := lineage.Node{ID: entry.ID}
	if entry.PreviousEntryID != nil {
		node.PreviousEntryID = *entry.PreviousEntryID
	}
	if entry.ReplacesEntryID != nil {
		node.ReplacesEntryID = *entry.ReplacesEntryID
	}
	if entry.SupersededByID != nil {
		node.SupersededByID = *entry.SupersededByID
	}
	return node
}
