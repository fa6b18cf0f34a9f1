package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"timevault/api/internal/jobs"
	"timevault/api/internal/store"
	"timevault/api/internal/util"
)

const dateLayout = "2006-01-02"

// Roles allowed to request audit packs. Any member may read them.
var requesterRoles = map[string]bool{
	"owner": true,
	"admin": true,
}

type dataStore interface {
	CreateAuditPackRequest(ctx context.Context, req store.AuditPackRequest) error
	GetAuditPackRequest(ctx context.Context, requestID, organizationID string) (store.AuditPackRequest, error)
	ListAuditPackRequests(ctx context.Context, organizationID string, limit int) ([]store.AuditPackRequest, error)
	GetAuditPackArtifact(ctx context.Context, requestID, organizationID string) (store.AuditPackArtifact, error)
	GetOrganizationRole(ctx context.Context, organizationID, userID string) (string, error)
	Ping(ctx context.Context) error
}

// listLimit bounds list responses; pagination is not exposed yet.
const listLimit = 50

type enqueuer interface {
	Enqueue(ctx context.Context, payload jobs.Payload) error
}

type Service struct {
	store dataStore
	queue enqueuer
	log   zerolog.Logger
}

func NewService(dataStore dataStore, queue enqueuer, log zerolog.Logger) *Service {
	return &Service{store: dataStore, queue: queue, log: log}
}

// AuditPackRequestView is the API shape of a request row.
type AuditPackRequestView struct {
	ID             string                `json:"id"`
	OrganizationID string                `json:"organizationId"`
	RequestedByID  string                `json:"requestedById"`
	StartDate      string                `json:"startDate"`
	EndDate        string                `json:"endDate"`
	Status         string                `json:"status"`
	ErrorCode      string                `json:"errorCode,omitempty"`
	ErrorMessage   string                `json:"errorMessage,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
	Artifact       *AuditPackArtifactView `json:"artifact,omitempty"`
}

type AuditPackArtifactView struct {
	AuditExportPackageID string    `json:"auditExportPackageId"`
	S3Key                string    `json:"s3Key"`
	EntryCount           int       `json:"entryCount"`
	CorrectionNodeCount  int       `json:"correctionNodeCount"`
	ApprovalEventCount   int       `json:"approvalEventCount"`
	TimelineEventCount   int       `json:"timelineEventCount"`
	ExpandedNodeCount    int       `json:"expandedNodeCount"`
	CreatedAt            time.Time `json:"createdAt"`
}

// CreateAuditPackRequest validates the scope, persists the request in the
// requested state, and enqueues the generation job. The caller must hold an
// owner or admin role in the organization.
func (s *Service) CreateAuditPackRequest(ctx context.Context, organizationID, userID, startDate, endDate string) (AuditPackRequestView, error) {
	role, err := s.store.GetOrganizationRole(ctx, organizationID, userID)
	if err != nil {
		return AuditPackRequestView{}, fmt.Errorf("check organization role: %w", err)
	}
	if !requesterRoles[role] {
		return AuditPackRequestView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only organization admins can request audit packs", nil)
	}

	start, err := parseDate(startDate)
	if err != nil {
		return AuditPackRequestView{}, domainError(http.StatusBadRequest, "scope_invalid", "startDate must be YYYY-MM-DD", nil)
	}
	end, err := parseDate(endDate)
	if err != nil {
		return AuditPackRequestView{}, domainError(http.StatusBadRequest, "scope_invalid", "endDate must be YYYY-MM-DD", nil)
	}
	if end.Before(start) {
		return AuditPackRequestView{}, domainError(http.StatusBadRequest, "scope_invalid", "endDate must not precede startDate", nil)
	}

	req := store.AuditPackRequest{
		ID:             util.NewID("apr"),
		OrganizationID: organizationID,
		RequestedByID:  userID,
		StartDate:      start,
		EndDate:        end,
		Status:         store.StatusRequested,
	}
	if err := s.store.CreateAuditPackRequest(ctx, req); err != nil {
		return AuditPackRequestView{}, fmt.Errorf("create audit pack request: %w", err)
	}

	payload := jobs.Payload{RequestID: req.ID, OrganizationID: organizationID}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		// The request row stays in requested state; an operator can requeue.
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("enqueue audit pack job failed")
		return AuditPackRequestView{}, fmt.Errorf("enqueue audit pack job: %w", err)
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("organization_id", organizationID).
		Str("start_date", startDate).
		Str("end_date", endDate).
		Msg("audit pack requested")
	return requestView(req, nil), nil
}

// ListAuditPackRequests returns the organization's requests, newest first.
// Any organization member may list.
func (s *Service) ListAuditPackRequests(ctx context.Context, organizationID, userID string) ([]AuditPackRequestView, error) {
	if err := s.requireMember(ctx, organizationID, userID); err != nil {
		return nil, err
	}
	requests, err := s.store.ListAuditPackRequests(ctx, organizationID, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list audit pack requests: %w", err)
	}
	views := make([]AuditPackRequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, requestView(req, nil))
	}
	return views, nil
}

// GetAuditPackRequest returns one request with its artifact when the
// generation has completed.
func (s *Service) GetAuditPackRequest(ctx context.Context, organizationID, userID, requestID string) (AuditPackRequestView, error) {
	if err := s.requireMember(ctx, organizationID, userID); err != nil {
		return AuditPackRequestView{}, err
	}
	req, err := s.store.GetAuditPackRequest(ctx, requestID, organizationID)
	if errors.Is(err, store.ErrRequestNotFound) {
		return AuditPackRequestView{}, domainError(http.StatusNotFound, "request_not_found", "Audit pack request not found", nil)
	}
	if err != nil {
		return AuditPackRequestView{}, fmt.Errorf("get audit pack request: %w", err)
	}

	var artifact *AuditPackArtifactView
	if req.Status == store.StatusCompleted {
		stored, err := s.store.GetAuditPackArtifact(ctx, requestID, organizationID)
		if err != nil && !errors.Is(err, store.ErrRequestNotFound) {
			return AuditPackRequestView{}, fmt.Errorf("get audit pack artifact: %w", err)
		}
		if err == nil {
			artifact = &AuditPackArtifactView{
				AuditExportPackageID: stored.AuditExportPackageID,
				S3Key:                stored.S3Key,
				EntryCount:           stored.EntryCount,
				CorrectionNodeCount:  stored.CorrectionNodeCount,
				ApprovalEventCount:   stored.ApprovalEventCount,
				TimelineEventCount:   stored.TimelineEventCount,
				ExpandedNodeCount:    stored.ExpandedNodeCount,
				CreatedAt:            stored.CreatedAt,
			}
		}
	}
	return requestView(req, artifact), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) requireMember(ctx context.Context, organizationID, userID string) error {
	role, err := s.store.GetOrganizationRole(ctx, organizationID, userID)
	if err != nil {
		return fmt.Errorf("check organization role: %w", err)
	}
	if role == "" {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this organization", nil)
	}
	return nil
}

func requestView(req store.AuditPackRequest, artifact *AuditPackArtifactView) AuditPackRequestView {
	return AuditPackRequestView{
		ID:             req.ID,
		OrganizationID: req.OrganizationID,
		RequestedByID:  req.RequestedByID,
		StartDate:      req.StartDate.Format(dateLayout),
		EndDate:        req.EndDate.Format(dateLayout),
		Status:         req.Status,
		ErrorCode:      req.ErrorCode,
		ErrorMessage:   req.ErrorMessage,
		CreatedAt:      req.CreatedAt,
		CompletedAt:    req.CompletedAt,
		Artifact:       artifact,
	}
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(raw))
}
