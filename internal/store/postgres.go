package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateAuditPackRequest(ctx context.Context, req AuditPackRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_pack_requests (id, organization_id, requested_by_id, start_date, end_date, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, req.ID, req.OrganizationID, req.RequestedByID, req.StartDate, req.EndDate, StatusRequested)
	if err != nil {
		return fmt.Errorf("insert audit pack request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuditPackRequest(ctx context.Context, requestID, organizationID string) (AuditPackRequest, error) {
	var req AuditPackRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, requested_by_id, start_date, end_date,
			status, error_code, error_message, created_at, completed_at
		FROM audit_pack_requests
		WHERE id=$1 AND organization_id=$2
	`, requestID, organizationID).Scan(
		&req.ID, &req.OrganizationID, &req.RequestedByID, &req.StartDate, &req.EndDate,
		&req.Status, &req.ErrorCode, &req.ErrorMessage, &req.CreatedAt, &req.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditPackRequest{}, ErrRequestNotFound
	}
	if err != nil {
		return AuditPackRequest{}, fmt.Errorf("get audit pack request: %w", err)
	}
	return req, nil
}

func (s *PostgresStore) ListAuditPackRequests(ctx context.Context, organizationID string, limit int) ([]AuditPackRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, requested_by_id, start_date, end_date,
			status, error_code, error_message, created_at, completed_at
		FROM audit_pack_requests
		WHERE organization_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit pack requests: %w", err)
	}
	defer rows.Close()

	items := make([]AuditPackRequest, 0)
	for rows.Next() {
		var req AuditPackRequest
		if err := rows.Scan(
			&req.ID, &req.OrganizationID, &req.RequestedByID, &req.StartDate, &req.EndDate,
			&req.Status, &req.ErrorCode, &req.ErrorMessage, &req.CreatedAt, &req.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit pack request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit pack requests: %w", err)
	}
	return items, nil
}

// SetAuditPackStatus records a stage transition. The completed status also
// stamps the completion timestamp.
func (s *PostgresStore) SetAuditPackStatus(ctx context.Context, requestID, organizationID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_pack_requests
		SET status=$3,
			completed_at=CASE WHEN $3=$4 THEN NOW() ELSE completed_at END
		WHERE id=$1 AND organization_id=$2
	`, requestID, organizationID, status, StatusCompleted)
	if err != nil {
		return fmt.Errorf("set audit pack status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set audit pack status rows: %w", err)
	}
	if affected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// FailAuditPackRequest marks the request failed with its error detail and
// stamps the completion timestamp. Safe to call after an earlier status
// write; error fields persist for operator diagnosis.
func (s *PostgresStore) FailAuditPackRequest(ctx context.Context, requestID, organizationID, code, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_pack_requests
		SET status=$3, error_code=$4, error_message=$5, completed_at=NOW()
		WHERE id=$1 AND organization_id=$2
	`, requestID, organizationID, StatusFailed, code, message)
	if err != nil {
		return fmt.Errorf("fail audit pack request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail audit pack request rows: %w", err)
	}
	if affected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// UpsertAuditPackArtifact stores the generation result, replacing any prior
// artifact for the same request so a retried generation never duplicates.
func (s *PostgresStore) UpsertAuditPackArtifact(ctx context.Context, artifact AuditPackArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_pack_artifacts
			(request_id, audit_export_package_id, s3_key, entry_count,
			 correction_node_count, approval_event_count, timeline_event_count, expanded_node_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE SET
			audit_export_package_id=EXCLUDED.audit_export_package_id,
			s3_key=EXCLUDED.s3_key,
			entry_count=EXCLUDED.entry_count,
			correction_node_count=EXCLUDED.correction_node_count,
			approval_event_count=EXCLUDED.approval_event_count,
			timeline_event_count=EXCLUDED.timeline_event_count,
			expanded_node_count=EXCLUDED.expanded_node_count,
			created_at=NOW()
	`, artifact.RequestID, artifact.AuditExportPackageID, artifact.S3Key, artifact.EntryCount,
		artifact.CorrectionNodeCount, artifact.ApprovalEventCount, artifact.TimelineEventCount,
		artifact.ExpandedNodeCount)
	if err != nil {
		return fmt.Errorf("upsert audit pack artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuditPackArtifact(ctx context.Context, requestID, organizationID string) (AuditPackArtifact, error) {
	var artifact AuditPackArtifact
	err := s.db.QueryRowContext(ctx, `
		SELECT a.request_id, a.audit_export_package_id, a.s3_key, a.entry_count,
			a.correction_node_count, a.approval_event_count, a.timeline_event_count,
			a.expanded_node_count, a.created_at
		FROM audit_pack_artifacts a
		JOIN audit_pack_requests r ON r.id = a.request_id
		WHERE a.request_id=$1 AND r.organization_id=$2
	`, requestID, organizationID).Scan(
		&artifact.RequestID, &artifact.AuditExportPackageID, &artifact.S3Key, &artifact.EntryCount,
		&artifact.CorrectionNodeCount, &artifact.ApprovalEventCount, &artifact.TimelineEventCount,
		&artifact.ExpandedNodeCount, &artifact.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditPackArtifact{}, ErrRequestNotFound
	}
	if err != nil {
		return AuditPackArtifact{}, fmt.Errorf("get audit pack artifact: %w", err)
	}
	return artifact, nil
}

func (s *PostgresStore) InsertAuditExportPackage(ctx context.Context, pkg AuditExportPackage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_export_packages (id, organization_id, requested_by_id, export_type, s3_key, sha256, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pkg.ID, pkg.OrganizationID, pkg.RequestedByID, pkg.ExportType, pkg.S3Key, pkg.SHA256, pkg.SizeBytes)
	if err != nil {
		return fmt.Errorf("insert audit export package: %w", err)
	}
	return nil
}

const timeEntryColumns = `id, organization_id, user_id, project_id, started_at, ended_at,
	duration_minutes, note, status, previous_entry_id, replaces_entry_id, superseded_by_id, created_at`

func (s *PostgresStore) ListTimeEntriesInRange(ctx context.Context, organizationID string, start, endExclusive time.Time) ([]TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE organization_id=$1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at, id
	`, organizationID, start, endExclusive)
	if err != nil {
		return nil, fmt.Errorf("list time entries in range: %w", err)
	}
	return scanTimeEntries(rows)
}

func (s *PostgresStore) ListTimeEntriesByIDs(ctx context.Context, organizationID string, ids []string) ([]TimeEntry, error) {
	if len(ids) == 0 {
		return []TimeEntry{}, nil
	}
	placeholders, args := idArgs(organizationID, ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE organization_id=$1 AND id IN (`+placeholders+`)
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list time entries by ids: %w", err)
	}
	return scanTimeEntries(rows)
}

func (s *PostgresStore) ListApprovalEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]ApprovalEvent, error) {
	if len(entryIDs) == 0 {
		return []ApprovalEvent{}, nil
	}
	placeholders, args := idArgs(organizationID, entryIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, entry_id, approver_id, decision, comment, decided_at
		FROM approval_events
		WHERE organization_id=$1 AND entry_id IN (`+placeholders+`)
		ORDER BY decided_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval events: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalEvent, 0)
	for rows.Next() {
		var item ApprovalEvent
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.EntryID, &item.ApproverID,
			&item.Decision, &item.Comment, &item.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAuditLogEventsForEntries(ctx context.Context, organizationID string, entryIDs []string) ([]AuditLogEvent, error) {
	if len(entryIDs) == 0 {
		return []AuditLogEvent{}, nil
	}
	placeholders, args := idArgs(organizationID, entryIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, entry_id, actor_id, action, occurred_at
		FROM audit_log_events
		WHERE organization_id=$1 AND entry_id IN (`+placeholders+`)
		ORDER BY occurred_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditLogEvent, 0)
	for rows.Next() {
		var item AuditLogEvent
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.EntryID, &item.ActorID,
			&item.Action, &item.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit log event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOrganizationRole(ctx context.Context, organizationID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM organization_members
		WHERE organization_id=$1 AND user_id=$2
	`, organizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read organization role: %w", err)
	}
	return role, nil
}

func scanTimeEntries(rows *sql.Rows) ([]TimeEntry, error) {
	defer rows.Close()
	items := make([]TimeEntry, 0)
	for rows.Next() {
		var item TimeEntry
		if err := rows.Scan(
			&item.ID, &item.OrganizationID, &item.UserID, &item.ProjectID,
			&item.StartedAt, &item.EndedAt, &item.DurationMinutes, &item.Note, &item.Status,
			&item.PreviousEntryID, &item.ReplacesEntryID, &item.SupersededByID, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time entries: %w", err)
	}
	return items, nil
}

// idArgs builds the placeholder list for an id set, with the organization
// id already occupying $1.
func idArgs(organizationID string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, organizationID)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	return strings.Join(placeholders, ", "), args
}
