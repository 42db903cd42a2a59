package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/billing-engine/core"
)

// =============================================================================
// APPROVAL REQUESTS (core.ApprovalStore interface)
// =============================================================================

const approvalColumns = `id, company_id, action, entity_table, entity_id, entity_label, payload_json,
	status, required_approvals, requested_by, apply_result_json, failure_reason, version,
	created_at, updated_at, approved_at, applied_at, rejected_at, cancelled_at, failed_at`

func (r *repo) InsertApprovalRequest(ctx context.Context, req core.ApprovalRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.CompanyID, req.Action, req.Entity.Table, req.Entity.ID, req.Entity.Label,
		string(req.Payload), req.Status, req.RequiredApprovals, req.RequestedBy,
		nullString(string(req.ApplyResult)), req.FailureReason, req.Version,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
		formatTimePtr(req.ApprovedAt), formatTimePtr(req.AppliedAt), formatTimePtr(req.RejectedAt),
		formatTimePtr(req.CancelledAt), formatTimePtr(req.FailedAt))
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (r *repo) GetApprovalRequest(ctx context.Context, id string) (*core.ApprovalRequest, error) {
	reqs, err := r.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

// UpdateApprovalRequest persists status, result and transition timestamps.
func (r *repo) UpdateApprovalRequest(ctx context.Context, req core.ApprovalRequest, expectedVersion int64) error {
	err := expectOneRow(r.q.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, apply_result_json = ?, failure_reason = ?,
			version = version + 1, updated_at = ?,
			approved_at = ?, applied_at = ?, rejected_at = ?, cancelled_at = ?, failed_at = ?
		WHERE id = ? AND version = ?
	`, req.Status, nullString(string(req.ApplyResult)), req.FailureReason, formatTime(req.UpdatedAt),
		formatTimePtr(req.ApprovedAt), formatTimePtr(req.AppliedAt), formatTimePtr(req.RejectedAt),
		formatTimePtr(req.CancelledAt), formatTimePtr(req.FailedAt),
		req.ID, expectedVersion))
	if err != nil && err != core.ErrConcurrentModification {
		return fmt.Errorf("failed to update approval request: %w", err)
	}
	return err
}

func (r *repo) FindPendingApproval(ctx context.Context, companyID string, action core.ApprovalAction, entityID string) (*core.ApprovalRequest, error) {
	reqs, err := r.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE company_id = ? AND action = ? AND entity_id = ? AND status = 'pending'
		ORDER BY created_at ASC LIMIT 1
	`, companyID, action, entityID)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

// ListApprovalRequests lists a company's requests, newest first. An empty
// status lists all of them.
func (r *repo) ListApprovalRequests(ctx context.Context, companyID string, status core.ApprovalStatus) ([]core.ApprovalRequest, error) {
	if status == "" {
		return r.queryApprovals(ctx, `
			SELECT `+approvalColumns+` FROM approval_requests
			WHERE company_id = ? ORDER BY created_at DESC
		`, companyID)
	}
	return r.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE company_id = ? AND status = ? ORDER BY created_at DESC
	`, companyID, status)
}

// ListApprovalsStuckSince returns requests in status whose last update is
// older than before, across all companies.
func (r *repo) ListApprovalsStuckSince(ctx context.Context, status core.ApprovalStatus, before time.Time) ([]core.ApprovalRequest, error) {
	return r.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC
	`, status, formatTime(before))
}

func (r *repo) queryApprovals(ctx context.Context, query string, args ...any) ([]core.ApprovalRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var reqs []core.ApprovalRequest
	for rows.Next() {
		var req core.ApprovalRequest
		var payload string
		var result sql.NullString
		var createdAt, updatedAt string
		var approvedAt, appliedAt, rejectedAt, cancelledAt, failedAt sql.NullString
		if err := rows.Scan(&req.ID, &req.CompanyID, &req.Action, &req.Entity.Table, &req.Entity.ID,
			&req.Entity.Label, &payload, &req.Status, &req.RequiredApprovals, &req.RequestedBy,
			&result, &req.FailureReason, &req.Version, &createdAt, &updatedAt,
			&approvedAt, &appliedAt, &rejectedAt, &cancelledAt, &failedAt); err != nil {
			return nil, err
		}
		req.Payload = []byte(payload)
		if result.Valid {
			req.ApplyResult = []byte(result.String)
		}
		req.CreatedAt = parseTime(createdAt)
		req.UpdatedAt = parseTime(updatedAt)
		req.ApprovedAt = parseTimePtr(approvedAt)
		req.AppliedAt = parseTimePtr(appliedAt)
		req.RejectedAt = parseTimePtr(rejectedAt)
		req.CancelledAt = parseTimePtr(cancelledAt)
		req.FailedAt = parseTimePtr(failedAt)
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (r *repo) InsertApprovalDecision(ctx context.Context, d core.ApprovalDecision) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO approval_decisions (id, request_id, approver_id, decision, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.RequestID, d.ApproverID, d.Decision, d.Comment, formatTime(d.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateDecision
		}
		return fmt.Errorf("failed to insert approval decision: %w", err)
	}
	return nil
}

func (r *repo) ListApprovalDecisions(ctx context.Context, requestID string) ([]core.ApprovalDecision, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, request_id, approver_id, decision, comment, created_at
		FROM approval_decisions WHERE request_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval decisions: %w", err)
	}
	defer rows.Close()

	var decisions []core.ApprovalDecision
	for rows.Next() {
		var d core.ApprovalDecision
		var createdAt string
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ApproverID, &d.Decision, &d.Comment, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(createdAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// =============================================================================
// OWNER CHANGE REQUESTS (core.OwnerChangeStore interface)
// =============================================================================

const ownerChangeColumns = `id, company_id, action, target_profile_id, ownership_percentage, created_by,
	status, required_approvals, cooldown_hours, version, created_at, updated_at,
	approved_at, effective_at, executed_at, rejected_at, cancelled_at`

func (r *repo) InsertOwnerChange(ctx context.Context, req core.OwnerChangeRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO owner_change_requests (`+ownerChangeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.CompanyID, req.Action, req.TargetProfileID, nullDecimal(req.OwnershipPercentage),
		req.CreatedBy, req.Status, req.RequiredApprovals, req.CooldownHours, req.Version,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
		formatTimePtr(req.ApprovedAt), formatTimePtr(req.EffectiveAt), formatTimePtr(req.ExecutedAt),
		formatTimePtr(req.RejectedAt), formatTimePtr(req.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to insert owner change request: %w", err)
	}
	return nil
}

func (r *repo) GetOwnerChange(ctx context.Context, id string) (*core.OwnerChangeRequest, error) {
	reqs, err := r.queryOwnerChanges(ctx, `SELECT `+ownerChangeColumns+` FROM owner_change_requests WHERE id = ?`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r *repo) UpdateOwnerChange(ctx context.Context, req core.OwnerChangeRequest, expectedVersion int64) error {
	err := expectOneRow(r.q.ExecContext(ctx, `
		UPDATE owner_change_requests SET status = ?, version = version + 1, updated_at = ?,
			approved_at = ?, effective_at = ?, executed_at = ?, rejected_at = ?, cancelled_at = ?
		WHERE id = ? AND version = ?
	`, req.Status, formatTime(req.UpdatedAt),
		formatTimePtr(req.ApprovedAt), formatTimePtr(req.EffectiveAt), formatTimePtr(req.ExecutedAt),
		formatTimePtr(req.RejectedAt), formatTimePtr(req.CancelledAt),
		req.ID, expectedVersion))
	if err != nil && err != core.ErrConcurrentModification {
		return fmt.Errorf("failed to update owner change request: %w", err)
	}
	return err
}

func (r *repo) FindOpenOwnerChange(ctx context.Context, companyID, targetProfileID string) (*core.OwnerChangeRequest, error) {
	reqs, err := r.queryOwnerChanges(ctx, `
		SELECT `+ownerChangeColumns+` FROM owner_change_requests
		WHERE company_id = ? AND target_profile_id = ? AND status IN ('pending', 'approved')
		ORDER BY created_at ASC LIMIT 1
	`, companyID, targetProfileID)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r *repo) ListOwnerChanges(ctx context.Context, companyID string) ([]core.OwnerChangeRequest, error) {
	return r.queryOwnerChanges(ctx, `
		SELECT `+ownerChangeColumns+` FROM owner_change_requests
		WHERE company_id = ? ORDER BY created_at DESC
	`, companyID)
}

func (r *repo) queryOwnerChanges(ctx context.Context, query string, args ...any) ([]core.OwnerChangeRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query owner change requests: %w", err)
	}
	defer rows.Close()

	var reqs []core.OwnerChangeRequest
	for rows.Next() {
		var req core.OwnerChangeRequest
		var pct sql.NullString
		var createdAt, updatedAt string
		var approvedAt, effectiveAt, executedAt, rejectedAt, cancelledAt sql.NullString
		if err := rows.Scan(&req.ID, &req.CompanyID, &req.Action, &req.TargetProfileID, &pct,
			&req.CreatedBy, &req.Status, &req.RequiredApprovals, &req.CooldownHours, &req.Version,
			&createdAt, &updatedAt, &approvedAt, &effectiveAt, &executedAt, &rejectedAt, &cancelledAt); err != nil {
			return nil, err
		}
		req.OwnershipPercentage = decimalPtr(pct)
		req.CreatedAt = parseTime(createdAt)
		req.UpdatedAt = parseTime(updatedAt)
		req.ApprovedAt = parseTimePtr(approvedAt)
		req.EffectiveAt = parseTimePtr(effectiveAt)
		req.ExecutedAt = parseTimePtr(executedAt)
		req.RejectedAt = parseTimePtr(rejectedAt)
		req.CancelledAt = parseTimePtr(cancelledAt)
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (r *repo) InsertOwnerChangeApproval(ctx context.Context, a core.OwnerChangeApproval) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO owner_change_approvals (id, request_id, approver_id, decision, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.RequestID, a.ApproverID, a.Decision, formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateDecision
		}
		return fmt.Errorf("failed to insert owner change approval: %w", err)
	}
	return nil
}

func (r *repo) ListOwnerChangeApprovals(ctx context.Context, requestID string) ([]core.OwnerChangeApproval, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, request_id, approver_id, decision, created_at
		FROM owner_change_approvals WHERE request_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list owner change approvals: %w", err)
	}
	defer rows.Close()

	var approvals []core.OwnerChangeApproval
	for rows.Next() {
		var a core.OwnerChangeApproval
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ApproverID, &a.Decision, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
