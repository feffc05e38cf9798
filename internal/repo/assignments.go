package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"claimline/internal/domain"
)

const assignmentColumns = `id,order_id,action_type,platform,target_url,comment_text,price_per_action,quantity,buyer_id,status,created_at,expires_at,
claimed_by,claimed_at,lease_expires_at,started_at,submitted_at,proof_ref,proof_notes,review_deadline_at,rejected_at,rejection_reason,
ai_eligible_at,reverification_requested_at,review_source,next_escalation_at,escalation_attempts,verified_at,resolved_at,
verification_reason,verification_source,version,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	err := row.Scan(
		&a.ID, &a.OrderID, &a.ActionType, &a.Platform, &a.TargetURL, strPtrCol{&a.CommentText}, &a.PricePerAction, &a.Quantity,
		&a.BuyerID, &a.Status, timeCol{&a.CreatedAt}, timeCol{&a.ExpiresAt},
		strPtrCol{&a.ClaimedBy}, timePtrCol{&a.ClaimedAt}, timePtrCol{&a.LeaseExpiresAt}, timePtrCol{&a.StartedAt},
		timePtrCol{&a.SubmittedAt}, strPtrCol{&a.ProofRef}, strPtrCol{&a.ProofNotes}, timePtrCol{&a.ReviewDeadlineAt},
		timePtrCol{&a.RejectedAt}, strPtrCol{&a.RejectionReason}, timePtrCol{&a.AIEligibleAt}, timePtrCol{&a.ReverificationRequestedAt},
		strPtrCol{&a.ReviewSource}, timePtrCol{&a.NextEscalationAt}, &a.EscalationAttempts, timePtrCol{&a.VerifiedAt},
		timePtrCol{&a.ResolvedAt}, strPtrCol{&a.VerificationReason}, strPtrCol{&a.VerificationSource}, &a.Version,
		timeCol{&a.UpdatedAt},
	)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertAssignmentTx inserts a new assignment. It reports false when a row
// with the same id already exists, which makes order intake replayable.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,order_id,action_type,platform,target_url,comment_text,price_per_action,quantity,buyer_id,status,created_at,expires_at,escalation_attempts,version,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0,?,?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.OrderID, a.ActionType, a.Platform, a.TargetURL, nullableStringPtr(a.CommentText), a.PricePerAction.String(), a.Quantity,
		a.BuyerID, a.Status, FormatTime(a.CreatedAt), FormatTime(a.ExpiresAt), a.Version, FormatTime(a.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return getAssignment(ctx, r.DB, id)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return getAssignment(ctx, tx, id)
}

func getAssignment(ctx context.Context, q querier, id string) (domain.Assignment, error) {
	return scanAssignment(q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

// Transition describes a guarded status change. Apply mutates a copy of the
// current row; Status, Version and UpdatedAt are set by CompareAndTransition.
type Transition struct {
	ID    string
	From  string
	To    string
	At    time.Time
	Apply func(a *domain.Assignment)
}

// CompareAndTransition moves an assignment from t.From to t.To only if the
// stored status still equals t.From. The write is guarded by status and
// version, so of two racing callers exactly one succeeds and the other gets
// ErrConflict.
func (r Repo) CompareAndTransition(ctx context.Context, tx *sql.Tx, t Transition) (domain.Assignment, error) {
	cur, err := getAssignment(ctx, tx, t.ID)
	if err != nil {
		return cur, err
	}
	if cur.Status != t.From {
		return cur, ErrConflict
	}
	if !domain.CanTransition(t.From, t.To) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	next := cur
	if t.Apply != nil {
		t.Apply(&next)
	}
	next.ID = cur.ID
	next.Status = t.To
	next.Version = cur.Version + 1
	next.UpdatedAt = t.At
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?,claimed_by=?,claimed_at=?,lease_expires_at=?,started_at=?,submitted_at=?,
proof_ref=?,proof_notes=?,review_deadline_at=?,rejected_at=?,rejection_reason=?,ai_eligible_at=?,reverification_requested_at=?,
review_source=?,next_escalation_at=?,escalation_attempts=?,verified_at=?,resolved_at=?,verification_reason=?,verification_source=?,
version=?,updated_at=? WHERE id=? AND status=? AND version=?`,
		next.Status, nullableStringPtr(next.ClaimedBy), nullableTimePtr(next.ClaimedAt), nullableTimePtr(next.LeaseExpiresAt),
		nullableTimePtr(next.StartedAt), nullableTimePtr(next.SubmittedAt), nullableStringPtr(next.ProofRef), nullableStringPtr(next.ProofNotes),
		nullableTimePtr(next.ReviewDeadlineAt), nullableTimePtr(next.RejectedAt), nullableStringPtr(next.RejectionReason),
		nullableTimePtr(next.AIEligibleAt), nullableTimePtr(next.ReverificationRequestedAt), nullableStringPtr(next.ReviewSource),
		nullableTimePtr(next.NextEscalationAt), next.EscalationAttempts, nullableTimePtr(next.VerifiedAt), nullableTimePtr(next.ResolvedAt),
		nullableStringPtr(next.VerificationReason), nullableStringPtr(next.VerificationSource), next.Version, FormatTime(next.UpdatedAt),
		cur.ID, t.From, cur.Version)
	if err != nil {
		return cur, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cur, ErrConflict
	}
	return next, nil
}

type AssignmentFilters struct {
	Status     string
	BuyerID    string
	ClaimedBy  string
	OrderID    string
	Platform   string
	ActionType string
	Limit      int

	// Keyset cursor: rows strictly older than (CursorCreatedAt, CursorID).
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.BuyerID != "" {
		clauses = append(clauses, "buyer_id=?")
		args = append(args, f.BuyerID)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform=?")
		args = append(args, f.Platform)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAssignmentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM assignments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// DuePoolExpiry returns available assignments whose pool window has ended.
func (r Repo) DuePoolExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, `SELECT id FROM assignments WHERE status=? AND expires_at<=? ORDER BY expires_at, id LIMIT ?`,
		domain.StatusAvailable, FormatTime(now), limit)
}

// DueLeaseExpiry returns claimed assignments whose lease has lapsed.
func (r Repo) DueLeaseExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, `SELECT id FROM assignments WHERE status IN (?,?) AND lease_expires_at IS NOT NULL AND lease_expires_at<=? ORDER BY lease_expires_at, id LIMIT ?`,
		domain.StatusAssigned, domain.StatusInProgress, FormatTime(now), limit)
}

// DueEscalations returns assignments whose next escalation time has passed:
// completed past the review window, rejected past the eligibility window,
// and pending AI reviews awaiting a retry.
func (r Repo) DueEscalations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, `SELECT id FROM assignments WHERE status IN (?,?,?) AND next_escalation_at IS NOT NULL AND next_escalation_at<=? ORDER BY next_escalation_at, id LIMIT ?`,
		domain.StatusCompleted, domain.StatusRejected, domain.StatusAIReviewPending, FormatTime(now), limit)
}

func (r Repo) dueIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
