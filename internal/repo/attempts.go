package repo

import (
	"context"
	"database/sql"

	"claimline/internal/domain"
)

const attemptColumns = `id,assignment_id,source,decision,COALESCE(reason,''),confidence,actor_id,supersedes_id,created_at`

func scanAttempt(row rowScanner) (domain.VerificationAttempt, error) {
	var v domain.VerificationAttempt
	var confidence sql.NullFloat64
	err := row.Scan(&v.ID, &v.AssignmentID, &v.Source, &v.Decision, &v.Reason, &confidence, &v.ActorID, strPtrCol{&v.SupersedesID}, timeCol{&v.CreatedAt})
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if confidence.Valid {
		c := confidence.Float64
		v.Confidence = &c
	}
	return v, nil
}

// InsertAttemptTx appends a verification attempt. Attempts are never
// updated or deleted.
func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, v domain.VerificationAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_attempts(id,assignment_id,source,decision,reason,confidence,actor_id,supersedes_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.AssignmentID, v.Source, v.Decision, nullable(v.Reason), nullableFloatPtr(v.Confidence), v.ActorID, nullableStringPtr(v.SupersedesID), FormatTime(v.CreatedAt))
	return err
}

// ListAttempts returns the verification history of an assignment, oldest first.
func (r Repo) ListAttempts(ctx context.Context, assignmentID string) ([]domain.VerificationAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE assignment_id=? ORDER BY created_at, rowid`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationAttempt
	for rows.Next() {
		v, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestAttemptTx returns the most recent attempt from the given source.
func (r Repo) LatestAttemptTx(ctx context.Context, tx *sql.Tx, assignmentID, source string) (domain.VerificationAttempt, error) {
	return scanAttempt(tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM verification_attempts WHERE assignment_id=? AND source=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, assignmentID, source))
}
