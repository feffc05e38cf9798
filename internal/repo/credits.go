package repo

import (
	"context"
	"database/sql"
	"time"

	"claimline/internal/domain"
)

const creditColumns = `id,assignment_id,provider_id,amount,created_at,delivered_at,attempts,last_error`

func scanCredit(row rowScanner) (domain.Credit, error) {
	var c domain.Credit
	err := row.Scan(&c.ID, &c.AssignmentID, &c.ProviderID, &c.Amount, timeCol{&c.CreatedAt}, timePtrCol{&c.DeliveredAt}, &c.Attempts, strPtrCol{&c.LastError})
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// InsertCreditTx records the credit for a verified assignment. The
// assignment_id column is unique, so a second insert for the same
// assignment is a no-op and reports false.
func (r Repo) InsertCreditTx(ctx context.Context, tx *sql.Tx, c domain.Credit) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO credits(id,assignment_id,provider_id,amount,created_at,attempts) VALUES (?,?,?,?,?,0)
ON CONFLICT(assignment_id) DO NOTHING`,
		c.ID, c.AssignmentID, c.ProviderID, c.Amount.String(), FormatTime(c.CreatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetCreditByAssignment(ctx context.Context, assignmentID string) (domain.Credit, error) {
	return scanCredit(r.DB.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE assignment_id=?`, assignmentID))
}

// PendingCredits returns credits not yet delivered to the ledger, oldest first.
func (r Repo) PendingCredits(ctx context.Context, limit int) ([]domain.Credit, error) {
	return r.listCredits(ctx, `SELECT `+creditColumns+` FROM credits WHERE delivered_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
}

func (r Repo) ListCredits(ctx context.Context, providerID string, limit int) ([]domain.Credit, error) {
	if limit <= 0 {
		limit = 100
	}
	if providerID == "" {
		return r.listCredits(ctx, `SELECT `+creditColumns+` FROM credits ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	}
	return r.listCredits(ctx, `SELECT `+creditColumns+` FROM credits WHERE provider_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, providerID, limit)
}

func (r Repo) listCredits(ctx context.Context, query string, args ...any) ([]domain.Credit, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) MarkCreditDeliveredTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE credits SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=? AND delivered_at IS NULL`, FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) MarkCreditFailedTx(ctx context.Context, tx *sql.Tx, id, reason string) error {
	_, err := tx.ExecContext(ctx, `UPDATE credits SET attempts=attempts+1, last_error=? WHERE id=? AND delivered_at IS NULL`, reason, id)
	return err
}
