package mediation

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresLedger persists contact counts in the contact_ledger table.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// CheckAndRecord increments the row for key in a single statement. The
// conflict branch only updates while the stored count is below limit, so
// a breached cap returns no row and the count is read separately.
func (p *PostgresLedger) CheckAndRecord(ctx context.Context, key ContactKey, limit int) (Decision, error) {
	if err := key.validate(); err != nil {
		return Decision{}, err
	}
	if limit <= 0 {
		n, err := p.Count(ctx, key)
		return Decision{Allowed: false, Count: n, Limit: limit}, err
	}

	var n int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO contact_ledger (sender, recipient, platform, day, count)
		VALUES ($1, $2, $3, $4::DATE, 1)
		ON CONFLICT (sender, recipient, platform, day) DO UPDATE
		   SET count = contact_ledger.count + 1, updated_at = NOW()
		 WHERE contact_ledger.count < $5
		RETURNING count`,
		key.Sender, key.Recipient, key.Platform, key.Date, limit,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		n, err = p.Count(ctx, key)
		return Decision{Allowed: false, Count: n, Limit: limit}, err
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Count: n, Limit: limit}, nil
}

func (p *PostgresLedger) Count(ctx context.Context, key ContactKey) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count FROM contact_ledger
		WHERE sender = $1 AND recipient = $2 AND platform = $3 AND day = $4::DATE`,
		key.Sender, key.Recipient, key.Platform, key.Date,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Prune deletes rows for days before cutoff.
func (p *PostgresLedger) Prune(ctx context.Context, cutoff string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM contact_ledger WHERE day < $1::DATE`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ ContactLedger = (*PostgresLedger)(nil)
