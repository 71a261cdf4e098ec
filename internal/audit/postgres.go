package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	retry "github.com/sethvargo/go-retry"

	"github.com/mbd888/safegate/internal/logging"
)

const (
	retryBase     = 50 * time.Millisecond
	retryAttempts = 3
)

// PostgresSink writes the audit trail to PostgreSQL. Writes are retried
// on connection-level failures only.
type PostgresSink struct {
	db      *sql.DB
	backoff func() retry.Backoff
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{
		db: db,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(retryAttempts, retry.NewFibonacci(retryBase))
		},
	}
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}

func (p *PostgresSink) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && transient(err) {
			logging.L(ctx).Warn("audit write failed, retrying", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (p *PostgresSink) Append(ctx context.Context, r Record) (Record, error) {
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	details := r.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return Record{}, err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	err = p.write(ctx, "append", func(ctx context.Context) error {
		return p.db.QueryRowContext(ctx, `
			INSERT INTO audit_records (trace_id, stage, decision, details, created_at)
			VALUES ($1, $2, $3, $4::JSONB, $5)
			RETURNING seq`,
			r.TraceID, string(r.Stage), r.Decision, string(raw), r.Timestamp,
		).Scan(&r.Seq)
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (p *PostgresSink) AppendBucket(ctx context.Context, b BucketEntry) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	return p.write(ctx, "append_bucket", func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO audit_buckets (
				trace_id, action_id, decision, risk_category, confidence,
				enforcement_decision, enforcement_severity, enforcement_confidence,
				user_id_hash, bucket_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			b.TraceID, nullString(b.ActionID), b.Decision, b.RiskCategory, b.Confidence,
			b.EnforcementDecision, b.EnforcementSeverity, b.EnforcementConfidence,
			b.UserIDHash, b.BucketID, b.Timestamp,
		)
		return err
	})
}

func (p *PostgresSink) ByTrace(ctx context.Context, traceID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trace_id, seq, stage, decision, details::TEXT, created_at
		FROM audit_records WHERE trace_id = $1
		ORDER BY seq`, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		var stage, raw string
		if err := rows.Scan(&r.TraceID, &r.Seq, &stage, &r.Decision, &raw, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Stage = Stage(stage)
		if err := json.Unmarshal([]byte(raw), &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresSink) Buckets(ctx context.Context) ([]BucketEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trace_id, COALESCE(action_id, ''), decision, risk_category, confidence,
		       enforcement_decision, enforcement_severity, enforcement_confidence,
		       user_id_hash, bucket_id, created_at
		FROM audit_buckets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []BucketEntry
	for rows.Next() {
		var b BucketEntry
		if err := rows.Scan(
			&b.TraceID, &b.ActionID, &b.Decision, &b.RiskCategory, &b.Confidence,
			&b.EnforcementDecision, &b.EnforcementSeverity, &b.EnforcementConfidence,
			&b.UserIDHash, &b.BucketID, &b.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresSink) Count(ctx context.Context, stage Stage) (int, error) {
	var n int
	var err error
	if stage == "" {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n)
	} else {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records WHERE stage = $1`, string(stage)).Scan(&n)
	}
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Sink = (*PostgresSink)(nil)
