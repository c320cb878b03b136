package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbd888/trustgate/internal/outbox"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Schema lives in the
// migrations directory.
type PostgresStore struct {
	db     *sql.DB
	outbox outbox.TxAppender
}

// NewPostgresStore creates a PostgreSQL-backed trust store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithOutbox makes Commit append an audit event in the same transaction.
func (p *PostgresStore) WithOutbox(ob outbox.TxAppender) *PostgresStore {
	p.outbox = ob
	return p
}

const profileColumns = `
	SELECT account_id, trust_score, verification_tier,
	       email_verified, oauth_verified, has_profile_photo, has_real_name,
	       suspicious_activity, last_activity, login_count, revision, created_at
	FROM trust_profiles`

func (p *PostgresStore) CreateProfile(ctx context.Context, prof *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_profiles (
			account_id, trust_score, verification_tier,
			email_verified, oauth_verified, has_profile_photo, has_real_name,
			suspicious_activity, last_activity, login_count, revision, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		prof.AccountID, prof.TrustScore, string(prof.Tier),
		prof.EmailVerified, prof.OAuthVerified, prof.HasProfilePhoto, prof.HasRealName,
		prof.SuspiciousActivity, nullTime(prof.LastActivity), prof.LoginCount, prof.Revision, prof.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrProfileExists
		}
		return fmt.Errorf("insert trust profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, profileColumns+" WHERE account_id = $1", accountID)
	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust profile: %w", err)
	}
	return prof, nil
}

func (p *PostgresStore) IncrementLoginCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		UPDATE trust_profiles SET login_count = login_count + 1
		WHERE account_id = $1
		RETURNING login_count
	`, accountID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment login count: %w", err)
	}
	return n, nil
}

// Commit writes the profile, the audit record and the outbox entry in one
// transaction. The profile update is guarded by the expected revision.
func (p *PostgresStore) Commit(ctx context.Context, c *Commit) error {
	features, err := json.Marshal(c.Audit.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prof := c.Profile
	res, err := tx.ExecContext(ctx, `
		UPDATE trust_profiles SET
			trust_score         = $3,
			verification_tier   = $4,
			suspicious_activity = $5,
			last_activity       = $6,
			revision            = revision + 1
		WHERE account_id = $1 AND revision = $2
	`, prof.AccountID, c.ExpectedRevision, prof.TrustScore, string(prof.Tier), prof.SuspiciousActivity, prof.LastActivity)
	if err != nil {
		return fmt.Errorf("update trust profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trust_profiles WHERE account_id = $1)`, prof.AccountID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check trust profile: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	rec := c.Audit
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_audit_records (
			id, action, account_id, actor,
			before_score, before_tier, after_score, after_tier,
			reasons, penalties, features, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		rec.ID, rec.Action, rec.AccountID, rec.Actor,
		rec.Before.TrustScore, string(rec.Before.Tier), rec.After.TrustScore, string(rec.After.Tier),
		pq.Array(rec.Reasons), pq.Array(rec.Penalties), string(features), rec.RequestID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	if p.outbox != nil {
		entry, err := outboxEntry(rec)
		if err != nil {
			return err
		}
		if err := p.outbox.AppendTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}
	return nil
}

const auditColumns = `
	SELECT id, action, account_id, actor,
	       before_score, before_tier, after_score, after_tier,
	       reasons, penalties, features, request_id, created_at
	FROM trust_audit_records`

func (p *PostgresStore) ListAudit(ctx context.Context, accountID, before string, limit int) ([]*AuditRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == "" {
		rows, err = p.db.QueryContext(ctx, auditColumns+`
			WHERE account_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		`, accountID, limit)
	} else {
		anchorAt, anchorSeq, aerr := p.auditAnchor(ctx, accountID, before)
		if aerr != nil {
			return nil, aerr
		}
		rows, err = p.db.QueryContext(ctx, auditColumns+`
			WHERE account_id = $1 AND (created_at, seq) < ($2, $3)
			ORDER BY created_at DESC, seq DESC
			LIMIT $4
		`, accountID, anchorAt, anchorSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*AuditRecord, 0)
	for rows.Next() {
		var (
			rec        AuditRecord
			beforeTier string
			afterTier  string
			features   []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.Action, &rec.AccountID, &rec.Actor,
			&rec.Before.TrustScore, &beforeTier, &rec.After.TrustScore, &afterTier,
			pq.Array(&rec.Reasons), pq.Array(&rec.Penalties), &features, &rec.RequestID, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Before.Tier = Tier(beforeTier)
		rec.After.Tier = Tier(afterTier)
		if rec.Reasons == nil {
			rec.Reasons = []string{}
		}
		if rec.Penalties == nil {
			rec.Penalties = []string{}
		}
		if err := json.Unmarshal(features, &rec.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// auditAnchor resolves a cursor record to its position in the listing order.
func (p *PostgresStore) auditAnchor(ctx context.Context, accountID, id string) (time.Time, int64, error) {
	if _, err := uuid.Parse(id); err != nil {
		return time.Time{}, 0, ErrInvalidCursor
	}
	var (
		at  time.Time
		seq int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT created_at, seq FROM trust_audit_records
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(&at, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, ErrInvalidCursor
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("resolve audit cursor: %w", err)
	}
	return at, seq, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scannable) (*Profile, error) {
	var (
		prof         Profile
		tier         string
		lastActivity sql.NullTime
	)
	if err := row.Scan(
		&prof.AccountID, &prof.TrustScore, &tier,
		&prof.EmailVerified, &prof.OAuthVerified, &prof.HasProfilePhoto, &prof.HasRealName,
		&prof.SuspiciousActivity, &lastActivity, &prof.LoginCount, &prof.Revision, &prof.CreatedAt,
	); err != nil {
		return nil, err
	}
	prof.Tier = Tier(tier)
	if lastActivity.Valid {
		prof.LastActivity = lastActivity.Time
	}
	return &prof, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
