package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Compile-time checks.
var (
	_ Store      = (*PostgresStore)(nil)
	_ TxAppender = (*PostgresStore)(nil)
)

const maxFetchBatch = 1000

// PostgresStore implements Store on the outbox table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed outbox.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertEntry = `
	INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if _, err := p.db.ExecContext(ctx, insertEntry,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, string(e.Payload), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// AppendTx appends within tx so the entry commits with the business write.
func (p *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if _, err := tx.ExecContext(ctx, insertEntry,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, string(e.Payload), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert outbox entry in tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) FetchUnprocessed(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxFetchBatch {
		limit = maxFetchBatch
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			processed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if processed.Valid {
			e.ProcessedAt = &processed.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete processed entries: %w", err)
	}
	return res.RowsAffected()
}
