package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads and writes activity records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) AddOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, account_id, status, created_at) VALUES ($1, $2, $3, $4)
	`, o.ID, o.AccountID, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) AddReview(ctx context.Context, accountID, reviewID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, account_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, reviewID, accountID)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (p *PostgresStore) AddFavorite(ctx context.Context, accountID, targetID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO favorites (account_id, target_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, accountID, targetID)
	if err != nil {
		return fmt.Errorf("insert favorite: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpsertEstablishment(ctx context.Context, e *Establishment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO establishments (id, owner_id, approval_tier, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE SET approval_tier = EXCLUDED.approval_tier
	`, e.ID, e.OwnerID, string(e.ApprovalTier), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert establishment: %w", err)
	}
	return nil
}

func (p *PostgresStore) AddPack(ctx context.Context, establishmentID, packID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO packs (id, establishment_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, packID, establishmentID)
	if err != nil {
		return fmt.Errorf("insert pack: %w", err)
	}
	return nil
}

func (p *PostgresStore) AddRating(ctx context.Context, accountID string, rating float64) error {
	if !validRating(rating) {
		return ErrInvalidRating
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputations (account_id, total_ratings, rating_sum)
		VALUES ($1, 1, $2)
		ON CONFLICT (account_id) DO UPDATE SET
			total_ratings = reputations.total_ratings + 1,
			rating_sum    = reputations.rating_sum + EXCLUDED.rating_sum
	`, accountID, rating)
	if err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}
	return nil
}

// RecentOrders inspects the newest limit orders of accountID.
func (p *PostgresStore) RecentOrders(ctx context.Context, accountID string, limit int) (int, int, error) {
	var total, completed int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $3)
		FROM (
			SELECT status FROM orders
			WHERE account_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
	`, accountID, limit, string(OrderCompleted)).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("recent orders: %w", err)
	}
	return total, completed, nil
}

func (p *PostgresStore) CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM orders WHERE account_id = $1 AND created_at >= $2`, accountID, since)
}

func (p *PostgresStore) CountReviews(ctx context.Context, accountID string) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM reviews WHERE account_id = $1`, accountID)
}

func (p *PostgresStore) CountFavorites(ctx context.Context, accountID string) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM favorites WHERE account_id = $1`, accountID)
}

func (p *PostgresStore) Establishment(ctx context.Context, accountID string) (bool, bool, int, error) {
	var (
		tier  string
		packs int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT e.approval_tier, COUNT(pk.id)
		FROM establishments e
		LEFT JOIN packs pk ON pk.establishment_id = e.id
		WHERE e.owner_id = $1
		GROUP BY e.id, e.approval_tier
	`, accountID).Scan(&tier, &packs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, 0, nil
	}
	if err != nil {
		return false, false, 0, fmt.Errorf("establishment: %w", err)
	}
	return true, ApprovalTier(tier).Approved(), packs, nil
}

func (p *PostgresStore) Reputation(ctx context.Context, accountID string) (int, float64, error) {
	var (
		total int
		sum   float64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT total_ratings, rating_sum FROM reputations WHERE account_id = $1
	`, accountID).Scan(&total, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("reputation: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return total, sum / float64(total), nil
}

func (p *PostgresStore) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
