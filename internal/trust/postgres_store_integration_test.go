//go:build integration

package trust

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/accounts"
	"github.com/mbd888/trustgate/internal/outbox"
	"github.com/mbd888/trustgate/internal/testutil"
)

func TestPostgresStore_AnalyzeRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	ob := outbox.NewPostgresStore(db)
	store := NewPostgresStore(db).WithOutbox(ob)
	activity := accounts.NewPostgresStore(db)
	svc := NewService(store, activity, discardLogger()).WithClock(func() time.Time { return testNow })

	require.NoError(t, store.CreateProfile(ctx, &Profile{
		AccountID:     "acct_pg",
		Tier:          TierPending,
		EmailVerified: true,
		LoginCount:    12,
		LastActivity:  testNow.Add(-24 * time.Hour),
		CreatedAt:     testNow.Add(-10 * 24 * time.Hour),
	}))
	for i := 0; i < 4; i++ {
		status := accounts.OrderCompleted
		if i == 3 {
			status = accounts.OrderConfirmed
		}
		require.NoError(t, activity.AddOrder(ctx, &accounts.Order{
			ID:        fmt.Sprintf("pg-order-%d", i),
			AccountID: "acct_pg",
			Status:    status,
			CreatedAt: testNow.Add(-72 * time.Hour),
		}))
	}
	require.NoError(t, activity.AddReview(ctx, "acct_pg", "r1"))
	require.NoError(t, activity.AddReview(ctx, "acct_pg", "r2"))
	require.NoError(t, activity.AddFavorite(ctx, "acct_pg", "e1"))

	a, err := svc.Analyze(ctx, "acct_pg")
	require.NoError(t, err)
	assert.Equal(t, 0.85, a.TrustScore)
	assert.Equal(t, TierPending, a.Tier)

	p, err := store.GetProfile(ctx, "acct_pg")
	require.NoError(t, err)
	assert.Equal(t, 0.85, p.TrustScore)
	assert.Equal(t, int64(1), p.Revision)
	assert.Equal(t, 12, p.LoginCount)

	records, err := store.ListAudit(ctx, "acct_pg", "", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.AuditID, records[0].ID)
	assert.Equal(t, a.Reasons, records[0].Reasons)
	assert.Equal(t, []string{}, records[0].Penalties)
	assert.Equal(t, a.Features, records[0].Features)

	pending, err := ob.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestPostgresStore_CommitConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	require.NoError(t, store.CreateProfile(ctx, &Profile{AccountID: "acct_c", Tier: TierPending, CreatedAt: testNow}))

	commit := func(expected int64) error {
		return store.Commit(ctx, &Commit{
			Profile:          &Profile{AccountID: "acct_c", TrustScore: 0.5, Tier: TierPending, CreatedAt: testNow},
			ExpectedRevision: expected,
			Audit: &AuditRecord{
				ID:        fmt.Sprintf("00000000-0000-0000-0000-%012d", expected+1),
				Action:    ActionBehaviorAnalysis,
				AccountID: "acct_c",
				Actor:     ActorSystem,
				Reasons:   []string{},
				Penalties: []string{},
				CreatedAt: testNow,
			},
		})
	}

	require.NoError(t, commit(0))
	assert.ErrorIs(t, commit(0), ErrConflict)

	records, err := store.ListAudit(ctx, "acct_c", "", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	err = store.Commit(ctx, &Commit{Profile: &Profile{AccountID: "ghost"}, Audit: &AuditRecord{AccountID: "ghost"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_DuplicateProfile(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	require.NoError(t, store.CreateProfile(ctx, &Profile{AccountID: "dup", Tier: TierPending, CreatedAt: testNow}))
	assert.ErrorIs(t, store.CreateProfile(ctx, &Profile{AccountID: "dup", Tier: TierPending, CreatedAt: testNow}), ErrProfileExists)
}

func TestPostgresStore_AuditIsAppendOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, accounts.NewPostgresStore(db), discardLogger())

	_, err := svc.CreateProfile(ctx, ProfileInit{AccountID: "acct_ro"})
	require.NoError(t, err)
	_, err = svc.Analyze(ctx, "acct_ro")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE trust_audit_records SET after_score = 1 WHERE account_id = 'acct_ro'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM trust_audit_records WHERE account_id = 'acct_ro'`)
	assert.Error(t, err)
}

func TestPostgresStore_ConcurrentServicesConflictNotCorrupt(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	// Two services stand in for two processes: separate in-process locks,
	// one shared database.
	newSvc := func() *Service {
		return NewService(NewPostgresStore(db), accounts.NewPostgresStore(db), discardLogger())
	}
	a, b := newSvc(), newSvc()
	_, err := a.CreateProfile(ctx, ProfileInit{AccountID: "acct_race", EmailVerified: true})
	require.NoError(t, err)

	const runs = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < runs; i++ {
		svc := a
		if i%2 == 1 {
			svc = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Analyze(ctx, "acct_race")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}()
	}
	wg.Wait()

	p, err := NewPostgresStore(db).GetProfile(ctx, "acct_race")
	require.NoError(t, err)
	assert.Equal(t, int64(succeeded), p.Revision)

	records, err := NewPostgresStore(db).ListAudit(ctx, "acct_race", "", 100)
	require.NoError(t, err)
	assert.Len(t, records, succeeded)
}

func TestPostgresStore_IncrementLoginCount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	require.NoError(t, store.CreateProfile(ctx, &Profile{AccountID: "acct_l", Tier: TierPending, CreatedAt: testNow}))
	for want := 1; want <= 3; want++ {
		n, err := store.IncrementLoginCount(ctx, "acct_l")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	_, err := store.IncrementLoginCount(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_AuditPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	svc := NewService(store, accounts.NewPostgresStore(db), discardLogger()).
		WithClock(func() time.Time { return testNow })

	require.NoError(t, store.CreateProfile(ctx, &Profile{
		AccountID: "acct_page",
		Tier:      TierPending,
		CreatedAt: testNow.Add(-time.Hour),
	}))

	// Identical timestamps: order falls back to insertion sequence.
	var ids []string
	for i := 0; i < 5; i++ {
		a, err := svc.Analyze(ctx, "acct_page")
		require.NoError(t, err)
		ids = append(ids, a.AuditID)
	}

	var got []string
	cursor := ""
	for {
		page, err := svc.AuditHistory(ctx, "acct_page", cursor, 2)
		require.NoError(t, err)
		for _, r := range page.Records {
			got = append(got, r.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, got)

	_, err := store.ListAudit(ctx, "acct_page", "not-a-uuid", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
	_, err = store.ListAudit(ctx, "acct_page", "0b7c9e2a-4a43-4f1e-9d8c-2f6b3f1d5a10", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
