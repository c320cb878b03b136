package trust

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	recentOrderWindow    = 10
	burstWindow          = 24 * time.Hour
	recentActivityWindow = 7 * 24 * time.Hour
)

// Extractor builds the BehaviorSnapshot for one account.
type Extractor struct {
	store    Store
	activity ActivitySource
	now      func() time.Time
}

// NewExtractor creates an extractor reading profiles from store and counters
// from activity.
func NewExtractor(store Store, activity ActivitySource) *Extractor {
	return &Extractor{store: store, activity: activity, now: time.Now}
}

// Extract returns the profile as read and the snapshot derived from it. The
// returned profile carries the revision the commit must be guarded by.
func (e *Extractor) Extract(ctx context.Context, accountID string) (*Profile, *BehaviorSnapshot, error) {
	profile, err := e.store.GetProfile(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	snap := &BehaviorSnapshot{
		AccountAgeDays:            daysBetween(profile.CreatedAt, now),
		LoginCount:                profile.LoginCount,
		RecentActivityWithin7Days: !profile.LastActivity.IsZero() && now.Sub(profile.LastActivity) <= recentActivityWindow,
		EmailVerified:             profile.EmailVerified,
		OAuthVerified:             profile.OAuthVerified,
		HasProfilePhoto:           profile.HasProfilePhoto,
		HasRealName:               profile.HasRealName,
	}

	// Each goroutine writes disjoint fields of snap.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, completed, err := e.activity.RecentOrders(gctx, accountID, recentOrderWindow)
		if err != nil {
			return fmt.Errorf("recent orders: %w", err)
		}
		snap.OrderCount, snap.CompletedOrderCount = total, completed
		return nil
	})
	g.Go(func() error {
		n, err := e.activity.CountOrdersSince(gctx, accountID, now.Add(-burstWindow))
		if err != nil {
			return fmt.Errorf("orders in last 24h: %w", err)
		}
		snap.RecentOrderCount = n
		return nil
	})
	g.Go(func() error {
		n, err := e.activity.CountReviews(gctx, accountID)
		if err != nil {
			return fmt.Errorf("reviews: %w", err)
		}
		snap.ReviewCount = n
		return nil
	})
	g.Go(func() error {
		n, err := e.activity.CountFavorites(gctx, accountID)
		if err != nil {
			return fmt.Errorf("favorites: %w", err)
		}
		snap.FavoriteCount = n
		return nil
	})
	g.Go(func() error {
		found, approved, packs, err := e.activity.Establishment(gctx, accountID)
		if err != nil {
			return fmt.Errorf("establishment: %w", err)
		}
		snap.HasEstablishment = found
		snap.EstablishmentApproved = found && approved
		snap.EstablishmentPackCount = packs
		return nil
	})
	g.Go(func() error {
		total, avg, err := e.activity.Reputation(gctx, accountID)
		if err != nil {
			return fmt.Errorf("reputation: %w", err)
		}
		snap.TotalRatings, snap.AverageReputation = total, avg
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("failed to extract features: %w", err)
	}

	return profile, snap, nil
}

func daysBetween(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
