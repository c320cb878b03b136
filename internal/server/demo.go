package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/trustgate/internal/accounts"
	"github.com/mbd888/trustgate/internal/trust"
)

type demoAccount struct {
	init          trust.ProfileInit
	ageDays       int
	orders        int
	completed     int
	reviews       int
	favorites     int
	establishment accounts.ApprovalTier // empty means none
	packs         int
	ratings       []float64
}

// demoAccounts are seeded into in-memory storage in development so the API
// has something to analyze out of the box.
var demoAccounts = []demoAccount{
	{
		init:    trust.ProfileInit{AccountID: "demo-newcomer"},
		ageDays: 1,
	},
	{
		init:      trust.ProfileInit{AccountID: "demo-buyer", EmailVerified: true},
		ageDays:   10,
		orders:    4,
		completed: 3,
		reviews:   2,
		favorites: 1,
	},
	{
		init: trust.ProfileInit{
			AccountID:       "demo-owner",
			EmailVerified:   true,
			OAuthVerified:   true,
			HasProfilePhoto: true,
			HasRealName:     true,
		},
		ageDays:       45,
		orders:        6,
		completed:     5,
		reviews:       3,
		favorites:     4,
		establishment: accounts.ApprovalApproved,
		packs:         3,
		ratings:       []float64{5, 4.5, 5, 4.5, 4, 5},
	},
}

func seedDemoData(ctx context.Context, svc *trust.Service, w accounts.Writer, now time.Time) error {
	for _, d := range demoAccounts {
		id := d.init.AccountID
		init := d.init
		init.CreatedAt = now.Add(-time.Duration(d.ageDays) * 24 * time.Hour)
		if _, err := svc.CreateProfile(ctx, init); err != nil {
			return err
		}

		for i := 0; i < d.orders; i++ {
			status := accounts.OrderConfirmed
			if i < d.completed {
				status = accounts.OrderCompleted
			}
			if err := w.AddOrder(ctx, &accounts.Order{
				ID:        fmt.Sprintf("%s-order-%d", id, i),
				AccountID: id,
				Status:    status,
				CreatedAt: now.Add(-time.Duration(48+i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		for i := 0; i < d.reviews; i++ {
			if err := w.AddReview(ctx, id, fmt.Sprintf("%s-review-%d", id, i)); err != nil {
				return err
			}
		}
		for i := 0; i < d.favorites; i++ {
			if err := w.AddFavorite(ctx, id, fmt.Sprintf("establishment-%d", i)); err != nil {
				return err
			}
		}
		if d.establishment != "" {
			estID := id + "-establishment"
			if err := w.UpsertEstablishment(ctx, &accounts.Establishment{
				ID:           estID,
				OwnerID:      id,
				ApprovalTier: d.establishment,
				CreatedAt:    init.CreatedAt,
			}); err != nil {
				return err
			}
			for i := 0; i < d.packs; i++ {
				if err := w.AddPack(ctx, estID, fmt.Sprintf("%s-pack-%d", estID, i)); err != nil {
					return err
				}
			}
		}
		for _, r := range d.ratings {
			if err := w.AddRating(ctx, id, r); err != nil {
				return err
			}
		}
	}
	return nil
}
