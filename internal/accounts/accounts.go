// Package accounts is the account datastore read by the trust engine:
// orders, reviews, favorites, establishments with their packs, and
// aggregated reputation. The trust engine only reads; writers here exist for
// the owning services and for seeding.
package accounts

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// ApprovalTier is the moderation state of an establishment.
type ApprovalTier string

const (
	ApprovalPending      ApprovalTier = "PENDING"
	ApprovalApproved     ApprovalTier = "APPROVED"
	ApprovalAutoVerified ApprovalTier = "AUTO_VERIFIED"
	ApprovalRejected     ApprovalTier = "REJECTED"
)

// Approved reports whether the tier counts as an approved establishment.
func (t ApprovalTier) Approved() bool {
	return t == ApprovalApproved || t == ApprovalAutoVerified
}

// Order is one order placed by an account.
type Order struct {
	ID        string      `json:"id"`
	AccountID string      `json:"accountId"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Establishment is the venue an account operates, if any.
type Establishment struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"ownerId"`
	ApprovalTier ApprovalTier `json:"approvalTier"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Writer records activity. Reads go through the trust engine's ActivitySource
// methods implemented by each store.
type Writer interface {
	AddOrder(ctx context.Context, o *Order) error
	AddReview(ctx context.Context, accountID, reviewID string) error
	AddFavorite(ctx context.Context, accountID, targetID string) error
	UpsertEstablishment(ctx context.Context, e *Establishment) error
	AddPack(ctx context.Context, establishmentID, packID string) error
	AddRating(ctx context.Context, accountID string, rating float64) error
}

func validRating(r float64) bool {
	return r >= 1 && r <= 5
}
