// Package trust maintains per-account trust scores and verification tiers.
//
// An analysis run reads behavioral counters for one account, scores them with
// an ordered table of weighted rules, resolves the next verification tier and
// commits the result together with one immutable audit record.
//
// Flow:
//  1. Extractor reads the profile and activity counters → BehaviorSnapshot
//  2. Scorer applies the weighted rules → score, reasons, penalties
//  3. Resolver walks the promotion table → next tier
//  4. Store commits profile + audit record (+ outbox entry) atomically
//
// Tiers only move forward: PENDING → EMAIL_VERIFIED → IDENTITY_VERIFIED → TRUSTED_USER.
package trust

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthenticated = errors.New("caller identity required")
	ErrNotFound        = errors.New("trust profile not found")
	ErrProfileExists   = errors.New("trust profile already exists")
	ErrConflict        = errors.New("trust profile was modified concurrently")
	ErrInvalidCursor   = errors.New("invalid audit cursor")
)

// Tier is the verification stage an account occupies.
type Tier string

const (
	TierPending          Tier = "PENDING"
	TierEmailVerified    Tier = "EMAIL_VERIFIED"
	TierIdentityVerified Tier = "IDENTITY_VERIFIED"
	TierTrustedUser      Tier = "TRUSTED_USER"
)

// Rank orders tiers; unknown tiers rank below PENDING.
func (t Tier) Rank() int {
	switch t {
	case TierPending:
		return 0
	case TierEmailVerified:
		return 1
	case TierIdentityVerified:
		return 2
	case TierTrustedUser:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

const (
	ActionBehaviorAnalysis = "BEHAVIOR_ANALYSIS"
	ActorSystem            = "system"
)

// Profile is the persisted trust state of one account.
type Profile struct {
	AccountID          string    `json:"accountId"`
	TrustScore         float64   `json:"trustScore"`
	Tier               Tier      `json:"verificationTier"`
	EmailVerified      bool      `json:"emailVerified"`
	OAuthVerified      bool      `json:"oauthVerified"`
	HasProfilePhoto    bool      `json:"hasProfilePhoto"`
	HasRealName        bool      `json:"hasRealName"`
	SuspiciousActivity bool      `json:"suspiciousActivity"`
	LastActivity       time.Time `json:"lastActivity"`
	LoginCount         int       `json:"loginCount"`
	Revision           int64     `json:"revision"`
	CreatedAt          time.Time `json:"createdAt"`
}

// BehaviorSnapshot is the read-only bundle of counters consumed by one run.
type BehaviorSnapshot struct {
	AccountAgeDays            int     `json:"accountAgeDays"`
	OrderCount                int     `json:"orderCount"`
	CompletedOrderCount       int     `json:"completedOrderCount"`
	RecentOrderCount          int     `json:"recentOrderCount"`
	ReviewCount               int     `json:"reviewCount"`
	FavoriteCount             int     `json:"favoriteCount"`
	HasEstablishment          bool    `json:"hasEstablishment"`
	EstablishmentApproved     bool    `json:"establishmentApproved"`
	EstablishmentPackCount    int     `json:"establishmentPackCount"`
	LoginCount                int     `json:"loginCount"`
	RecentActivityWithin7Days bool    `json:"recentActivityWithin7Days"`
	EmailVerified             bool    `json:"emailVerified"`
	OAuthVerified             bool    `json:"oauthVerified"`
	HasProfilePhoto           bool    `json:"hasProfilePhoto"`
	HasRealName               bool    `json:"hasRealName"`
	TotalRatings              int     `json:"totalRatings"`
	AverageReputation         float64 `json:"averageReputation"`
}

// StateSnapshot captures score and tier at one point of an audit record.
type StateSnapshot struct {
	TrustScore float64 `json:"trustScore"`
	Tier       Tier    `json:"verificationTier"`
}

// AuditRecord is the immutable log entry written by every analysis run.
type AuditRecord struct {
	ID        string           `json:"id"`
	Action    string           `json:"action"`
	AccountID string           `json:"accountId"`
	Actor     string           `json:"actor"`
	Before    StateSnapshot    `json:"before"`
	After     StateSnapshot    `json:"after"`
	Reasons   []string         `json:"reasons"`
	Penalties []string         `json:"penalties"`
	Features  BehaviorSnapshot `json:"features"`
	RequestID string           `json:"requestId,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Commit is the unit the store persists atomically at the end of a run.
// ExpectedRevision is the revision read by the extractor; the store rejects
// the commit with ErrConflict when the stored revision moved on.
type Commit struct {
	Profile          *Profile
	ExpectedRevision int64
	Audit            *AuditRecord
}

// ProfileInit carries the externally owned flags for a newly created account.
type ProfileInit struct {
	AccountID       string
	EmailVerified   bool
	OAuthVerified   bool
	HasProfilePhoto bool
	HasRealName     bool
	CreatedAt       time.Time
}

// Store persists trust profiles and their audit trail.
type Store interface {
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, accountID string) (*Profile, error)
	IncrementLoginCount(ctx context.Context, accountID string) (int, error)
	Commit(ctx context.Context, c *Commit) error
	// ListAudit returns up to limit records newest first, starting after the
	// record with ID before ("" starts at the newest). An unknown before
	// yields ErrInvalidCursor.
	ListAudit(ctx context.Context, accountID, before string, limit int) ([]*AuditRecord, error)
}

// ActivitySource exposes the account datastore counters the extractor reads.
type ActivitySource interface {
	// RecentOrders inspects the newest limit orders and reports how many were
	// found and how many of those completed.
	RecentOrders(ctx context.Context, accountID string, limit int) (total, completed int, err error)
	CountOrdersSince(ctx context.Context, accountID string, since time.Time) (int, error)
	CountReviews(ctx context.Context, accountID string) (int, error)
	CountFavorites(ctx context.Context, accountID string) (int, error)
	Establishment(ctx context.Context, accountID string) (found, approved bool, packCount int, err error)
	Reputation(ctx context.Context, accountID string) (totalRatings int, average float64, err error)
}

// EventPublisher receives analysis events for live subscribers.
type EventPublisher interface {
	Publish(accountID, eventType string, data interface{})
}

// Analysis is the result of one run as returned to callers.
type Analysis struct {
	AccountID  string           `json:"-"`
	TrustScore float64          `json:"trustScore"`
	Tier       Tier             `json:"verificationTier"`
	Previous   StateSnapshot    `json:"-"`
	Promoted   bool             `json:"-"`
	Reasons    []string         `json:"reasons"`
	Penalties  []string         `json:"penalties"`
	Features   BehaviorSnapshot `json:"-"`
	AuditID    string           `json:"-"`
}

// Status is the read-only projection served by the status query.
type Status struct {
	Tier                  Tier      `json:"verificationTier"`
	TrustScore            float64   `json:"trustScore"`
	EmailVerified         bool      `json:"emailVerified"`
	SuspiciousActivity    bool      `json:"suspiciousActivity"`
	LastActivity          time.Time `json:"lastActivity"`
	LoginCount            int       `json:"loginCount"`
	DaysSinceRegistration int       `json:"daysSinceRegistration"`
}

// AuditPage is one page of an account's audit history.
type AuditPage struct {
	Records    []*AuditRecord `json:"records"`
	Count      int            `json:"count"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// LoginResult reports the outcome of the login hook.
type LoginResult struct {
	LoginCount     int  `json:"loginCount"`
	AnalysisQueued bool `json:"analysisQueued"`
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
