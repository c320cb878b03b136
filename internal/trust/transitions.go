package trust

import "fmt"

const (
	trustedThreshold  = 0.8
	verifiedThreshold = 0.6
)

// ResolveInput is everything the promotion table looks at.
type ResolveInput struct {
	Score           float64
	Tier            Tier
	EmailVerified   bool
	OAuthVerified   bool
	HasProfilePhoto bool
}

// Transition is one row of the promotion table. A matching row with Hold set
// ends evaluation without changing the tier.
type Transition struct {
	Name string
	When func(in ResolveInput) bool
	To   Tier
	Hold bool
}

// DefaultTransitions is evaluated top to bottom, first match wins.
//
// The "high-score-hold" row keeps accounts scoring ≥0.8 from reaching the
// ≥0.6 rows: a PENDING account with a verified email and a high score stays
// PENDING.
var DefaultTransitions = []Transition{
	{
		Name: "identity-to-trusted",
		When: func(in ResolveInput) bool {
			return in.Score >= trustedThreshold && in.Tier == TierIdentityVerified
		},
		To: TierTrustedUser,
	},
	{
		Name: "email-to-identity-high",
		When: func(in ResolveInput) bool {
			return in.Score >= trustedThreshold && in.Tier == TierEmailVerified &&
				(in.OAuthVerified || in.HasProfilePhoto)
		},
		To: TierIdentityVerified,
	},
	{
		Name: "high-score-hold",
		When: func(in ResolveInput) bool { return in.Score >= trustedThreshold },
		Hold: true,
	},
	{
		Name: "pending-to-email",
		When: func(in ResolveInput) bool {
			return in.Score >= verifiedThreshold && in.Tier == TierPending && in.EmailVerified
		},
		To: TierEmailVerified,
	},
	{
		Name: "email-to-identity",
		When: func(in ResolveInput) bool {
			return in.Score >= verifiedThreshold && in.Tier == TierEmailVerified &&
				in.OAuthVerified && in.HasProfilePhoto
		},
		To: TierIdentityVerified,
	},
}

// Resolution is the outcome of walking the promotion table.
type Resolution struct {
	From     Tier
	To       Tier
	Rule     string // empty when no row matched
	Promoted bool
}

// Reason is the label appended to the reasons list on promotion.
func (r Resolution) Reason() string {
	if !r.Promoted {
		return ""
	}
	return "promoted:" + string(r.To)
}

// Resolver maps score and flags to the next verification tier.
type Resolver struct {
	transitions []Transition
}

// NewResolver creates a resolver over DefaultTransitions.
func NewResolver() *Resolver {
	return &Resolver{transitions: DefaultTransitions}
}

// WithTransitions replaces the promotion table.
func (r *Resolver) WithTransitions(t []Transition) *Resolver {
	r.transitions = t
	return r
}

// Resolve returns the next tier. It fails if a matching row would move the
// tier backwards.
func (r *Resolver) Resolve(in ResolveInput) (Resolution, error) {
	res := Resolution{From: in.Tier, To: in.Tier}
	for _, t := range r.transitions {
		if !t.When(in) {
			continue
		}
		res.Rule = t.Name
		if t.Hold || t.To == in.Tier {
			return res, nil
		}
		if t.To.Rank() < in.Tier.Rank() {
			return res, fmt.Errorf("transition %s would demote %s to %s", t.Name, in.Tier, t.To)
		}
		res.To = t.To
		res.Promoted = true
		return res, nil
	}
	return res, nil
}
