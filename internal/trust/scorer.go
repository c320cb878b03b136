package trust

import (
	"fmt"
	"math"
)

// Mode selects how a run's rule sum relates to the persisted score.
type Mode string

const (
	// ModeCumulative adds the rule deltas to the previously persisted score.
	ModeCumulative Mode = "cumulative"
	// ModeRecompute derives the score from the snapshot alone, optionally
	// blended with the previous score by the smoothing factor.
	ModeRecompute Mode = "recompute"
)

// ParseMode validates a configured scoring mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRecompute, ModeCumulative:
		return Mode(s), nil
	case "":
		return ModeCumulative, nil
	default:
		return "", fmt.Errorf("unknown scoring mode %q", s)
	}
}

// Rule is one weighted row of the scoring table. Rules sharing a non-empty
// Group are mutually exclusive: only the first matching rule of the group fires.
type Rule struct {
	Label string
	Delta float64
	Group string
	When  func(s *BehaviorSnapshot) bool
}

// Penalty reports whether the rule lowers the score.
func (r Rule) Penalty() bool {
	return r.Delta < 0
}

const groupReputation = "reputation"

const minRatingsForReputation = 5

// DefaultRules is the production scoring table, in evaluation order.
var DefaultRules = []Rule{
	{Label: "age≥7d", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.AccountAgeDays >= 7 }},
	{Label: "age≥30d", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.AccountAgeDays >= 30 }},
	{Label: "orders≥3", Delta: 0.15, When: func(s *BehaviorSnapshot) bool { return s.OrderCount >= 3 }},
	{Label: "completed≥2", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.CompletedOrderCount >= 2 }},
	{Label: "recentOrders>5", Delta: -0.20, When: func(s *BehaviorSnapshot) bool { return s.RecentOrderCount > 5 }},
	{Label: "reviews≥2", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.ReviewCount >= 2 }},
	{Label: "favorites≥3", Delta: 0.05, When: func(s *BehaviorSnapshot) bool { return s.FavoriteCount >= 3 }},
	{Label: "establishmentApproved", Delta: 0.20, When: func(s *BehaviorSnapshot) bool { return s.HasEstablishment && s.EstablishmentApproved }},
	{Label: "packs≥3", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.HasEstablishment && s.EstablishmentPackCount >= 3 }},
	{Label: "logins≥10", Delta: 0.15, When: func(s *BehaviorSnapshot) bool { return s.LoginCount >= 10 }},
	{Label: "recentActivity", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.RecentActivityWithin7Days }},
	{Label: "emailVerified", Delta: 0.15, When: func(s *BehaviorSnapshot) bool { return s.EmailVerified }},
	{Label: "oauthVerified", Delta: 0.10, When: func(s *BehaviorSnapshot) bool { return s.OAuthVerified }},
	{Label: "profilePhoto", Delta: 0.05, When: func(s *BehaviorSnapshot) bool { return s.HasProfilePhoto }},
	{Label: "realName", Delta: 0.05, When: func(s *BehaviorSnapshot) bool { return s.HasRealName }},
	{Label: "reputation≥4.5", Delta: 0.20, Group: groupReputation, When: func(s *BehaviorSnapshot) bool {
		return s.TotalRatings >= minRatingsForReputation && s.AverageReputation >= 4.5
	}},
	{Label: "reputation≥4.0", Delta: 0.15, Group: groupReputation, When: func(s *BehaviorSnapshot) bool {
		return s.TotalRatings >= minRatingsForReputation && s.AverageReputation >= 4.0 && s.AverageReputation < 4.5
	}},
	{Label: "reputation≥3.5", Delta: 0.10, Group: groupReputation, When: func(s *BehaviorSnapshot) bool {
		return s.TotalRatings >= minRatingsForReputation && s.AverageReputation >= 3.5 && s.AverageReputation < 4.0
	}},
	{Label: "reputation<2.5", Delta: -0.15, Group: groupReputation, When: func(s *BehaviorSnapshot) bool {
		return s.TotalRatings >= minRatingsForReputation && s.AverageReputation < 2.5
	}},
}

// ScoreResult is the scoring engine output for one snapshot.
type ScoreResult struct {
	Score     float64
	Raw       float64 // clamped rule sum before blending
	Reasons   []string
	Penalties []string
}

// Scorer applies a rule table to behavior snapshots.
type Scorer struct {
	rules     []Rule
	mode      Mode
	smoothing float64
}

// NewScorer creates a scorer using DefaultRules in cumulative mode.
func NewScorer() *Scorer {
	return &Scorer{
		rules:     DefaultRules,
		mode:      ModeCumulative,
		smoothing: 1.0,
	}
}

// WithMode overrides the scoring mode.
func (s *Scorer) WithMode(m Mode) *Scorer {
	s.mode = m
	return s
}

// WithSmoothing sets the weight given to the fresh rule sum in recompute mode.
// Values outside (0,1] are clamped into it.
func (s *Scorer) WithSmoothing(alpha float64) *Scorer {
	if alpha <= 0 || math.IsNaN(alpha) {
		alpha = 0.01
	}
	if alpha > 1 {
		alpha = 1
	}
	s.smoothing = alpha
	return s
}

// WithRules replaces the rule table.
func (s *Scorer) WithRules(rules []Rule) *Scorer {
	s.rules = rules
	return s
}

// Mode returns the configured scoring mode.
func (s *Scorer) Mode() Mode {
	return s.mode
}

// Score evaluates snap against the rule table. previous is the currently
// persisted score.
func (s *Scorer) Score(previous float64, snap *BehaviorSnapshot) *ScoreResult {
	res := &ScoreResult{
		Reasons:   []string{},
		Penalties: []string{},
	}

	fired := make(map[string]bool)
	var sum float64
	for _, r := range s.rules {
		if r.Group != "" && fired[r.Group] {
			continue
		}
		if !r.When(snap) {
			continue
		}
		if r.Group != "" {
			fired[r.Group] = true
		}
		sum += r.Delta
		if r.Penalty() {
			res.Penalties = append(res.Penalties, r.Label)
		} else {
			res.Reasons = append(res.Reasons, r.Label)
		}
	}

	previous = clamp(previous)
	switch s.mode {
	case ModeCumulative:
		res.Raw = round4(clamp(sum))
		res.Score = round4(clamp(previous + sum))
	default:
		res.Raw = round4(clamp(sum))
		res.Score = round4(clamp(s.smoothing*res.Raw + (1-s.smoothing)*previous))
	}
	return res
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round4 keeps sums such as 0.1+0.15+... from drifting off the table values.
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
