package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/realtime"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
)

// DefaultAnalyzeEveryNLogins is how often the login hook queues an analysis.
const DefaultAnalyzeEveryNLogins = 5

// Service runs trust analyses and serves trust state.
type Service struct {
	store     Store
	extractor *Extractor
	scorer    *Scorer
	resolver  *Resolver
	locks     *syncutil.KeyedLocker
	events    EventPublisher
	queue     Queue
	everyN    int
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a trust service with default scoring and promotion tables.
func NewService(store Store, activity ActivitySource, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		extractor: NewExtractor(store, activity),
		scorer:    NewScorer(),
		resolver:  NewResolver(),
		locks:     syncutil.NewKeyedLocker(),
		everyN:    DefaultAnalyzeEveryNLogins,
		logger:    logger,
		now:       time.Now,
	}
}

// WithScorer replaces the scoring engine.
func (s *Service) WithScorer(sc *Scorer) *Service {
	s.scorer = sc
	return s
}

// WithResolver replaces the promotion table.
func (s *Service) WithResolver(r *Resolver) *Service {
	s.resolver = r
	return s
}

// WithEvents attaches a live event publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithQueue attaches the analysis queue used by RecordLogin.
func (s *Service) WithQueue(q Queue) *Service {
	s.queue = q
	return s
}

// WithAnalyzeEveryNLogins sets the login trigger interval. n < 1 disables it.
func (s *Service) WithAnalyzeEveryNLogins(n int) *Service {
	s.everyN = n
	return s
}

// WithClock overrides the time source for the service and its extractor.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.extractor.now = now
	return s
}

// CreateProfile registers a new account at score 0 and tier PENDING.
func (s *Service) CreateProfile(ctx context.Context, init ProfileInit) (*Profile, error) {
	if init.AccountID == "" {
		return nil, fmt.Errorf("create profile: empty account id")
	}
	created := init.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	p := &Profile{
		AccountID:       init.AccountID,
		TrustScore:      0,
		Tier:            TierPending,
		EmailVerified:   init.EmailVerified,
		OAuthVerified:   init.OAuthVerified,
		HasProfilePhoto: init.HasProfilePhoto,
		HasRealName:     init.HasRealName,
		LastActivity:    created,
		CreatedAt:       created,
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return p, nil
}

// Analyze runs one read-score-resolve-commit cycle for accountID. Runs for the
// same account are serialized in-process; a concurrent writer elsewhere makes
// the commit fail with ErrConflict and leaves state untouched.
func (s *Service) Analyze(ctx context.Context, accountID string) (a *Analysis, err error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "trust.Analyze", traces.AccountID(accountID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
		metrics.AnalysesTotal.WithLabelValues(outcome(err)).Inc()
	}()

	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire account lock: %w", err)
	}
	defer unlock()

	profile, snap, err := s.extractor.Extract(ctx, accountID)
	if err != nil {
		return nil, err
	}

	scored := s.scorer.Score(profile.TrustScore, snap)

	res, err := s.resolver.Resolve(ResolveInput{
		Score:           scored.Score,
		Tier:            profile.Tier,
		EmailVerified:   profile.EmailVerified,
		OAuthVerified:   profile.OAuthVerified,
		HasProfilePhoto: profile.HasProfilePhoto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier: %w", err)
	}

	reasons := cloneStrings(scored.Reasons)
	if res.Promoted {
		reasons = append(reasons, res.Reason())
	}
	penalties := cloneStrings(scored.Penalties)

	now := s.now()
	next := *profile
	next.TrustScore = scored.Score
	next.Tier = res.To
	next.LastActivity = now
	next.SuspiciousActivity = len(penalties) > 0
	next.Revision = profile.Revision + 1

	record := &AuditRecord{
		ID:        uuid.NewString(),
		Action:    ActionBehaviorAnalysis,
		AccountID: accountID,
		Actor:     ActorSystem,
		Before:    StateSnapshot{TrustScore: profile.TrustScore, Tier: profile.Tier},
		After:     StateSnapshot{TrustScore: next.TrustScore, Tier: next.Tier},
		Reasons:   reasons,
		Penalties: penalties,
		Features:  *snap,
		RequestID: logging.RequestID(ctx),
		CreatedAt: now,
	}

	if err := s.store.Commit(ctx, &Commit{
		Profile:          &next,
		ExpectedRevision: profile.Revision,
		Audit:            record,
	}); err != nil {
		return nil, fmt.Errorf("failed to commit analysis: %w", err)
	}

	span.SetAttributes(traces.Score(next.TrustScore), traces.Tier(string(next.Tier)), traces.Promoted(res.Promoted))
	metrics.ScoreDistribution.Observe(next.TrustScore)
	for _, p := range penalties {
		metrics.PenaltiesTotal.WithLabelValues(p).Inc()
	}
	if res.Promoted {
		metrics.PromotionsTotal.WithLabelValues(string(res.To)).Inc()
	}

	a = &Analysis{
		AccountID:  accountID,
		TrustScore: next.TrustScore,
		Tier:       next.Tier,
		Previous:   record.Before,
		Promoted:   res.Promoted,
		Reasons:    reasons,
		Penalties:  penalties,
		Features:   *snap,
		AuditID:    record.ID,
	}
	s.publish(a)

	s.log(ctx).Info("trust analysis committed",
		"account_id", accountID,
		"score", a.TrustScore,
		"tier", a.Tier,
		"promoted", a.Promoted,
		"penalties", len(penalties),
	)
	return a, nil
}

// log prefers the request logger and falls back to the service logger.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.L(logging.WithFallback(ctx, s.logger))
}

func (s *Service) publish(a *Analysis) {
	if s.events == nil {
		return
	}
	s.events.Publish(a.AccountID, realtime.EventAnalysisCompleted, map[string]interface{}{
		"trustScore":       a.TrustScore,
		"verificationTier": a.Tier,
		"reasons":          a.Reasons,
		"penalties":        a.Penalties,
	})
	if a.Promoted {
		s.events.Publish(a.AccountID, realtime.EventTierPromoted, map[string]interface{}{
			"from": a.Previous.Tier,
			"to":   a.Tier,
		})
	}
}

// Status returns the read-only trust projection for accountID.
func (s *Service) Status(ctx context.Context, accountID string) (*Status, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	p, err := s.store.GetProfile(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Tier:                  p.Tier,
		TrustScore:            p.TrustScore,
		EmailVerified:         p.EmailVerified,
		SuspiciousActivity:    p.SuspiciousActivity,
		LastActivity:          p.LastActivity,
		LoginCount:            p.LoginCount,
		DaysSinceRegistration: daysBetween(p.CreatedAt, s.now()),
	}, nil
}

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 200
)

// AuditHistory returns one page of accountID's audit records, newest first.
// cursor is the NextCursor of the previous page, or "" for the first.
func (s *Service) AuditHistory(ctx context.Context, accountID, cursor string, limit int) (*AuditPage, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if _, err := s.store.GetProfile(ctx, accountID); err != nil {
		return nil, err
	}

	before := ""
	if after != nil {
		before = after.ID
	}
	records, err := s.store.ListAudit(ctx, accountID, before, limit+1)
	if err != nil {
		return nil, err
	}

	records, next, more := pagination.ComputePage(records, limit, func(r *AuditRecord) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &AuditPage{
		Records:    records,
		Count:      len(records),
		NextCursor: next,
		HasMore:    more,
	}, nil
}

// RecordLogin bumps the login counter and queues an analysis on every Nth
// login. A failed enqueue is logged; the login itself still counts.
func (s *Service) RecordLogin(ctx context.Context, accountID string) (*LoginResult, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	count, err := s.store.IncrementLoginCount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{LoginCount: count}
	if s.queue == nil || s.everyN < 1 || count%s.everyN != 0 {
		return result, nil
	}

	task := &Task{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Trigger:    TriggerLogin,
		RequestID:  logging.RequestID(ctx),
		EnqueuedAt: s.now(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.log(ctx).Warn("failed to enqueue login analysis", "account_id", accountID, "error", err)
		return result, nil
	}
	result.AnalysisQueued = true
	return result, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
