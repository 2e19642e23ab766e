// Package service implements the sharing engine: the only component that
// sees both the ingestion and the consumption flow.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/core/privacy"
	"github.com/hive-corporation/intelcommons/internal/core/ratelimit"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// Config holds the process-wide privacy parameters. It is set once at
// construction and never mutated.
type Config struct {
	KThreshold           int
	Epsilon              float64
	TTL                  domain.TTLPolicy
	StoreTimeout         time.Duration
	NotifyTimeout        time.Duration
	DisclosePendingCount bool
}

func DefaultConfig() Config {
	return Config{
		KThreshold:           5,
		Epsilon:              0.1,
		TTL:                  domain.DefaultTTLPolicy(),
		StoreTimeout:         5 * time.Second,
		NotifyTimeout:        10 * time.Second,
		DisclosePendingCount: true,
	}
}

// Dependencies are the collaborators an Engine is built from. Notifier is
// optional.
type Dependencies struct {
	Store         ports.IndicatorStore
	Participation ports.ParticipationStore
	QueryLog      ports.QueryLog
	Limiter       *ratelimit.Limiter
	Hasher        *privacy.Hasher
	Noiser        *privacy.Noiser
	Notifier      ports.Notifier
}

type Engine struct {
	cfg           Config
	store         ports.IndicatorStore
	participation ports.ParticipationStore
	queryLog      ports.QueryLog
	limiter       *ratelimit.Limiter
	hasher        *privacy.Hasher
	noiser        *privacy.Noiser
	notifier      ports.Notifier

	now    func() time.Time
	logger zerolog.Logger

	// in-flight threshold notifications
	notifyWG sync.WaitGroup
}

type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New wires an engine. It returns an error when a required dependency is
// missing.
func New(cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("service: indicator store is required")
	case deps.Participation == nil:
		return nil, errors.New("service: participation store is required")
	case deps.QueryLog == nil:
		return nil, errors.New("service: query log is required")
	case deps.Limiter == nil:
		return nil, errors.New("service: rate limiter is required")
	case deps.Hasher == nil:
		return nil, errors.New("service: hasher is required")
	case deps.Noiser == nil:
		return nil, errors.New("service: noiser is required")
	}
	if cfg.KThreshold < 1 {
		return nil, errors.Errorf("service: k threshold must be positive, got %d", cfg.KThreshold)
	}

	e := &Engine{
		cfg:           cfg,
		store:         deps.Store,
		participation: deps.Participation,
		queryLog:      deps.QueryLog,
		limiter:       deps.Limiter,
		hasher:        deps.Hasher,
		noiser:        deps.Noiser,
		notifier:      deps.Notifier,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) KThreshold() int { return e.cfg.KThreshold }

func (e *Engine) Epsilon() float64 { return e.cfg.Epsilon }

// Drain waits for in-flight threshold notifications.
func (e *Engine) Drain() { e.notifyWG.Wait() }

// ShareIndicator folds one contributor observation into the indicator store.
func (e *Engine) ShareIndicator(ctx context.Context, orgID string, req domain.ShareRequest) (*domain.ShareResult, error) {
	if strings.TrimSpace(orgID) == "" {
		metrics.RecordShare("invalid")
		return nil, domain.NewValidationError("organization_id", "must not be empty")
	}
	if err := req.Validate(e.cfg.TTL); err != nil {
		metrics.RecordShare("invalid")
		return nil, err
	}

	orgHash := e.hasher.Organization(orgID)
	if err := e.checkQuota(ctx, orgHash, ratelimit.ClassShare); err != nil {
		metrics.RecordShare("rate_limited")
		return nil, err
	}

	hash := e.hasher.Indicator(req.Value)
	now := e.now().UTC()
	ttl := e.cfg.TTL.Resolve(req.TTLHours)
	md := domain.SanitizeMetadata(req.Metadata)

	// contributors before this update, captured from the invocation that
	// actually committed
	var before int
	mutate := func(cur *domain.Indicator) (*domain.Indicator, error) {
		if cur == nil {
			before = 0
			return newIndicator(hash, orgHash, req, md, now, ttl), nil
		}
		before = len(cur.ContributingOrgs)
		return mergeObservation(cur, orgHash, req, md, now, ttl), nil
	}

	sctx, cancel := e.storeContext(ctx)
	stored, err := e.store.Update(sctx, hash, mutate)
	cancel()
	if err != nil {
		metrics.RecordShare("error")
		return nil, domain.NewPersistenceError("update indicator", err)
	}

	e.recordShare(ctx, orgHash, now)
	e.appendLog(ctx, orgHash, domain.OpShare, map[string]any{
		"indicator_hash":  hash,
		"ioc_type":        req.IOCType,
		"threat_category": req.ThreatCategory,
		"severity":        req.Severity,
	}, 1, now)

	contributors := len(stored.ContributingOrgs)
	shared := contributors >= e.cfg.KThreshold && !stored.Expired(now)
	if shared && before < e.cfg.KThreshold {
		metrics.RecordThresholdCrossing()
		e.logger.Info().
			Str("indicator", domain.ShortHash(hash)).
			Int("contributors", contributors).
			Msg("indicator reached anonymity threshold")
		e.notifyShared(ctx, stored)
	}

	result := &domain.ShareResult{
		Shared:        shared,
		IndicatorHash: hash,
		Message:       e.shareMessage(contributors),
	}
	if stored.Expired(now) {
		result.Message = "indicator expired, observation recorded"
	}
	if shared {
		metrics.RecordShare("shared")
	} else {
		metrics.RecordShare("pending")
	}
	return result, nil
}

func (e *Engine) shareMessage(contributors int) string {
	k := e.cfg.KThreshold
	if contributors >= k {
		return fmt.Sprintf("indicator shared with the network (%d organizations)", contributors)
	}
	if !e.cfg.DisclosePendingCount {
		return "indicator recorded, awaiting more contributors"
	}
	return fmt.Sprintf("indicator recorded, %d/%d organizations needed", contributors, k)
}

func newIndicator(hash, orgHash string, req domain.ShareRequest, md map[string]string, now time.Time, ttl time.Duration) *domain.Indicator {
	ind := &domain.Indicator{
		IndicatorHash:    hash,
		IOCType:          req.IOCType,
		ThreatCategory:   req.ThreatCategory,
		Severity:         req.Severity,
		Confidence:       req.Confidence,
		RiskScore:        domain.RiskScore(req.Severity, req.Confidence),
		ContributingOrgs: []string{orgHash},
		ObservationCount: 1,
		FirstSeen:        now,
		LastSeen:         now,
		ExpiresAt:        now.Add(ttl),
		Metadata:         md,
	}
	if req.Pattern != nil {
		ind.PatternID = req.Pattern.ID
		ind.PatternExpression = req.Pattern.Expression
	}
	return ind
}

// mergeObservation must stay a pure function of its inputs: stores may call
// it again after a write conflict.
func mergeObservation(cur *domain.Indicator, orgHash string, req domain.ShareRequest, md map[string]string, now time.Time, ttl time.Duration) *domain.Indicator {
	next := cur.Clone()
	next.Confidence = domain.FuseConfidence(cur.Confidence, cur.ObservationCount, req.Confidence)
	next.Severity = domain.MaxSeverity(cur.Severity, req.Severity)
	next.RiskScore = domain.RiskScore(next.Severity, next.Confidence)
	next.AddContributor(orgHash)
	next.ObservationCount = cur.ObservationCount + 1
	if now.After(next.LastSeen) {
		next.LastSeen = now
	}
	// an expired indicator stays expired; live ones are refreshed
	if !cur.Expired(now) {
		if exp := now.Add(ttl); exp.After(next.ExpiresAt) {
			next.ExpiresAt = exp
		}
	}
	if next.PatternExpression == "" && req.Pattern != nil {
		next.PatternID = req.Pattern.ID
		next.PatternExpression = req.Pattern.Expression
	}
	next.Metadata = domain.MergeMetadata(next.Metadata, md)
	return next
}

// GetThreatFeed returns shareable, unexpired indicators with noised
// observation counts, newest first.
func (e *Engine) GetThreatFeed(ctx context.Context, orgID string, filter domain.FeedFilter) ([]domain.SharedIndicator, error) {
	if strings.TrimSpace(orgID) == "" {
		metrics.RecordQuery(string(domain.OpFeed), "invalid")
		return nil, domain.NewValidationError("organization_id", "must not be empty")
	}
	if err := filter.Validate(); err != nil {
		metrics.RecordQuery(string(domain.OpFeed), "invalid")
		return nil, err
	}

	orgHash := e.hasher.Organization(orgID)
	if err := e.checkQuota(ctx, orgHash, ratelimit.ClassQuery); err != nil {
		metrics.RecordQuery(string(domain.OpFeed), "rate_limited")
		return nil, err
	}

	now := e.now().UTC()
	sctx, cancel := e.storeContext(ctx)
	found, err := e.store.Find(sctx, filter.Query(e.cfg.KThreshold, now))
	cancel()
	if err != nil {
		metrics.RecordQuery(string(domain.OpFeed), "error")
		return nil, domain.NewPersistenceError("find indicators", err)
	}

	out := make([]domain.SharedIndicator, 0, len(found))
	for i := range found {
		// stores push the predicate down; re-check so a lax adapter can
		// never leak a below-threshold indicator
		if !found[i].Shareable(e.cfg.KThreshold) || found[i].Expired(now) {
			continue
		}
		out = append(out, e.toShared(&found[i]))
	}

	e.recordConsume(ctx, orgHash, int64(len(out)), now)
	e.appendLog(ctx, orgHash, domain.OpFeed, filter, len(out), now)

	metrics.RecordQuery(string(domain.OpFeed), "ok")
	return out, nil
}

// QueryIOC looks up a single raw value. Absent, below-threshold, expired and
// type-mismatched indicators all yield domain.ErrNotFound.
func (e *Engine) QueryIOC(ctx context.Context, orgID, value string, iocType domain.IOCType) (*domain.SharedIndicator, error) {
	op := string(domain.OpQueryIOC)
	if strings.TrimSpace(orgID) == "" {
		metrics.RecordQuery(op, "invalid")
		return nil, domain.NewValidationError("organization_id", "must not be empty")
	}
	if strings.TrimSpace(value) == "" {
		metrics.RecordQuery(op, "invalid")
		return nil, domain.NewValidationError("ioc_value", "must not be empty")
	}
	if iocType != "" && !iocType.Valid() {
		metrics.RecordQuery(op, "invalid")
		return nil, domain.NewValidationError("ioc_type", fmt.Sprintf("unknown type %q", iocType))
	}

	orgHash := e.hasher.Organization(orgID)
	if err := e.checkQuota(ctx, orgHash, ratelimit.ClassQuery); err != nil {
		metrics.RecordQuery(op, "rate_limited")
		return nil, err
	}

	hash := e.hasher.Indicator(value)
	now := e.now().UTC()

	sctx, cancel := e.storeContext(ctx)
	ind, err := e.store.Get(sctx, hash)
	cancel()
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		metrics.RecordQuery(op, "error")
		return nil, domain.NewPersistenceError("get indicator", err)
	}

	visible := err == nil &&
		ind.Shareable(e.cfg.KThreshold) &&
		!ind.Expired(now) &&
		(iocType == "" || ind.IOCType == iocType)

	results := 0
	if visible {
		results = 1
	}
	e.recordConsume(ctx, orgHash, int64(results), now)
	e.appendLog(ctx, orgHash, domain.OpQueryIOC, map[string]any{
		"indicator_hash": hash,
		"ioc_type":       iocType,
	}, results, now)

	if !visible {
		metrics.RecordQuery(op, "not_found")
		return nil, domain.ErrNotFound
	}

	shared := e.toShared(ind)
	metrics.RecordQuery(op, "ok")
	return &shared, nil
}

// GetNetworkStats returns aggregate, non-identifying counters.
func (e *Engine) GetNetworkStats(ctx context.Context) (*domain.NetworkStats, error) {
	now := e.now().UTC()

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	st, err := e.store.Stats(sctx, e.cfg.KThreshold, now.Add(-24*time.Hour))
	if err != nil {
		return nil, domain.NewPersistenceError("indicator stats", err)
	}
	orgs, err := e.participation.Count(sctx)
	if err != nil {
		return nil, domain.NewPersistenceError("participation count", err)
	}

	return &domain.NetworkStats{
		TotalIndicators:     st.Total,
		SharedIndicators:    st.Shared,
		ActiveOrganizations: orgs,
		Recent24hActivity:   st.UpdatedSince,
		KThreshold:          e.cfg.KThreshold,
		Epsilon:             e.cfg.Epsilon,
	}, nil
}

// toShared builds the consumer view. The observation count is noised on
// every call and never written back.
func (e *Engine) toShared(ind *domain.Indicator) domain.SharedIndicator {
	var md map[string]string
	if len(ind.Metadata) > 0 {
		md = make(map[string]string, len(ind.Metadata))
		for k, v := range ind.Metadata {
			md[k] = v
		}
	}
	return domain.SharedIndicator{
		IndicatorHash:         ind.IndicatorHash,
		IOCType:               ind.IOCType,
		ThreatCategory:        ind.ThreatCategory,
		Severity:              ind.Severity,
		Confidence:            ind.Confidence,
		RiskScore:             ind.RiskScore,
		ContributingOrgsCount: len(ind.ContributingOrgs),
		ObservationCount:      e.noiser.AddNoise(ind.ObservationCount),
		FirstSeen:             ind.FirstSeen,
		LastSeen:              ind.LastSeen,
		ExpiresAt:             ind.ExpiresAt,
		PatternID:             ind.PatternID,
		PatternExpression:     ind.PatternExpression,
		Metadata:              md,
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// auditContext detaches audit writes from the caller's cancellation: once
// the primary operation ran, a client going away must not drop its trail.
func (e *Engine) auditContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return e.storeContext(context.WithoutCancel(ctx))
}

func (e *Engine) checkQuota(ctx context.Context, orgHash string, class ratelimit.Class) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.limiter.Check(sctx, orgHash, class)
}

func (e *Engine) recordShare(ctx context.Context, orgHash string, now time.Time) {
	actx, cancel := e.auditContext(ctx)
	defer cancel()
	if err := e.participation.RecordShare(actx, orgHash, now); err != nil {
		metrics.RecordAuditFailure("participation")
		e.logger.Error().Err(err).Str("org", domain.ShortHash(orgHash)).Msg("failed to record share participation")
	}
}

func (e *Engine) recordConsume(ctx context.Context, orgHash string, results int64, now time.Time) {
	actx, cancel := e.auditContext(ctx)
	defer cancel()
	if err := e.participation.RecordConsume(actx, orgHash, results, now); err != nil {
		metrics.RecordAuditFailure("participation")
		e.logger.Error().Err(err).Str("org", domain.ShortHash(orgHash)).Msg("failed to record consume participation")
	}
}

// appendLog writes one audit entry. params must never contain raw IOC values.
func (e *Engine) appendLog(ctx context.Context, orgHash string, op domain.Operation, params any, results int, now time.Time) {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("{}")
	}
	entry := domain.QueryLogEntry{
		RequesterHash: orgHash,
		Operation:     op,
		Parameters:    string(raw),
		ResultCount:   results,
		Timestamp:     now,
	}

	actx, cancel := e.auditContext(ctx)
	defer cancel()
	if err := e.queryLog.Append(actx, entry); err != nil {
		metrics.RecordAuditFailure("query_log")
		e.logger.Error().Err(err).
			Str("org", domain.ShortHash(orgHash)).
			Str("operation", string(op)).
			Msg("failed to append query log entry")
	}
}

func (e *Engine) notifyShared(ctx context.Context, ind *domain.Indicator) {
	if e.notifier == nil {
		return
	}
	view := e.toShared(ind)
	base := context.WithoutCancel(ctx)

	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		nctx, cancel := context.WithTimeout(base, e.notifyTimeout())
		defer cancel()
		if err := e.notifier.NotifyIndicatorShared(nctx, view); err != nil {
			e.logger.Warn().Err(err).Str("indicator", domain.ShortHash(view.IndicatorHash)).Msg("threshold notification failed")
		}
	}()
}

func (e *Engine) notifyTimeout() time.Duration {
	if e.cfg.NotifyTimeout <= 0 {
		return 10 * time.Second
	}
	return e.cfg.NotifyTimeout
}
