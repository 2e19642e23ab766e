package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes worth retrying an indicator update for.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// RetryConfig bounds conflict retries of Update.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, InitialInterval: 20 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
}

// PostgresRepository is the indicator store backed by a pgx pool.
type PostgresRepository struct {
	db    *pgxpool.Pool
	retry RetryConfig
}

var (
	_ ports.IndicatorStore     = (*PostgresRepository)(nil)
	_ ports.ParticipationStore = (*PostgresParticipationStore)(nil)
)

func NewPostgresRepository(db *pgxpool.Pool, retry RetryConfig) *PostgresRepository {
	return &PostgresRepository{db: db, retry: retry}
}

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

const indicatorColumns = `indicator_hash, ioc_type, threat_category, severity, confidence, risk_score,
	contributing_orgs, observation_count, first_seen, last_seen, expires_at,
	pattern_id, pattern_expression, metadata`

func scanIndicator(row pgx.Row) (*domain.Indicator, error) {
	var ind domain.Indicator
	err := row.Scan(
		&ind.IndicatorHash,
		&ind.IOCType,
		&ind.ThreatCategory,
		&ind.Severity,
		&ind.Confidence,
		&ind.RiskScore,
		&ind.ContributingOrgs,
		&ind.ObservationCount,
		&ind.FirstSeen,
		&ind.LastSeen,
		&ind.ExpiresAt,
		&ind.PatternID,
		&ind.PatternExpression,
		&ind.Metadata,
	)
	if err != nil {
		return nil, err
	}
	if len(ind.Metadata) == 0 {
		ind.Metadata = nil
	}
	return &ind, nil
}

func (r *PostgresRepository) Get(ctx context.Context, hash string) (*domain.Indicator, error) {
	query := `SELECT ` + indicatorColumns + ` FROM indicators WHERE indicator_hash = $1`

	ind, err := scanIndicator(r.db.QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get indicator")
	}
	return ind, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// result back in one transaction. A first insert racing another first insert
// fails with a unique violation; the loser retries and then sees the row.
func (r *PostgresRepository) Update(ctx context.Context, hash string, fn ports.UpdateFunc) (*domain.Indicator, error) {
	var result *domain.Indicator

	op := func() error {
		err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
			query := `SELECT ` + indicatorColumns + ` FROM indicators WHERE indicator_hash = $1 FOR UPDATE`
			current, err := scanIndicator(tx.QueryRow(ctx, query, hash))
			if errors.Is(err, pgx.ErrNoRows) {
				current = nil
			} else if err != nil {
				return errors.Wrap(err, "failed to lock indicator")
			}

			next, err := fn(current)
			if err != nil {
				return backoff.Permanent(err)
			}
			if next == nil {
				return backoff.Permanent(errNilUpdate)
			}
			next = next.Clone()
			next.IndicatorHash = hash

			if current == nil {
				err = insertIndicator(ctx, tx, next)
			} else {
				err = updateIndicator(ctx, tx, next)
			}
			if err != nil {
				return err
			}
			result = next
			return nil
		})
		if err != nil && !isRetryable(err) {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return err
			}
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.retry.MaxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func insertIndicator(ctx context.Context, tx pgx.Tx, ind *domain.Indicator) error {
	query := `INSERT INTO indicators (` + indicatorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := tx.Exec(ctx, query, indicatorArgs(ind)...)
	return errors.Wrap(err, "failed to insert indicator")
}

func updateIndicator(ctx context.Context, tx pgx.Tx, ind *domain.Indicator) error {
	query := `UPDATE indicators SET
		ioc_type = $2, threat_category = $3, severity = $4, confidence = $5, risk_score = $6,
		contributing_orgs = $7, observation_count = $8, first_seen = $9, last_seen = $10,
		expires_at = $11, pattern_id = $12, pattern_expression = $13, metadata = $14
		WHERE indicator_hash = $1`

	_, err := tx.Exec(ctx, query, indicatorArgs(ind)...)
	return errors.Wrap(err, "failed to update indicator")
}

func indicatorArgs(ind *domain.Indicator) []any {
	md := ind.Metadata
	if md == nil {
		md = map[string]string{}
	}
	orgs := ind.ContributingOrgs
	if orgs == nil {
		orgs = []string{}
	}
	return []any{
		ind.IndicatorHash,
		string(ind.IOCType),
		string(ind.ThreatCategory),
		string(ind.Severity),
		ind.Confidence,
		ind.RiskScore,
		orgs,
		ind.ObservationCount,
		ind.FirstSeen.UTC(),
		ind.LastSeen.UTC(),
		ind.ExpiresAt.UTC(),
		ind.PatternID,
		ind.PatternExpression,
		md,
	}
}

// isRetryable reports whether err is a write conflict a fresh transaction
// can resolve.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

// buildFindQuery renders q as SQL with positional arguments.
func buildFindQuery(q domain.IndicatorQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.MinContributors > 0 {
		add("cardinality(contributing_orgs) >= $%d", q.MinContributors)
	}
	if !q.NotExpiredAt.IsZero() {
		add("expires_at > $%d", q.NotExpiredAt.UTC())
	}
	if q.Severity != "" {
		add("severity = $%d", string(q.Severity))
	}
	if q.Category != "" {
		add("threat_category = $%d", string(q.Category))
	}
	if q.IOCType != "" {
		add("ioc_type = $%d", string(q.IOCType))
	}
	if q.MinConfidence > 0 {
		add("confidence >= $%d", q.MinConfidence)
	}
	if !q.Since.IsZero() {
		add("last_seen >= $%d", q.Since.UTC())
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + indicatorColumns + " FROM indicators")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY last_seen DESC, indicator_hash")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return sb.String(), args
}

func (r *PostgresRepository) Find(ctx context.Context, q domain.IndicatorQuery) ([]domain.Indicator, error) {
	query, args := buildFindQuery(q)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query indicators")
	}
	defer rows.Close()

	var out []domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan indicator")
		}
		out = append(out, *ind)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows")
	}

	return out, nil
}

func (r *PostgresRepository) Stats(ctx context.Context, k int, since time.Time) (ports.IndicatorStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE cardinality(contributing_orgs) >= $1),
			COUNT(*) FILTER (WHERE last_seen >= $2)
		FROM indicators
	`

	var st ports.IndicatorStats
	if err := r.db.QueryRow(ctx, query, k, since.UTC()).Scan(&st.Total, &st.Shared, &st.UpdatedSince); err != nil {
		return ports.IndicatorStats{}, errors.Wrap(err, "failed to compute indicator stats")
	}
	return st, nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM indicators WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired indicators")
	}
	return tag.RowsAffected(), nil
}

// PostgresParticipationStore keeps participation records in the same
// database as the indicators.
type PostgresParticipationStore struct {
	db *pgxpool.Pool
}

func NewPostgresParticipationStore(db *pgxpool.Pool) *PostgresParticipationStore {
	return &PostgresParticipationStore{db: db}
}

func (r *PostgresParticipationStore) RecordShare(ctx context.Context, orgHash string, at time.Time) error {
	query := `
		INSERT INTO participation (org_hash, indicators_shared, indicators_consumed, last_active)
		VALUES ($1, 1, 0, $2)
		ON CONFLICT (org_hash) DO UPDATE
		SET indicators_shared = participation.indicators_shared + 1, last_active = EXCLUDED.last_active
	`
	_, err := r.db.Exec(ctx, query, orgHash, at.UTC())
	return errors.Wrap(err, "failed to record share participation")
}

func (r *PostgresParticipationStore) RecordConsume(ctx context.Context, orgHash string, results int64, at time.Time) error {
	query := `
		INSERT INTO participation (org_hash, indicators_shared, indicators_consumed, last_active)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (org_hash) DO UPDATE
		SET indicators_consumed = participation.indicators_consumed + EXCLUDED.indicators_consumed,
			last_active = EXCLUDED.last_active
	`
	_, err := r.db.Exec(ctx, query, orgHash, results, at.UTC())
	return errors.Wrap(err, "failed to record consume participation")
}

func (r *PostgresParticipationStore) Get(ctx context.Context, orgHash string) (*domain.ParticipationRecord, error) {
	query := `
		SELECT org_hash, indicators_shared, indicators_consumed, last_active
		FROM participation
		WHERE org_hash = $1
	`

	var rec domain.ParticipationRecord
	err := r.db.QueryRow(ctx, query, orgHash).Scan(
		&rec.OrgHash,
		&rec.IndicatorsShared,
		&rec.IndicatorsConsumed,
		&rec.LastActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get participation")
	}
	return &rec, nil
}

func (r *PostgresParticipationStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM participation`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count participants")
	}
	return n, nil
}
