package querylog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// PostgresLog writes entries to the query_log table created by
// repository.Migrate.
type PostgresLog struct {
	db *pgxpool.Pool
}

var _ ports.QueryLog = (*PostgresLog)(nil)

func NewPostgresLog(db *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, e domain.QueryLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	query := `
		INSERT INTO query_log (id, requester_hash, operation, parameters, result_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := l.db.Exec(ctx, query, e.ID, e.RequesterHash, string(e.Operation), e.Parameters, e.ResultCount, e.Timestamp.UTC())
	return errors.Wrap(err, "failed to append query log entry")
}

func (l *PostgresLog) Count(ctx context.Context, requester string, ops []domain.Operation, since time.Time) (int64, error) {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}

	query := `
		SELECT COUNT(*)
		FROM query_log
		WHERE requester_hash = $1 AND operation = ANY($2) AND created_at >= $3
	`
	var n int64
	if err := l.db.QueryRow(ctx, query, requester, names, since.UTC()).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count query log entries")
	}
	return n, nil
}
