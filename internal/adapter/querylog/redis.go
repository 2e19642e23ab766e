package querylog

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
)

// RedisConfig configures the Redis query log.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention must cover the longest rate limit window.
	Retention time.Duration
	// AuditCap bounds the audit list length. 0 disables the list.
	AuditCap int64
}

// RedisLog keeps one sorted set per (requester, operation) scored by
// timestamp for sliding window counts, plus a capped list of full entries
// for auditing.
type RedisLog struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	auditCap  int64
}

var _ ports.QueryLog = (*RedisLog)(nil)

// NewRedisLog connects and pings Redis.
func NewRedisLog(ctx context.Context, cfg RedisConfig) (*RedisLog, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis query log")
	}
	return NewRedisLogWithClient(client, cfg), nil
}

// NewRedisLogWithClient wraps an existing client.
func NewRedisLogWithClient(client *redis.Client, cfg RedisConfig) *RedisLog {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "intelcommons:querylog"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLog{client: client, prefix: prefix, retention: retention, auditCap: cfg.AuditCap}
}

func (l *RedisLog) windowKey(requester string, op domain.Operation) string {
	return l.prefix + ":window:" + requester + ":" + string(op)
}

func (l *RedisLog) auditKey() string { return l.prefix + ":audit" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (l *RedisLog) Append(ctx context.Context, e domain.QueryLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	key := l.windowKey(e.RequesterHash, e.Operation)
	cutoff := e.Timestamp.Add(-l.retention)

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score(e.Timestamp), Member: e.ID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatFloat(score(cutoff), 'f', -1, 64))
	pipe.Expire(ctx, key, l.retention)
	if l.auditCap > 0 {
		payload, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal query log entry")
		}
		pipe.LPush(ctx, l.auditKey(), payload)
		pipe.LTrim(ctx, l.auditKey(), 0, l.auditCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "append query log entry")
	}
	return nil
}

func (l *RedisLog) Count(ctx context.Context, requester string, ops []domain.Operation, since time.Time) (int64, error) {
	lower := strconv.FormatFloat(score(since), 'f', -1, 64)

	pipe := l.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(ops))
	for _, op := range ops {
		cmds = append(cmds, pipe.ZCount(ctx, l.windowKey(requester, op), lower, "+inf"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "count query log entries")
	}

	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

// Check pings the server, for health endpoints.
func (l *RedisLog) Check(ctx context.Context) error {
	return errors.Wrap(l.client.Ping(ctx).Err(), "redis query log unreachable")
}

func (l *RedisLog) Close() error { return l.client.Close() }
