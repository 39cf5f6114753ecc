package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// StatsRepository owns the per-endpoint counters. Increment must be atomic in
// the store; callers never read-modify-write.
type StatsRepository interface {
	Increment(ctx context.Context, endpointID string, success bool, at time.Time) error
	Get(ctx context.Context, endpointID string) (model.EndpointStats, error)
}

// ---- MySQL ----

type mysqlStats struct {
	db *sqlx.DB
}

func NewMySQLStatsRepository(db *sqlx.DB) StatsRepository { return &mysqlStats{db: db} }

func (r *mysqlStats) Increment(ctx context.Context, endpointID string, success bool, at time.Time) error {
	var ok, failed int
	if success {
		ok = 1
	} else {
		failed = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		   SET total_requests      = total_requests + 1,
		       successful_requests = successful_requests + ?,
		       failed_requests     = failed_requests + ?,
		       last_request_at     = GREATEST(COALESCE(last_request_at, ?), ?)
		 WHERE id = ?
	`, ok, failed, at.UTC(), at.UTC(), endpointID)
	return err
}

func (r *mysqlStats) Get(ctx context.Context, endpointID string) (model.EndpointStats, error) {
	var s model.EndpointStats
	err := r.db.GetContext(ctx, &s, `
		SELECT total_requests, successful_requests, failed_requests, last_request_at
		  FROM webhook_endpoints
		 WHERE id = ?
	`, endpointID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EndpointStats{}, nil
	}
	return s, err
}

// ---- Redis ----

// incrementScript bumps both counters and only moves last_request_at forward.
var incrementScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'total_requests', 1)
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local cur = tonumber(redis.call('HGET', KEYS[1], 'last_request_at') or '0')
if tonumber(ARGV[2]) > cur then
  redis.call('HSET', KEYS[1], 'last_request_at', ARGV[2])
end
return 1
`)

type redisStats struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStatsRepository keeps counters in one hash per endpoint: {prefix}{endpointID}.
func NewRedisStatsRepository(rdb *redis.Client, prefix string) StatsRepository {
	if prefix == "" {
		prefix = "whgw:stats:"
	}
	return &redisStats{rdb: rdb, prefix: prefix}
}

func (r *redisStats) Increment(ctx context.Context, endpointID string, success bool, at time.Time) error {
	field := "failed_requests"
	if success {
		field = "successful_requests"
	}
	return incrementScript.Run(ctx, r.rdb, []string{r.prefix + endpointID}, field, at.UnixMilli()).Err()
}

func (r *redisStats) Get(ctx context.Context, endpointID string) (model.EndpointStats, error) {
	vals, err := r.rdb.HGetAll(ctx, r.prefix+endpointID).Result()
	if err != nil {
		return model.EndpointStats{}, err
	}
	var s model.EndpointStats
	s.TotalRequests, _ = strconv.ParseInt(vals["total_requests"], 10, 64)
	s.SuccessfulRequests, _ = strconv.ParseInt(vals["successful_requests"], 10, 64)
	s.FailedRequests, _ = strconv.ParseInt(vals["failed_requests"], 10, 64)
	if ms, err := strconv.ParseInt(vals["last_request_at"], 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		s.LastRequestAt = &t
	}
	return s, nil
}
