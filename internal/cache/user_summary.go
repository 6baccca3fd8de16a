package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/domain"
)

// UserSummaryCache stores resolved user summaries keyed by user id.
type UserSummaryCache interface {
	// GetMany returns the cached summaries and the ids that missed.
	GetMany(ctx context.Context, ids []string) (map[string]domain.UserSummary, []string, error)
	SetMany(ctx context.Context, summaries []domain.UserSummary) error
}

// RedisUserSummaryCache implements UserSummaryCache on top of go-redis.
type RedisUserSummaryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisUserSummaryCache creates the cache. A nil client yields a cache
// that always misses.
func NewRedisUserSummaryCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) UserSummaryCache {
	if client == nil {
		return NoopUserSummaryCache{}
	}
	return &RedisUserSummaryCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisUserSummaryCache) key(id string) string {
	if r.prefix == "" {
		return "user_summary:" + id
	}
	return fmt.Sprintf("%s:user_summary:%s", r.prefix, id)
}

// GetMany fetches every id with a single MGET.
func (r *RedisUserSummaryCache) GetMany(ctx context.Context, ids []string) (map[string]domain.UserSummary, []string, error) {
	found := make(map[string]domain.UserSummary, len(ids))
	if len(ids) == 0 {
		return found, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return found, ids, err
	}

	var missing []string
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var summary domain.UserSummary
		if err := json.Unmarshal([]byte(str), &summary); err != nil {
			r.logger.Warn("dropping undecodable user summary", zap.String("key", keys[i]), zap.Error(err))
			missing = append(missing, ids[i])
			continue
		}
		found[ids[i]] = summary
	}
	r.logger.Debug("user summary cache lookup", zap.Int("hits", len(found)), zap.Int("misses", len(missing)))
	return found, missing, nil
}

// SetMany writes summaries in one pipeline.
func (r *RedisUserSummaryCache) SetMany(ctx context.Context, summaries []domain.UserSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, summary := range summaries {
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.key(summary.ID), data, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// NoopUserSummaryCache never stores anything.
type NoopUserSummaryCache struct{}

// GetMany reports every id as missing.
func (NoopUserSummaryCache) GetMany(_ context.Context, ids []string) (map[string]domain.UserSummary, []string, error) {
	return map[string]domain.UserSummary{}, ids, nil
}

// SetMany discards the summaries.
func (NoopUserSummaryCache) SetMany(context.Context, []domain.UserSummary) error { return nil }
