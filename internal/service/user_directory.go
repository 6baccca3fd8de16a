package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/cache"
	"github.com/spec-kit/issue-tracker/internal/domain"
	"github.com/spec-kit/issue-tracker/internal/repository"
)

// UserDirectory resolves user ids into display summaries, reading through
// the summary cache. Cache failures degrade to repository reads.
type UserDirectory struct {
	users  repository.UserRepository
	cache  cache.UserSummaryCache
	logger *zap.Logger
}

// NewUserDirectory builds the directory. A nil cache disables caching.
func NewUserDirectory(users repository.UserRepository, summaries cache.UserSummaryCache, logger *zap.Logger) *UserDirectory {
	if summaries == nil {
		summaries = cache.NoopUserSummaryCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserDirectory{users: users, cache: summaries, logger: logger}
}

// Resolve returns summaries for the given ids. Unknown ids are absent from
// the result.
func (d *UserDirectory) Resolve(ctx context.Context, ids []string) (map[string]domain.UserSummary, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return map[string]domain.UserSummary{}, nil
	}

	found, missing, err := d.cache.GetMany(ctx, ids)
	if err != nil {
		d.logger.Warn("user summary cache read failed", zap.Error(err))
		found, missing = map[string]domain.UserSummary{}, ids
	}
	if len(missing) == 0 {
		return found, nil
	}

	users, err := d.users.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	fresh := make([]domain.UserSummary, 0, len(users))
	for i := range users {
		summary := users[i].Summary()
		found[summary.ID] = summary
		fresh = append(fresh, summary)
	}
	if err := d.cache.SetMany(ctx, fresh); err != nil {
		d.logger.Warn("user summary cache write failed", zap.Error(err))
	}
	return found, nil
}

// Exists reports whether a user with the id is registered.
func (d *UserDirectory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
