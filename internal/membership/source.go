package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

// Source supplies membership profiles.  A customer without a record gets
// model.DefaultProfile.
type Source interface {
	Profile(ctx context.Context, customerID uint64) (model.MembershipProfile, error)
}

// RepoSource reads profiles straight from the database.  It is the
// authoritative source used when a booking is created.
type RepoSource struct {
	repo *repository.MembershipRepo
}

// NewRepoSource returns a Source backed by the membership repository.
func NewRepoSource(repo *repository.MembershipRepo) *RepoSource { return &RepoSource{repo: repo} }

// Profile implements Source.
func (s *RepoSource) Profile(ctx context.Context, customerID uint64) (model.MembershipProfile, error) {
	p, _, err := s.repo.Get(ctx, nil, customerID)
	if err != nil {
		return model.MembershipProfile{}, fmt.Errorf("load membership profile: %w", err)
	}
	return p, nil
}

// DefaultCacheTTL is used when CachedSource is built with a zero TTL.
const DefaultCacheTTL = 30 * time.Second

// CachedSource keeps profiles in Redis for a short TTL in front of another
// Source.  Redis failures are logged and fall through to the wrapped
// source; a stale entry can only make a hold fail and be retried.
type CachedSource struct {
	next   Source
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewCachedSource wraps next.  A nil client disables caching.
func NewCachedSource(next Source, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedSource{next: next, rdb: rdb, ttl: ttl, prefix: "membership:profile", log: log}
}

// Key returns the Redis key for a customer.
func (s *CachedSource) Key(customerID uint64) string {
	return fmt.Sprintf("%s:%d", s.prefix, customerID)
}

// Profile implements Source.
func (s *CachedSource) Profile(ctx context.Context, customerID uint64) (model.MembershipProfile, error) {
	if s.rdb == nil {
		return s.next.Profile(ctx, customerID)
	}
	key := s.Key(customerID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p model.MembershipProfile
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		s.log.Warn("membership cache: undecodable entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		s.log.Warn("membership cache: get failed", zap.String("key", key), zap.Error(err))
	}

	p, err := s.next.Profile(ctx, customerID)
	if err != nil {
		return model.MembershipProfile{}, err
	}
	if bs, jerr := json.Marshal(p); jerr == nil {
		if serr := s.rdb.Set(ctx, key, bs, s.ttl).Err(); serr != nil {
			s.log.Warn("membership cache: set failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return p, nil
}
