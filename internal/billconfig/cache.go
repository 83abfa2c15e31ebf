package billconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/civicdialog/interview-api/pkg/logging"
)

const configCacheKeyPrefix = "interview:config:"

// CachedStore layers a bounded, time-boxed redis cache over a Store.
// Configs change rarely and tolerate tens of seconds of staleness, so cache
// failures fall through to the source rather than failing the request.
type CachedStore struct {
	source Store
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedStore wraps source with a TTL cache keyed by bill id.
func NewCachedStore(source Store, redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedStore{
		source: source,
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

func configCacheKey(billID string) string {
	return configCacheKeyPrefix + billID
}

// Get resolves a config, consulting the cache first.
// Absence is cached too, as an empty value, so a disabled bill does not hit
// Postgres on every chat turn.
func (s *CachedStore) Get(ctx context.Context, billID string) (*InterviewConfig, error) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, configCacheKey(billID)).Bytes()
		if err == nil {
			if len(data) == 0 {
				return nil, ErrConfigNotFound
			}
			var cfg InterviewConfig
			if err := json.Unmarshal(data, &cfg); err == nil {
				return &cfg, nil
			}
			// Corrupt entry: drop it and reload from source.
			_ = s.redis.Del(ctx, configCacheKey(billID)).Err()
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("config cache read failed", "error", err, "bill_id", billID)
		}
	}

	cfg, err := s.source.Get(ctx, billID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			s.cacheSet(ctx, billID, nil)
		}
		return nil, err
	}

	s.cacheSet(ctx, billID, cfg)
	return cfg, nil
}

// GetByID always goes to the source: completion cross-validation must not see
// a stale config row.
func (s *CachedStore) GetByID(ctx context.Context, configID uuid.UUID) (*InterviewConfig, error) {
	return s.source.GetByID(ctx, configID)
}

// Invalidate drops the cached entry for a bill. The external config editor
// calls this after every edit.
func (s *CachedStore) Invalidate(ctx context.Context, billID string) error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Del(ctx, configCacheKey(billID)).Err(); err != nil {
		return fmt.Errorf("billconfig: invalidate cache: %w", err)
	}
	return nil
}

func (s *CachedStore) cacheSet(ctx context.Context, billID string, cfg *InterviewConfig) {
	if s.redis == nil {
		return
	}
	var data []byte
	if cfg != nil {
		var err error
		data, err = json.Marshal(cfg)
		if err != nil {
			s.logger.Warn("config cache marshal failed", "error", err, "bill_id", billID)
			return
		}
	}
	if err := s.redis.Set(ctx, configCacheKey(billID), data, s.ttl).Err(); err != nil {
		s.logger.Warn("config cache write failed", "error", err, "bill_id", billID)
	}
}
