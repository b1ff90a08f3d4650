package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// defaultTTL is the default lifetime of a cached snapshot.
	defaultTTL = time.Second * 10
	// defaultNamespace is the default cache key namespace.
	defaultNamespace = "candles"
)

// SnapshotCacheConfig represents the snapshot cache configuration.
type SnapshotCacheConfig struct {
	// Client is the redis client. A nil client bypasses the cache.
	Client *redis.Client
	// Fetcher is the historical source decorated by the cache.
	Fetcher shared.HistoricalFetcher
	// TTL is the lifetime of a cached snapshot.
	TTL time.Duration
	// Namespace prefixes every cache key.
	Namespace string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SnapshotCacheConfig) Validate() error {
	var errs error

	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("historical fetcher cannot be nil"))
	}
	if cfg.TTL < 0 {
		errs = errors.Join(errs, fmt.Errorf("ttl cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// SnapshotCache decorates a historical fetcher with redis caching so that repeated snapshot
// requests for the same window, such as several viewers switching to the same timeframe,
// reach the exchange once.
type SnapshotCache struct {
	cfg *SnapshotCacheConfig
}

// Ensure the SnapshotCache implements the HistoricalFetcher interface.
var _ shared.HistoricalFetcher = (*SnapshotCache)(nil)

// NewSnapshotCache initializes a new snapshot cache.
func NewSnapshotCache(cfg *SnapshotCacheConfig) (*SnapshotCache, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating snapshot cache config: %w", err)
	}

	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}

	return &SnapshotCache{cfg: cfg}, nil
}

// Connect creates a redis client for the provided address and verifies connectivity.
func Connect(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	err := rdb.Ping(ctx).Err()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}

	return rdb, nil
}

// FetchHistorical returns the cached snapshot for the request window, falling back to the
// decorated fetcher on a miss. Cache failures never fail the fetch.
func (c *SnapshotCache) FetchHistorical(ctx context.Context, symbol string, interval time.Duration, limit int, end time.Time) ([]shared.Candle, error) {
	if c.cfg.Client == nil {
		return c.cfg.Fetcher.FetchHistorical(ctx, symbol, interval, limit, end)
	}

	key := c.cacheKey(symbol, interval, limit, end)

	b, err := c.cfg.Client.Get(ctx, key).Bytes()
	switch {
	case err == nil && len(b) > 0:
		var candles []shared.Candle
		err := json.Unmarshal(b, &candles)
		if err == nil {
			return candles, nil
		}

		c.cfg.Logger.Warn().Err(err).Msgf("deleting corrupted snapshot cache entry %s", key)
		err = c.cfg.Client.Del(ctx, key).Err()
		if err != nil {
			c.cfg.Logger.Error().Err(err).Msgf("deleting snapshot cache entry %s", key)
		}

	case err != nil && !errors.Is(err, redis.Nil):
		c.cfg.Logger.Error().Err(err).Msgf("reading snapshot cache entry %s", key)
	}

	candles, err := c.cfg.Fetcher.FetchHistorical(ctx, symbol, interval, limit, end)
	if err != nil {
		return nil, err
	}

	b, err = json.Marshal(candles)
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msgf("encoding snapshot for %s", key)
		return candles, nil
	}

	err = c.cfg.Client.Set(ctx, key, b, c.cfg.TTL).Err()
	if err != nil {
		c.cfg.Logger.Error().Err(err).Msgf("caching snapshot %s", key)
	}

	return candles, nil
}

// cacheKey generates the cache key for a snapshot window. The end is truncated to the
// bucket interval so requests within the same bucket share an entry.
func (c *SnapshotCache) cacheKey(symbol string, interval time.Duration, limit int, end time.Time) string {
	label, err := shared.IntervalLabel(interval)
	if err != nil {
		label = interval.String()
	}

	return fmt.Sprintf("%s:%s:%s:%d:%d",
		c.cfg.Namespace,
		safe(strings.ToUpper(symbol)),
		label,
		limit,
		end.Truncate(interval).UnixMilli(),
	)
}

// safe escapes characters that are problematic for redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
