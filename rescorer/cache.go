package rescorer

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"yashubustudio/nbestscore/internal/metrics"
)

const redisKeyPrefix = "nbest:score:"

// ScoreCache memoizes likelihoods by model and token sequence. Lookups go
// memory, then disk, then Redis; hits in a lower layer are copied upward.
// Disk and Redis failures are logged and treated as misses.
type ScoreCache struct {
	mem    *gocache.Cache
	dir    string
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewScoreCache prepares the configured layers. An unreachable Redis is
// logged and skipped.
func NewScoreCache(ctx context.Context, cfg CacheConfig, logger zerolog.Logger) (*ScoreCache, error) {
	exp := gocache.NoExpiration
	if cfg.TTL > 0 {
		exp = cfg.TTL
	}
	c := &ScoreCache{
		mem:    gocache.New(exp, 10*time.Minute),
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		logger: logger,
	}
	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	if cfg.RedisURL != "" {
		opts, err := parseRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", opts.Addr).Msg("redis cache unavailable, continuing without it")
			_ = rdb.Close()
		} else {
			c.rdb = rdb
		}
	}
	return c, nil
}

// parseRedisURL accepts a redis:// or rediss:// URL, or a bare host:port.
func parseRedisURL(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		return &redis.Options{Addr: addr}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return opts, nil
}

// CacheKey derives the cache key for a model and token sequence.
func CacheKey(modelID string, ids []int) string {
	h := sha1.New()
	_, _ = io.WriteString(h, modelID)
	_, _ = io.WriteString(h, "|")
	for i, id := range ids {
		if i > 0 {
			_, _ = io.WriteString(h, ",")
		}
		_, _ = io.WriteString(h, strconv.Itoa(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key.
func (c *ScoreCache) Get(ctx context.Context, key string) (float64, bool) {
	if v, ok := c.mem.Get(key); ok {
		metrics.RecordCacheLookup(true)
		return v.(float64), true
	}
	if v, err := c.loadFromDisk(key); err == nil {
		c.mem.SetDefault(key, v)
		metrics.RecordCacheLookup(true)
		return v, true
	} else if !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Err(err).Str("key", key).Msg("disk cache read failed")
	}
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, redisKeyPrefix+key).Float64()
		switch {
		case err == nil:
			c.mem.SetDefault(key, v)
			c.saveToDisk(key, v)
			metrics.RecordCacheLookup(true)
			return v, true
		case !errors.Is(err, redis.Nil):
			c.logger.Warn().Err(err).Str("key", key).Msg("redis cache read failed")
		}
	}
	metrics.RecordCacheLookup(false)
	return 0, false
}

// Put stores v in every layer.
func (c *ScoreCache) Put(ctx context.Context, key string, v float64) {
	c.mem.SetDefault(key, v)
	c.saveToDisk(key, v)
	if c.rdb != nil {
		val := strconv.FormatFloat(v, 'g', -1, 64)
		if err := c.rdb.Set(ctx, redisKeyPrefix+key, val, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis cache write failed")
		}
	}
}

// Len reports the number of entries held in memory.
func (c *ScoreCache) Len() int {
	return c.mem.ItemCount()
}

// Close releases the Redis connection.
func (c *ScoreCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *ScoreCache) loadFromDisk(key string) (float64, error) {
	if c.dir == "" {
		return 0, os.ErrNotExist
	}
	path := filepath.Join(c.dir, key+".bin")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("cache file broken: %s", path)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
}

func (c *ScoreCache) saveToDisk(key string, v float64) {
	if c.dir == "" {
		return
	}
	path := filepath.Join(c.dir, key+".bin")
	tmp := path + ".tmp"
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("disk cache write failed")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("disk cache write failed")
	}
}
