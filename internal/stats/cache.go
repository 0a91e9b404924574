package stats

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/redis/go-redis/v9"
)

// Cache stores encoded summaries by key. Misses and backend failures are
// both reported as a miss. Set errors are for logging only; callers carry
// on with the computed value.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
}

// ErrValueTooLarge is returned by Set for values the cache refuses to hold.
var ErrValueTooLarge = errors.New("value too large for cache")

// Key identifies the summary of one account over one date range for one
// session set. count and maxSeq are the revision of the account's
// append-only session set, so a changed set always yields a new key.
func Key(accountID, start, end string, count, maxSeq int64) string {
	return fmt.Sprintf("stats:%s:%s:%s:%d:%d", accountID, start, end, count, maxSeq)
}

const (
	minMemoryCacheSize = 512 * 1024
	// freecache keeps 256 segments and refuses entries over a quarter of
	// a segment, minus its 24 byte entry header.
	freecacheEntryHeader = 24
	manifestLen          = 8
)

// MemoryCache is an in-process cache backed by freecache. freecache caps
// one entry at 1/1024 of its size, so a value above that is split into
// chunks stored under "key#i" with a manifest under key. A value is only
// returned when the manifest and every chunk are present.
type MemoryCache struct {
	cache    *freecache.Cache
	ttl      int
	maxEntry int
	maxValue int
}

// NewMemoryCache creates a MemoryCache holding up to sizeMB megabytes.
// Entries expire after ttl; a ttl under one second means one second. A
// single value may take at most an eighth of the cache.
func NewMemoryCache(sizeMB int, ttl time.Duration) *MemoryCache {
	size := max(sizeMB*1024*1024, minMemoryCacheSize)
	return &MemoryCache{
		cache:    freecache.NewCache(size),
		ttl:      max(int(ttl.Seconds()), 1),
		maxEntry: size/1024 - freecacheEntryHeader,
		maxValue: size / 8,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	manifest, err := c.cache.Get([]byte(key))
	if err != nil || len(manifest) != manifestLen {
		return nil, false
	}
	chunks := int(binary.BigEndian.Uint32(manifest[:4]))
	total := int(binary.BigEndian.Uint32(manifest[4:]))

	value := make([]byte, 0, total)
	for i := 0; i < chunks; i++ {
		part, err := c.cache.Get(chunkKey(key, i))
		if err != nil {
			return nil, false
		}
		value = append(value, part...)
	}
	if len(value) != total {
		return nil, false
	}
	return value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	if len(value) > c.maxValue {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	chunkSize := c.maxEntry - len(chunkKey(key, c.maxValue))
	if chunkSize <= 0 {
		return fmt.Errorf("%w: key %q", ErrValueTooLarge, key)
	}

	chunks := 0
	for off := 0; off < len(value) || chunks == 0; off += chunkSize {
		end := min(off+chunkSize, len(value))
		if err := c.cache.Set(chunkKey(key, chunks), value[off:end], c.ttl); err != nil {
			return fmt.Errorf("set chunk %d of %s: %w", chunks, key, err)
		}
		chunks++
	}

	manifest := make([]byte, manifestLen)
	binary.BigEndian.PutUint32(manifest[:4], uint32(chunks))
	binary.BigEndian.PutUint32(manifest[4:], uint32(len(value)))
	if err := c.cache.Set([]byte(key), manifest, c.ttl); err != nil {
		return fmt.Errorf("set manifest of %s: %w", key, err)
	}
	return nil
}

func chunkKey(key string, i int) []byte {
	return []byte(key + "#" + strconv.Itoa(i))
}

// RedisCache shares summaries between server instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at addr and verifies the
// connection with a ping.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (NoopCache) Set(context.Context, string, []byte) error  { return nil }
