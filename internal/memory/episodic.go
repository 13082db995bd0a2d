package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisEpisodic stores episodes as expiring string keys plus a per-family
// sorted-set index scored by timestamp.
//
// Layout:
//
//	episodic:{family}:{micros}:{id}  -> JSON episode, EX ttl
//	episodic:{family}:index          -> ZSET of the keys above
type RedisEpisodic struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisEpisodic connects to url and verifies the connection.
func NewRedisEpisodic(ctx context.Context, url string, ttl time.Duration) (*RedisEpisodic, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisEpisodic{client: client, ttl: ttl, now: time.Now}, nil
}

func indexKey(familyID string) string {
	return "episodic:" + familyID + ":index"
}

// Add writes an episode and trims index members older than the TTL.
func (r *RedisEpisodic) Add(ctx context.Context, e Episode) error {
	if e.FamilyID == "" {
		return fmt.Errorf("episode has no family")
	}
	ts := r.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = ts
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}

	key := fmt.Sprintf("episodic:%s:%d:%s", e.FamilyID, ts.UnixMicro(), uuid.NewString()[:8])
	index := indexKey(e.FamilyID)
	cutoff := ts.Add(-r.ttl).UnixMicro()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.ttl)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(ts.UnixMicro()), Member: key})
		pipe.ZRemRangeByScore(ctx, index, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, index, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store episode: %w", err)
	}
	return nil
}

// Recent returns up to limit episodes, newest first. Index members whose key
// already expired are skipped.
func (r *RedisEpisodic) Recent(ctx context.Context, familyID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		return []Episode{}, nil
	}
	keys, err := r.client.ZRevRange(ctx, indexKey(familyID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read episodic index: %w", err)
	}
	if len(keys) == 0 {
		return []Episode{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load episodes: %w", err)
	}

	out := make([]Episode, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Episode
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the Redis connection.
func (r *RedisEpisodic) Close() error {
	return r.client.Close()
}

var _ EpisodicStore = (*RedisEpisodic)(nil)
