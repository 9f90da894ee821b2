package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// WindowStore keeps a bounded, arrival-ordered list of readings per user.
type WindowStore interface {
	// Append adds a reading, evicting the oldest entries beyond the size bound.
	Append(ctx context.Context, userID string, s models.EmotionScore) error
	// Recent returns the user's readings in arrival order.
	Recent(ctx context.Context, userID string) ([]models.EmotionScore, error)
	// Evict drops readings captured before cutoff and returns how many were removed.
	Evict(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryWindowStore is an in-process WindowStore.
type MemoryWindowStore struct {
	mu      sync.Mutex
	size    int
	windows map[string][]models.EmotionScore
}

// NewMemoryWindowStore creates a store keeping at most size readings per user.
func NewMemoryWindowStore(size int) *MemoryWindowStore {
	if size <= 0 {
		size = DefaultConfig().WindowSize
	}
	return &MemoryWindowStore{size: size, windows: make(map[string][]models.EmotionScore)}
}

func (m *MemoryWindowStore) Append(ctx context.Context, userID string, s models.EmotionScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := append(m.windows[userID], s)
	if len(w) > m.size {
		w = append([]models.EmotionScore(nil), w[len(w)-m.size:]...)
	}
	m.windows[userID] = w
	return nil
}

func (m *MemoryWindowStore) Recent(ctx context.Context, userID string) ([]models.EmotionScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EmotionScore(nil), m.windows[userID]...), nil
}

func (m *MemoryWindowStore) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for userID, w := range m.windows {
		kept := w[:0]
		for _, s := range w {
			if s.CapturedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.windows, userID)
		} else {
			m.windows[userID] = kept
		}
	}
	return removed, nil
}

const redisKeyPrefix = "crisispipe:window:"

// RedisWindowStore keeps windows in Redis lists so they survive restarts and can
// be inspected by operators.
type RedisWindowStore struct {
	client redis.Cmdable
	size   int
	ttl    time.Duration
}

// NewRedisWindowStore creates a Redis-backed store. Keys expire after ttl of
// inactivity.
func NewRedisWindowStore(client redis.Cmdable, size int, ttl time.Duration) *RedisWindowStore {
	if size <= 0 {
		size = DefaultConfig().WindowSize
	}
	return &RedisWindowStore{client: client, size: size, ttl: ttl}
}

func (r *RedisWindowStore) key(userID string) string {
	return redisKeyPrefix + userID
}

func (r *RedisWindowStore) Append(ctx context.Context, userID string, s models.EmotionScore) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	key := r.key(userID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, body)
	pipe.LTrim(ctx, key, int64(-r.size), -1)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append reading for %s: %w", userID, err)
	}
	return nil
}

func (r *RedisWindowStore) Recent(ctx context.Context, userID string) ([]models.EmotionScore, error) {
	raw, err := r.client.LRange(ctx, r.key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window for %s: %w", userID, err)
	}
	out := make([]models.EmotionScore, 0, len(raw))
	for _, item := range raw {
		var s models.EmotionScore
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			slog.Warn("RedisWindowStore.Recent: skipping undecodable reading", "userID", userID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// trimStaleHead drops the first n entries only if they still equal the ones
// the caller decoded. Returns -1 when the head changed in between.
var trimStaleHead = redis.NewScript(`
local n = tonumber(ARGV[1])
local head = redis.call('LRANGE', KEYS[1], 0, n - 1)
if #head ~= n then
	return -1
end
for i = 1, n do
	if head[i] ~= ARGV[i + 1] then
		return -1
	end
end
redis.call('LTRIM', KEYS[1], n, -1)
return n
`)

// maxEvictAttempts bounds retries when a key changes under the sweep.
const maxEvictAttempts = 5

func (r *RedisWindowStore) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.evictKey(ctx, iter.Val(), cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan windows: %w", err)
	}
	return removed, nil
}

// evictKey trims the stale prefix of one window. Appends may land between the
// read and the trim, so the trim is a compare-and-set on the prefix.
func (r *RedisWindowStore) evictKey(ctx context.Context, key string, cutoff time.Time) (int, error) {
	for attempt := 1; attempt <= maxEvictAttempts; attempt++ {
		raw, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", key, err)
		}
		// Readings are appended in arrival order, so the stale entries form a prefix.
		stale := 0
		for _, item := range raw {
			var s models.EmotionScore
			if err := json.Unmarshal([]byte(item), &s); err == nil && !s.CapturedAt.Before(cutoff) {
				break
			}
			stale++
		}
		if stale == 0 {
			return 0, nil
		}

		args := make([]interface{}, 0, stale+1)
		args = append(args, stale)
		for _, item := range raw[:stale] {
			args = append(args, item)
		}
		n, err := trimStaleHead.Run(ctx, r.client, []string{key}, args...).Int()
		if err != nil {
			return 0, fmt.Errorf("failed to evict from %s: %w", key, err)
		}
		if n >= 0 {
			return n, nil
		}
		slog.Debug("RedisWindowStore.evictKey: window changed during sweep, retrying", "key", key, "attempt", attempt)
	}
	slog.Warn("RedisWindowStore.evictKey: window kept changing, skipping until next sweep", "key", key)
	return 0, nil
}
