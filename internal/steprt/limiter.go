package steprt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// keyedSemaphore bounds concurrent runs per key. Runs with different keys do
// not contend; runs sharing a key queue on the same weighted semaphore.
type keyedSemaphore struct {
	limit int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newKeyedSemaphore(limit int64) *keyedSemaphore {
	return &keyedSemaphore{limit: limit, sems: make(map[string]*semaphore.Weighted)}
}

func (k *keyedSemaphore) acquire(ctx context.Context, key string) (release func(), err error) {
	k.mu.Lock()
	sem, ok := k.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(k.limit)
		k.sems[key] = sem
	}
	k.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// Window is a sliding-window throttle: at most limit run starts per key
// within any period. Wait blocks until a slot opens or ctx is done.
type Window interface {
	Wait(ctx context.Context, key string, limit int, period time.Duration) error
}

// SlidingWindow is the in-process Window. Each key keeps the timestamps of
// its recent run starts; a start is admitted once fewer than limit of them
// fall inside the trailing period.
type SlidingWindow struct {
	mu     sync.Mutex
	starts map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow creates an empty in-process throttle.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{starts: make(map[string][]time.Time), now: time.Now}
}

func (w *SlidingWindow) Wait(ctx context.Context, key string, limit int, period time.Duration) error {
	for {
		w.mu.Lock()
		now := w.now()
		cutoff := now.Add(-period)

		kept := w.starts[key][:0]
		for _, t := range w.starts[key] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.starts[key] = kept

		if len(kept) < limit {
			w.starts[key] = append(kept, now)
			w.mu.Unlock()
			return nil
		}

		// Sleep until the oldest start ages out of the window.
		wait := kept[0].Sub(cutoff)
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RedisWindow is a Window shared across worker processes, backed by a sorted
// set per key scored by start time.
type RedisWindow struct {
	client *redis.Client
	prefix string
}

// NewRedisWindow creates a Redis-backed throttle. All workers pointing at
// the same Redis share one window per key.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client, prefix: "gitpulse:throttle:"}
}

// windowScript trims expired starts, counts the rest, and conditionally
// records the new start, all in one atomic evaluation. Two workers racing the
// last slot therefore cannot both be admitted.
// KEYS[1] window zset; ARGV: cutoff, limit, score, member, ttl-ms.
var windowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

func (w *RedisWindow) Wait(ctx context.Context, key string, limit int, period time.Duration) error {
	zkey := w.prefix + key
	for {
		now := time.Now()
		cutoff := now.Add(-period)

		admitted, err := windowScript.Run(ctx, w.client, []string{zkey},
			cutoff.UnixNano(), limit, now.UnixNano(), uuid.NewString(),
			(2 * period).Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("throttle window: %w", err)
		}
		if admitted == 1 {
			return nil
		}

		timer := time.NewTimer(period / time.Duration(limit+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
