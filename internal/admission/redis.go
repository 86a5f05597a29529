package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// windowScript checks and increments in one step so that a rejected request
// never bumps the counter.
var windowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
if current + cost > tonumber(ARGV[2]) then
  return 0
end
redis.call('INCRBY', KEYS[1], cost)
if current == 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisWindow is a fixed window shared by every replica pointing at the same
// redis. Windows are aligned to multiples of the window length rather than to
// the first request. Redis errors reject the request.
type RedisWindow struct {
	client  redis.Scripter
	key     string
	max     int
	window  time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

// NewRedisWindow returns a redis-backed fixed window for one key.
func NewRedisWindow(client redis.Scripter, key string, max int, window time.Duration, log zerolog.Logger) *RedisWindow {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	return &RedisWindow{client: client, key: key, max: max, window: window, timeout: 250 * time.Millisecond, log: log}
}

// RedisWindowFactory builds one RedisWindow per identity under prefix.
func RedisWindowFactory(client redis.Scripter, prefix string, max int, window time.Duration, log zerolog.Logger) Factory {
	return func(identity string) Policy {
		return NewRedisWindow(client, prefix+":"+identity, max, window, log)
	}
}

func (w *RedisWindow) Allow(now time.Time, cost int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	n, err := windowScript.Run(ctx, w.client, []string{w.slotKey(now)}, cost, w.max, w.window.Milliseconds()).Int()
	if err != nil {
		w.log.Error().Err(err).Str("key", w.key).Msg("redis window check failed")
		return false
	}
	return n == 1
}

func (w *RedisWindow) slotKey(now time.Time) string {
	return fmt.Sprintf("%s:%d", w.key, now.UnixMilli()/w.window.Milliseconds())
}
