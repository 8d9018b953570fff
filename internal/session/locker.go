package session

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func lockKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "intake:lock:", poll: 50 * time.Millisecond}
}

// Lock blocks until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	k := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "session: acquire lock %s", key)
		}
		if ok {
			return func(ctx context.Context) error {
				return eris.Wrapf(l.client.Eval(ctx, unlockScript, []string{k}, token).Err(),
					"session: release lock %s", key)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "session: acquire lock %s", key)
		case <-ticker.C:
		}
	}
}
