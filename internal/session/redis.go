package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-bot/internal/model"
)

const defaultPrefix = "intake:session:"

// Redis is a Registry shared between bot replicas. Sessions expire after the TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Registry = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: defaultPrefix, ttl: ttl}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "session: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "session: ping redis")
	}
	return client, nil
}

func (r *Redis) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *Redis) Get(ctx context.Context, userID int64) (*model.Session, error) {
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "session: redis get %d", userID)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "session: decode %d", userID)
	}
	return &s, nil
}

func (r *Redis) Save(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return eris.Wrapf(err, "session: encode %d", s.UserID)
	}
	if err := r.client.Set(ctx, r.key(s.UserID), data, r.ttl).Err(); err != nil {
		return eris.Wrapf(err, "session: redis set %d", s.UserID)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, userID int64) error {
	return eris.Wrapf(r.client.Del(ctx, r.key(userID)).Err(), "session: redis del %d", userID)
}
