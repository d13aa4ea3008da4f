package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis locker: nil client")

// releaseScript deletes the lock only when the stored token still
// matches, so a worker that outlived its TTL cannot release a successor's
// lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX + token-checked release.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ Locker = (*Redis)(nil)

func NewRedis(client goredis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if prefix == "" {
		prefix = "cache-lock/"
	}
	return &Redis{rdb: client, prefix: prefix}, nil
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	key := r.prefix + name
	tok := newToken()
	ok, err := r.rdb.SetNX(ctx, key, tok, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.rdb, []string{key}, tok).Err()
	}
	return release, true, nil
}

func newToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
