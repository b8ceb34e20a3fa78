// Package lockx is a single-holder Redis lock keyed by string. A lock expires
// after its TTL even if the holder dies.
package lockx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Acquire reports false without error when another holder owns key.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	switch {
	case client == nil:
		return nil, false, errors.New("redis client not initialized")
	case strings.TrimSpace(key) == "":
		return nil, false, errors.New("lock key is empty")
	case ttl <= 0:
		return nil, false, errors.New("ttl must be > 0")
	}
	lock := &Lock{Key: key, Token: uuid.NewString(), TTL: ttl}
	ok, err := client.SetNX(ctx, key, lock.Token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return lock, true, nil
}

// Release deletes the key only if lock still owns it. ErrNotHeld means the
// TTL elapsed and someone else may hold it now.
func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil || lock == nil {
		return errors.New("redis client or lock is nil")
	}
	n, err := releaseScript.Run(ctx, client, []string{lock.Key}, lock.Token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Do runs fn while holding key. It reports false without running fn when
// another holder owns the lock. fn's context ends when the TTL does.
func Do(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	lock, ok, err := Acquire(ctx, client, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	defer func() {
		_ = Release(context.WithoutCancel(ctx), client, lock)
	}()
	return true, fn(fnCtx)
}
