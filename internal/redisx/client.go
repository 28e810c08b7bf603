package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Deduper marks keys once under a service namespace.
type Deduper struct {
	RDB     *redis.Client
	Service string
	TTL     time.Duration
}

// MarkOnce reports true if key was not marked before.
func (d *Deduper) MarkOnce(ctx context.Context, key string) (bool, error) {
	ttl := d.TTL
	if ttl == 0 {
		ttl = TTLDedup
	}
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, key), "1", ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var ErrLockHeld = errors.New("redisx: lock held by another owner")

func acquire(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// extendLock resets the ttl of key if token still owns it.
func extendLock(ctx context.Context, rdb *redis.Client, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, rdb, []string{key}, token, ttl.Milliseconds()).Int()
	return n == 1, err
}

// HoldLock takes key for ttl and renews it every ttl/3 until release is
// called, so work may outlive ttl. Release only deletes the key while this
// caller still owns it. The returned context is
// cancelled once another owner has the key.
func HoldLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (context.Context, func(context.Context) error, error) {
	token, err := acquire(ctx, rdb, key, ttl)
	if err != nil {
		return nil, nil, err
	}
	held, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-t.C:
			}
			// Transient errors are retried on the next tick while the key
			// still has ttl left.
			if ok, err := extendLock(held, rdb, key, token, ttl); err == nil && !ok {
				cancel()
				return
			}
		}
	}()
	return held, func(ctx context.Context) error {
		cancel()
		<-done
		return releaseScript.Run(ctx, rdb, []string{key}, token).Err()
	}, nil
}
