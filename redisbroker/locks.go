package redisbroker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/debox-dev/wormhole/idgen"
	"github.com/debox-dev/wormhole/wherr"
)

// Lock attempts to take the named advisory lock, returning a freshly
// generated secret on success. If the lock is held and block is false, it
// returns ("", false, nil) immediately. If block is true, it waits on the
// lock's wake signal up to blockTimeout, retrying the acquire each time a
// release wakes it.
func (c *Channel) Lock(ctx context.Context, name string, block bool, blockTimeout, lockTimeout time.Duration) (string, bool, error) {
	if err := c.checkOpen("lock"); err != nil {
		return "", false, err
	}

	deadline := time.Now().Add(blockTimeout)
	for {
		secret := idgen.New()
		ok, err := c.client.SetNX(ctx, lockKey(name), secret, 0).Result()
		if err != nil {
			return "", false, connErr(err)
		}
		if ok {
			if lockTimeout > 0 {
				if err := c.client.PExpire(ctx, lockKey(name), lockTimeout).Err(); err != nil {
					return "", false, connErr(err)
				}
			}
			return secret, true, nil
		}
		if !block {
			return "", false, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		_, err = c.client.BRPop(ctx, remaining, lockSignalKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		if err != nil {
			return "", false, connErr(err)
		}
		// Woken by a release; loop back and race to re-acquire.
	}
}

// Release gives up the named lock. With force=false, a secret mismatch
// fails with InvalidLockSecretError rather than releasing someone else's
// lock.
func (c *Channel) Release(ctx context.Context, name, secret string, force bool) (bool, error) {
	if err := c.checkOpen("release"); err != nil {
		return false, err
	}

	current, err := c.client.Get(ctx, lockKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, connErr(err)
	}
	if !force && current != secret {
		return false, &wherr.InvalidLockSecretError{Name: name}
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, lockKey(name))
	pipe.LPush(ctx, lockSignalKey(name), "released")
	pipe.Expire(ctx, lockSignalKey(name), 30*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, connErr(err)
	}
	return true, nil
}

// IsLocked reports whether the named lock is currently held.
func (c *Channel) IsLocked(ctx context.Context, name string) (bool, error) {
	if err := c.checkOpen("is_locked"); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, lockKey(name)).Result()
	if err != nil {
		return false, connErr(err)
	}
	return n > 0, nil
}

// ThresholdLock is a rate gate, not a mutex: it admits up to maxAmount
// callers per fixed duration window and denies the rest. The window opens
// at the first call after the previous one expired; it does not slide. Carried forward
// from the reference channel implementation; spec.md doesn't name it, but
// every node built on this broker needs a way to cap call rates without a
// second broker round trip per check.
func (c *Channel) ThresholdLock(ctx context.Context, name string, maxAmount int, duration time.Duration) (bool, error) {
	if err := c.checkOpen("threshold_lock"); err != nil {
		return false, err
	}
	key := thresholdKey(name)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, connErr(err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, duration).Err(); err != nil {
			return false, connErr(err)
		}
	}
	return count <= int64(maxAmount), nil
}
