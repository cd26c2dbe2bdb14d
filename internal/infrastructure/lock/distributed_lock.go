package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// A lock is a single key set with SET NX PX. The value is a per-holder token
// so that Unlock never deletes a lock that expired and was taken by someone else.

var (
	ErrLockFailed = errors.New("acquire distributed lock failed")
	ErrNotHeld    = errors.New("lock not held")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock makes one attempt without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// NewUserLock serializes settlements that spend from the same user.
func NewUserLock(client *redis.Client, userID string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("settle:lock:user:%s", userID), uuid.NewString(), ttl)
}

// NewTransactionLock serializes reversals of the same transaction.
func NewTransactionLock(client *redis.Client, transactionNo string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("settle:lock:txn:%s", transactionNo), uuid.NewString(), ttl)
}
