package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockExpiry     = 10 * time.Minute
	redisLockRetryDelay = 250 * time.Millisecond
)

// RedisDistributedLockManager coordinates scheduler instances through Redis using the RedLock algorithm.
type RedisDistributedLockManager struct {
	rs *redsync.Redsync

	mu      sync.Mutex
	mutexes map[int]*redsync.Mutex
}

func NewRedisDistributedLockManager(client redis.UniversalClient) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{
		rs:      redsync.New(goredis.NewPool(client)),
		mutexes: make(map[int]*redsync.Mutex),
	}
}

func lockKey(lockID int) string {
	return fmt.Sprintf("fibfire:lock:%d", lockID)
}

func (r *RedisDistributedLockManager) Acquire(lockID int) error {
	mutex := r.rs.NewMutex(
		lockKey(lockID),
		redsync.WithExpiry(redisLockExpiry),
		redsync.WithTries(int(acquireTimeout/redisLockRetryDelay)),
		redsync.WithRetryDelay(redisLockRetryDelay),
	)

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	r.mu.Lock()
	r.mutexes[lockID] = mutex
	r.mu.Unlock()
	return nil
}

func (r *RedisDistributedLockManager) Release(lockID int) error {
	r.mu.Lock()
	mutex, ok := r.mutexes[lockID]
	delete(r.mutexes, lockID)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrLockNotHeld)
	}

	ok, err := mutex.UnlockContext(context.Background())
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrLockNotHeld)
	}
	return nil
}
