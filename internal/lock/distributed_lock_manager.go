package lock

import (
	"errors"
	"time"
)

var ErrLockNotHeld = errors.New("lock is not held by this instance")

// acquireTimeout bounds how long Acquire waits before giving up.
const acquireTimeout = 5 * time.Second

type DistributedLockManager interface {
	Acquire(lockID int) error
	Release(lockID int) error
}
