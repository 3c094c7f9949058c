package lock

import (
	"fmt"
	"sync"
	"time"
)

// LocalLockManager serializes lock holders inside a single process.
// It backs the SQLite driver, where only one scheduler owns the database file.
type LocalLockManager struct {
	mu    sync.Mutex
	slots map[int]chan struct{}
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{slots: make(map[int]chan struct{})}
}

func (l *LocalLockManager) slot(lockID int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[lockID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[lockID] = s
	}
	return s
}

func (l *LocalLockManager) Acquire(lockID int) error {
	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case l.slot(lockID) <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("failed to acquire lock %d: timed out", lockID)
	}
}

func (l *LocalLockManager) Release(lockID int) error {
	select {
	case <-l.slot(lockID):
		return nil
	default:
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrLockNotHeld)
	}
}
