package mocks

import "sync"

// MockDistributedLockManager is a mock implementation of lock.DistributedLockManager for testing.
// It records every lock id passed to Acquire and Release.
type MockDistributedLockManager struct {
	AcquireFunc func(lockID int) error
	ReleaseFunc func(lockID int) error

	mu       sync.Mutex
	acquired []int
	released []int
}

func (m *MockDistributedLockManager) Acquire(lockID int) error {
	m.mu.Lock()
	m.acquired = append(m.acquired, lockID)
	m.mu.Unlock()

	if m.AcquireFunc != nil {
		return m.AcquireFunc(lockID)
	}
	return nil
}

func (m *MockDistributedLockManager) Release(lockID int) error {
	m.mu.Lock()
	m.released = append(m.released, lockID)
	m.mu.Unlock()

	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(lockID)
	}
	return nil
}

func (m *MockDistributedLockManager) Acquired() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.acquired...)
}

func (m *MockDistributedLockManager) Released() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.released...)
}
