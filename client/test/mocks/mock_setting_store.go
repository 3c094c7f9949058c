package mocks

import (
	"context"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/types"
	"time"
)

// MockSettingStore is a mock implementation of store.SettingStore for testing.
type MockSettingStore struct {
	AddOrUpdateFunc             func(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error)
	GetByIDFunc                 func(ctx context.Context, settingID int64) (*types.Setting, error)
	FetchDueSettingsFunc        func(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error)
	GetAllFunc                  func(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Setting], error)
	CountAllGroupedByStatusFunc func(ctx context.Context) (map[state.JobStatus]int, error)
	LockSettingFunc             func(ctx context.Context, settingID int64, lockedBy string) (bool, error)
	CompleteFunc                func(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error)
	ActivateFunc                func(ctx context.Context, settingID int64) error
	DeActivateFunc              func(ctx context.Context, settingID int64) error
	CloseFunc                   func() error
}

func (m *MockSettingStore) AddOrUpdate(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error) {
	if m.AddOrUpdateFunc != nil {
		return m.AddOrUpdateFunc(ctx, name, expression, nextRunAt, args...)
	}
	return 1, nil
}

func (m *MockSettingStore) GetByID(ctx context.Context, settingID int64) (*types.Setting, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, settingID)
	}
	return &types.Setting{ID: settingID}, nil
}

func (m *MockSettingStore) FetchDueSettings(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error) {
	if m.FetchDueSettingsFunc != nil {
		return m.FetchDueSettingsFunc(ctx, page, pageSize)
	}
	return &types.PaginationResult[types.Setting]{Items: []types.Setting{}}, nil
}

func (m *MockSettingStore) GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Setting], error) {
	if m.GetAllFunc != nil {
		return m.GetAllFunc(ctx, page, pageSize, status)
	}
	return &types.PaginationResult[types.Setting]{Items: []types.Setting{}}, nil
}

func (m *MockSettingStore) CountAllGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	if m.CountAllGroupedByStatusFunc != nil {
		return m.CountAllGroupedByStatusFunc(ctx)
	}
	return make(map[state.JobStatus]int), nil
}

func (m *MockSettingStore) LockSetting(ctx context.Context, settingID int64, lockedBy string) (bool, error) {
	if m.LockSettingFunc != nil {
		return m.LockSettingFunc(ctx, settingID, lockedBy)
	}
	return true, nil
}

func (m *MockSettingStore) Complete(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, settingID, lockedBy, status, errMsg, lastRunAt, nextRunAt)
	}
	return true, nil
}

func (m *MockSettingStore) Activate(ctx context.Context, settingID int64) error {
	if m.ActivateFunc != nil {
		return m.ActivateFunc(ctx, settingID)
	}
	return nil
}

func (m *MockSettingStore) DeActivate(ctx context.Context, settingID int64) error {
	if m.DeActivateFunc != nil {
		return m.DeActivateFunc(ctx, settingID)
	}
	return nil
}

func (m *MockSettingStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
