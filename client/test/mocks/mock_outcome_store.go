package mocks

import (
	"context"
	"github.com/RezaEskandarii/fibfire/types"
)

// MockOutcomeStore is a mock implementation of store.OutcomeStore for testing.
type MockOutcomeStore struct {
	RecordOutcomeFunc  func(ctx context.Context, outcome types.JobOutcome) (int64, error)
	RecordOutcomesFunc func(ctx context.Context, outcomes []types.JobOutcome) error
	RecentOutcomesFunc func(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error)
}

func (m *MockOutcomeStore) RecordOutcome(ctx context.Context, outcome types.JobOutcome) (int64, error) {
	if m.RecordOutcomeFunc != nil {
		return m.RecordOutcomeFunc(ctx, outcome)
	}
	return 1, nil
}

func (m *MockOutcomeStore) RecordOutcomes(ctx context.Context, outcomes []types.JobOutcome) error {
	if m.RecordOutcomesFunc != nil {
		return m.RecordOutcomesFunc(ctx, outcomes)
	}
	return nil
}

func (m *MockOutcomeStore) RecentOutcomes(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
	if m.RecentOutcomesFunc != nil {
		return m.RecentOutcomesFunc(ctx, settingID, limit)
	}
	return nil, nil
}
