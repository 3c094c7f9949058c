package store

import (
	"context"
	"github.com/RezaEskandarii/fibfire/types"
)

// OutcomeStore keeps the job outcome history backoff is computed from.
type OutcomeStore interface {
	// RecordOutcome appends a single outcome and returns its ID.
	RecordOutcome(ctx context.Context, outcome types.JobOutcome) (int64, error)

	// RecordOutcomes appends a batch of outcomes atomically.
	RecordOutcomes(ctx context.Context, outcomes []types.JobOutcome) error

	// RecentOutcomes returns at most limit outcomes of a setting, most recent first.
	RecentOutcomes(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error)
}
