package store

import (
	"context"
	"errors"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"github.com/RezaEskandarii/fibfire/types"
	"time"
)

var ErrSettingNotFound = errors.New("setting not found")

// ProcessingLockTTL is how long a setting may stay in 'processing' before it is considered due again.
const ProcessingLockTTL = 60 * time.Minute

// SettingStore defines the interface for managing scheduled Settings in DB.
type SettingStore interface {
	// AddOrUpdate inserts a new setting or updates its expression, next run and arguments if it already exists.
	// Returns the setting's ID.
	AddOrUpdate(ctx context.Context, name string, expression string, nextRunAt time.Time, args ...any) (int64, error)

	// GetByID returns ErrSettingNotFound when no setting has the given id.
	GetByID(ctx context.Context, settingID int64) (*types.Setting, error)

	// FetchDueSettings fetches active settings whose NextRunAt <= now.
	FetchDueSettings(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.Setting], error)

	GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Setting], error)

	CountAllGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	// LockSetting moves a due setting to processing under lockedBy. A setting whose
	// next run is still in the future, or that another owner holds, is not locked.
	LockSetting(ctx context.Context, settingID int64, lockedBy string) (bool, error)

	// Complete records the end of a run in one statement: the status, the last error
	// (cleared when errMsg is empty), both run times, and the lock release.
	// It only applies while lockedBy still holds the setting in processing, and
	// returns false when the lock was reclaimed by someone else.
	Complete(ctx context.Context, settingID int64, lockedBy string, status state.JobStatus, errMsg string, lastRunAt, nextRunAt time.Time) (bool, error)

	Activate(ctx context.Context, settingID int64) error

	DeActivate(ctx context.Context, settingID int64) error

	// Close closes the database
	Close() error
}
