package types

import (
	"github.com/RezaEskandarii/fibfire/internal/state"
	"time"
)

type JobResult struct {
	SettingID   int64
	Err         error
	Status      state.JobStatus
	RanAt       time.Time
	NextRun     time.Time
	OffsetHours int
}
