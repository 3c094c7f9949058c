package types

import (
	"database/sql"
	"encoding/json"
	"github.com/RezaEskandarii/fibfire/internal/state"
	"time"
)

// Setting is a schedulable entity. Name selects the registered handler and
// Expression is the regular cron cadence the handler runs on.
type Setting struct {
	ID         int64
	Name       string
	Payload    json.RawMessage
	Status     state.JobStatus
	LastError  sql.NullString
	LockedBy   *string
	LockedAt   *time.Time
	CreatedAt  time.Time
	LastRunAt  *time.Time
	NextRunAt  time.Time
	IsActive   bool
	Expression string
}
