package types

import "time"

// JobOutcome is a single recorded run of a Setting's job.
// Outcomes are immutable once created.
type JobOutcome struct {
	ID        int64     `json:"id"`
	SettingID int64     `json:"setting_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
