package state

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusRetrying   JobStatus = "retrying"
	StatusDead       JobStatus = "dead"
)

func (s JobStatus) String() string {
	return string(s)
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusRetrying,
	StatusDead,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusProcessing},
	{From: StatusProcessing, To: StatusSucceeded},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusFailed, To: StatusRetrying},
	{From: StatusRetrying, To: StatusProcessing},
	{From: StatusFailed, To: StatusDead},
	{From: StatusSucceeded, To: StatusProcessing},
	{From: StatusFailed, To: StatusProcessing},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// StatusFromSuccess maps a job outcome onto the status recorded for its setting.
func StatusFromSuccess(success bool) JobStatus {
	if success {
		return StatusSucceeded
	}
	return StatusFailed
}

// IsSchedulable reports whether a setting in this status may be locked for its next run.
// Recurring settings return to processing from either terminal outcome.
func (s JobStatus) IsSchedulable() bool {
	switch s {
	case StatusQueued, StatusRetrying, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}
