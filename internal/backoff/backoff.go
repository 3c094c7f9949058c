// Package backoff computes how long a setting's next run is delayed after
// consecutive job failures.
//
// The delay is an hour offset taken from a capped Fibonacci sequence indexed by
// the number of contiguous failures at the head of the outcome history:
//
//	failures: 0  1  2  3  4  5  6  7
//	hours:    0  1  1  2  3  5  8  13
package backoff

import (
	"github.com/RezaEskandarii/fibfire/types"
	"time"
)

// MaxFailureSeed caps both the number of outcomes examined and the sequence index.
const MaxFailureSeed = 7

// FailureSeed counts contiguous failures starting at outcomes[0], which must be
// the most recent outcome. Counting stops at the first success or after
// MaxFailureSeed outcomes have been examined.
func FailureSeed(outcomes []types.JobOutcome) int {
	n := 0
	for i := 0; i < len(outcomes) && i < MaxFailureSeed; i++ {
		if outcomes[i].Success {
			break
		}
		n++
	}
	return n
}

// FibonacciAt returns the a-value at index n of the sequence produced by
// (a, b) -> (max(a, b), a+b) from (0, 1). n is clamped to [0, MaxFailureSeed].
func FibonacciAt(n int) int {
	if n < 0 {
		n = 0
	}
	if n > MaxFailureSeed {
		n = MaxFailureSeed
	}

	a, b := 0, 1
	for i := 0; i < n; i++ {
		a, b = max(a, b), a+b
	}
	return a
}

// Sequence returns the offsets for every seed from 0 to MaxFailureSeed.
func Sequence() []int {
	seq := make([]int, 0, MaxFailureSeed+1)
	for i := 0; i <= MaxFailureSeed; i++ {
		seq = append(seq, FibonacciAt(i))
	}
	return seq
}

// ComputeOffsetHours returns the number of hours the next run should be
// delayed, given outcomes ordered most-recent-first.
// An empty history or a most recent success yields 0.
func ComputeOffsetHours(outcomes []types.JobOutcome) int {
	return FibonacciAt(FailureSeed(outcomes))
}

// Offset is ComputeOffsetHours as a duration.
func Offset(outcomes []types.JobOutcome) time.Duration {
	return time.Duration(ComputeOffsetHours(outcomes)) * time.Hour
}

// NextRunTime adds the offset to the latest outcome's timestamp.
// It reports false when there is no history to anchor on.
func NextRunTime(outcomes []types.JobOutcome) (time.Time, bool) {
	if len(outcomes) == 0 {
		return time.Time{}, false
	}
	return outcomes[0].CreatedAt.Add(Offset(outcomes)), true
}
