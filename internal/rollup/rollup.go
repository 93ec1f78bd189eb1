// Package rollup derives job progress and outcome from target statuses and
// applies execution events to the store from a single goroutine.
package rollup

import (
	"fmt"
	"time"

	"scanflow/internal/domain"
)

const CancelledMessage = "Scan cancelled"

// Progress is the share of terminal targets, as an integer percentage.
func Progress(targets []domain.Target) int {
	if len(targets) == 0 {
		return 0
	}
	done := 0
	for _, t := range targets {
		if t.Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(targets)
}

// Decide returns the terminal status of a job whose targets are all
// terminal, with the error message to record.
func Decide(targets []domain.Target, cancelled bool) (domain.JobStatus, string) {
	if cancelled {
		return domain.JobCancelled, CancelledMessage
	}
	failed := 0
	for _, t := range targets {
		if t.Status == domain.TargetFailed {
			failed++
		}
	}
	if failed > 0 {
		return domain.JobFailed, fmt.Sprintf("%d of %d targets failed", failed, len(targets))
	}
	return domain.JobCompleted, ""
}

// EstimateCompletion extrapolates the finish time from elapsed time and
// progress. It returns nil until there is progress to extrapolate from.
func EstimateCompletion(startedAt *time.Time, now time.Time, progress int) *time.Time {
	if startedAt == nil || progress <= 0 {
		return nil
	}
	elapsed := now.Sub(*startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	eta := startedAt.Add(elapsed * 100 / time.Duration(progress)).UTC()
	return &eta
}
