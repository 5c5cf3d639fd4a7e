package models

import (
	"encoding/json"
	"fmt"
)

// RolloutStatus is the aggregate status of a rollout. It is derived from the
// assignment statuses, never set directly except PENDING at creation and
// CANCELLED by an operator.
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutInProgress RolloutStatus = "in_progress"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutCancelled  RolloutStatus = "cancelled"
)

func (s RolloutStatus) Valid() bool {
	switch s {
	case RolloutPending, RolloutInProgress, RolloutCompleted, RolloutFailed, RolloutCancelled:
		return true
	}
	return false
}

// Terminal reports whether the rollout can no longer change.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutCompleted || s == RolloutFailed || s == RolloutCancelled
}

// AssignmentStatus is the per-machine execution status within a rollout.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
	AssignmentSkipped    AssignmentStatus = "skipped"
)

func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentInProgress, AssignmentCompleted, AssignmentFailed, AssignmentSkipped:
		return true
	}
	return false
}

// Terminal reports whether the assignment counts toward rollout completion.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed || s == AssignmentSkipped
}

// UnmarshalJSON rejects unknown status values at decode time so a bad report
// never reaches the store.
func (s *AssignmentStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := AssignmentStatus(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown assignment status %q", raw)
	}
	*s = v
	return nil
}

// AggregateStatus computes a rollout's status from its assignment statuses.
// Pure and order-independent: re-running it on the same snapshot always
// yields the same result.
func AggregateStatus(statuses []AssignmentStatus) RolloutStatus {
	if len(statuses) == 0 {
		return RolloutPending
	}

	allTerminal := true
	anyFailed := false
	anyInProgress := false
	for _, s := range statuses {
		if !s.Terminal() {
			allTerminal = false
		}
		if s == AssignmentFailed {
			anyFailed = true
		}
		if s == AssignmentInProgress {
			anyInProgress = true
		}
	}

	if allTerminal {
		if anyFailed {
			return RolloutFailed
		}
		return RolloutCompleted
	}
	if anyInProgress {
		return RolloutInProgress
	}
	return RolloutPending
}
