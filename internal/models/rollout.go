package models

import (
	"time"

	"github.com/google/uuid"
)

// Rollout is one intent to install a distribution on a fixed set of
// machines. Created atomically with its assignments; a rollout with zero
// assignments never exists.
type Rollout struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	Name           string        `db:"name" json:"name"`
	Description    *string       `db:"description" json:"description"`
	DistributionID uuid.UUID     `db:"distribution_id" json:"distribution_id"`
	Status         RolloutStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// RolloutAssignment is the per-(rollout, machine) execution record. Unique
// per pair, mutated only by agent progress reports.
type RolloutAssignment struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	RolloutID    uuid.UUID        `db:"rollout_id" json:"rollout_id"`
	MachineID    uuid.UUID        `db:"machine_id" json:"machine_id"`
	Status       AssignmentStatus `db:"status" json:"status"`
	ErrorMessage *string          `db:"error_message" json:"error_message"`
	CompletedAt  *time.Time       `db:"completed_at" json:"completed_at"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}
