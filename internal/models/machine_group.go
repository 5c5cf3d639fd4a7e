package models

import (
	"time"

	"github.com/google/uuid"
)

// MachineGroup organizes machines for rollout targeting.
type MachineGroup struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MachineGroupWithCount includes the count of machines in the group.
type MachineGroupWithCount struct {
	MachineGroup
	MachineCount int `db:"machine_count" json:"machine_count"`
}
