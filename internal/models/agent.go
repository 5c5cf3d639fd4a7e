package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is the identity record for the process running on a machine.
// Exactly one per machine; re-registration overwrites it in place.
type Agent struct {
	ID        uuid.UUID `db:"id" json:"id"`
	MachineID uuid.UUID `db:"machine_id" json:"machine_id"`
	Token     string    `db:"token" json:"-"`
	Hostname  string    `db:"hostname" json:"hostname"`
	OSVersion string    `db:"os_version" json:"os_version"`

	// Package state as last reported by the agent itself
	ReportedVersion *string `db:"reported_version" json:"reported_version"`
	ReportedArch    *string `db:"reported_arch" json:"reported_arch"`

	Active    bool       `db:"active" json:"active"`
	LastSeen  *time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}
