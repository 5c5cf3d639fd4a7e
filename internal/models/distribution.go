package models

import (
	"time"

	"github.com/google/uuid"
)

// Distribution is an update package available for rollout. The records are
// maintained by the package storage service; this module only reads them.
type Distribution struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Version   string    `db:"version" json:"version"`
	Arch      string    `db:"arch" json:"arch"`
	SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
