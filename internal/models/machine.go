package models

import (
	"time"

	"github.com/google/uuid"
)

type Machine struct {
	ID      uuid.UUID  `db:"id" json:"id"`
	Name    string     `db:"name" json:"name"`
	Address string     `db:"address" json:"address"`
	GroupID *uuid.UUID `db:"group_id" json:"group_id"`

	// Admin credential protection. The ciphertext never leaves the server;
	// CredentialSet is the only thing generic reads expose.
	AdminCredential *string `db:"admin_credential" json:"-"`
	CredentialRef   *string `db:"credential_ref" json:"-"`
	CredentialSet   bool    `db:"credential_set" json:"credential_set"`

	// Optional access token gating the credential read
	AccessTokenHash *string `db:"access_token_hash" json:"-"`

	// Last known installed package state (from agent reports)
	InstalledVersion *string `db:"installed_version" json:"installed_version"`
	InstalledArch    *string `db:"installed_arch" json:"installed_arch"`

	// Liveness cache, reconciled from the agent heartbeat before reporting
	Online bool `db:"online" json:"online"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MachineWithAgent includes agent identity info with the machine.
type MachineWithAgent struct {
	Machine
	AgentID       *uuid.UUID `db:"agent_id" json:"agent_id"`
	AgentHostname *string    `db:"agent_hostname" json:"agent_hostname"`
	AgentActive   *bool      `db:"agent_active" json:"agent_active"`
	LastSeen      *time.Time `db:"last_seen" json:"last_seen"`
}
