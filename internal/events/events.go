package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types pushed to observers.
const (
	TypeMachineStatus = "machine_status"
	TypeRolloutStatus = "rollout_status"
	TypeAgentRemoved  = "agent_removed"
)

// Event is a one-way notification about a state change. Delivery is
// best-effort; nothing in the core waits on it.
type Event struct {
	Type      string     `json:"type"`
	MachineID *uuid.UUID `json:"machine_id,omitempty"`
	RolloutID *uuid.UUID `json:"rollout_id,omitempty"`
	Online    *bool      `json:"online,omitempty"`
	Status    string     `json:"status,omitempty"`
	At        time.Time  `json:"at"`
}

// Publisher is the capability components use to notify observers. Publish
// must never block and must tolerate failure.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
