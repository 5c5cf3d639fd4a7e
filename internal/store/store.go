package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/models"
)

var (
	ErrMachineNotFound      = errors.New("machine not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrRolloutNotFound      = errors.New("rollout not found")
	ErrAssignmentNotFound   = errors.New("assignment not found")
	ErrDistributionNotFound = errors.New("distribution not found")
	ErrGroupNotFound        = errors.New("machine group not found")

	// ErrNoMachines rejects a rollout created against an empty machine set.
	ErrNoMachines = errors.New("rollout requires at least one machine")
)

// MissingMachinesError reports which target machine ids did not resolve when
// creating a rollout. The whole creation is rejected; nothing persists.
type MissingMachinesError struct {
	IDs []uuid.UUID
}

func (e *MissingMachinesError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMachineNotFound, e.IDs)
}

func (e *MissingMachinesError) Unwrap() error { return ErrMachineNotFound }

// ProgressResult describes the outcome of an assignment progress write.
type ProgressResult struct {
	Assignment models.RolloutAssignment
	// Rollout aggregate before and after the write. Changed is false when
	// the write was a no-op (terminal re-send) or the aggregate held steady.
	OldStatus models.RolloutStatus
	NewStatus models.RolloutStatus
	Changed   bool
}

// Store is the persistence boundary. The Postgres implementation backs the
// server; the in-memory one backs tests and dev mode.
type Store interface {
	CreateMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, id uuid.UUID) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.MachineWithAgent, error)
	UpdateMachine(ctx context.Context, m *models.Machine) error
	// DeleteMachine cascades the agent identity and assignment history.
	DeleteMachine(ctx context.Context, id uuid.UUID) error
	SetMachineCredential(ctx context.Context, id uuid.UUID, ciphertext, ref string) error
	GetMachineCredential(ctx context.Context, id uuid.UUID) (*models.Machine, error)
	SetMachineAccessToken(ctx context.Context, id uuid.UUID, hash string) error
	SetMachineVersion(ctx context.Context, id uuid.UUID, version, arch *string) error

	// UpsertAgent creates or overwrites the identity keyed by machine id.
	UpsertAgent(ctx context.Context, a *models.Agent) (*models.Agent, error)
	GetAgentByToken(ctx context.Context, token string) (*models.Agent, error)
	// TouchAgent records a heartbeat: last_seen=now, active=true.
	TouchAgent(ctx context.Context, token string, now time.Time) (*models.Agent, error)
	// UpdateAgentVersion is TouchAgent plus a version/arch write. A nil
	// pointer leaves the stored value alone; an empty string clears it.
	UpdateAgentVersion(ctx context.Context, token string, version, arch *string, now time.Time) (*models.Agent, error)
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// SetLiveness reconciles the cached online flag and the agent active
	// flag. An offline write is skipped when a heartbeat advanced last_seen
	// past asOf (the reconciliation snapshot). Returns whether the machine
	// flag actually flipped.
	SetLiveness(ctx context.Context, machineID uuid.UUID, online bool, asOf time.Time) (bool, error)
	// ForceMachineOffline flips the machine offline unconditionally
	// (operator-initiated agent removal).
	ForceMachineOffline(ctx context.Context, machineID uuid.UUID) (bool, error)

	CreateDistribution(ctx context.Context, d *models.Distribution) error
	GetDistribution(ctx context.Context, id uuid.UUID) (*models.Distribution, error)
	ListDistributions(ctx context.Context) ([]models.Distribution, error)

	// CreateRollout validates the distribution and every machine id, then
	// inserts the rollout and one pending assignment per machine atomically.
	CreateRollout(ctx context.Context, r *models.Rollout, machineIDs []uuid.UUID) ([]models.RolloutAssignment, error)
	GetRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error)
	ListRollouts(ctx context.Context, limit int) ([]models.Rollout, error)
	ListAssignments(ctx context.Context, rolloutID uuid.UUID) ([]models.RolloutAssignment, error)
	// ListPendingRollouts returns pending rollouts that still have a pending
	// assignment for the machine.
	ListPendingRollouts(ctx context.Context, machineID uuid.UUID) ([]models.Rollout, error)
	// ReportProgress applies an assignment status and recomputes the rollout
	// aggregate in the same transaction. Assignments already completed or
	// failed are immutable; re-sending is a no-op, never an error.
	ReportProgress(ctx context.Context, rolloutID, machineID uuid.UUID, status models.AssignmentStatus, errorMessage *string, now time.Time) (*ProgressResult, error)
	// CancelRollout sets the operator terminal state; aggregation never
	// overwrites it afterwards.
	CancelRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error)

	CreateGroup(ctx context.Context, g *models.MachineGroup) error
	ListGroups(ctx context.Context) ([]models.MachineGroupWithCount, error)
	DeleteGroup(ctx context.Context, id uuid.UUID) error
}
