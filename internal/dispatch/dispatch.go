package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/events"
	"updatrix/backend/internal/models"
	"updatrix/backend/internal/store"
)

// ValidationError rejects a malformed request before any state mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Service implements the pull-based dispatch protocol: rollout creation,
// pending work listing, and idempotent progress reporting.
type Service struct {
	store  store.Store
	events events.Publisher
}

func New(st store.Store, pub events.Publisher) *Service {
	return &Service{store: st, events: pub}
}

type CreateRolloutRequest struct {
	Name           string      `json:"name"`
	Description    *string     `json:"description"`
	DistributionID uuid.UUID   `json:"distribution_id"`
	MachineIDs     []uuid.UUID `json:"machine_ids"`
}

// CreateRollout validates every reference up front and creates the rollout
// with one pending assignment per machine, all or nothing.
func (s *Service) CreateRollout(ctx context.Context, req CreateRolloutRequest) (*models.Rollout, []models.RolloutAssignment, error) {
	if req.Name == "" {
		return nil, nil, &ValidationError{Reason: "rollout name is required"}
	}
	if len(req.MachineIDs) == 0 {
		return nil, nil, &ValidationError{Reason: "rollout requires at least one machine"}
	}
	seen := make(map[uuid.UUID]bool, len(req.MachineIDs))
	for _, id := range req.MachineIDs {
		if seen[id] {
			return nil, nil, &ValidationError{Reason: fmt.Sprintf("duplicate machine id %s", id)}
		}
		seen[id] = true
	}

	rollout := &models.Rollout{
		Name:           req.Name,
		Description:    req.Description,
		DistributionID: req.DistributionID,
	}
	assignments, err := s.store.CreateRollout(ctx, rollout, req.MachineIDs)
	if err != nil {
		return nil, nil, err
	}
	return rollout, assignments, nil
}

// ListPending returns the rollouts an agent should work on: still pending
// themselves, with a pending assignment for the agent's machine. A pending
// assignment against a rollout that moved on is not re-offered.
func (s *Service) ListPending(ctx context.Context, token string) ([]models.Rollout, error) {
	agent, err := s.store.GetAgentByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.store.ListPendingRollouts(ctx, agent.MachineID)
}

// ReportProgress applies an agent's status report to its assignment and
// recomputes the rollout aggregate. Reports are idempotent: an agent that
// crashed mid-report can safely resend without negotiation.
func (s *Service) ReportProgress(ctx context.Context, token string, rolloutID uuid.UUID, status models.AssignmentStatus, errorMessage *string) (*store.ProgressResult, error) {
	if !status.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown assignment status %q", status)}
	}
	agent, err := s.store.GetAgentByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	res, err := s.store.ReportProgress(ctx, rolloutID, agent.MachineID, status, errorMessage, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Changed {
		id := rolloutID
		s.events.Publish(events.Event{
			Type:      events.TypeRolloutStatus,
			RolloutID: &id,
			Status:    string(res.NewStatus),
			At:        time.Now(),
		})
	}
	return res, nil
}

// Status returns a rollout with its full assignment set.
func (s *Service) Status(ctx context.Context, rolloutID uuid.UUID) (*models.Rollout, []models.RolloutAssignment, error) {
	rollout, err := s.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, nil, err
	}
	assignments, err := s.store.ListAssignments(ctx, rolloutID)
	if err != nil {
		return nil, nil, err
	}
	return rollout, assignments, nil
}

// Cancel sets the operator terminal state. Assignments keep their current
// statuses; the aggregate never overwrites CANCELLED.
func (s *Service) Cancel(ctx context.Context, rolloutID uuid.UUID) (*models.Rollout, error) {
	rollout, err := s.store.CancelRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	id := rolloutID
	s.events.Publish(events.Event{
		Type:      events.TypeRolloutStatus,
		RolloutID: &id,
		Status:    string(models.RolloutCancelled),
		At:        time.Now(),
	})
	return rollout, nil
}

// List returns recent rollouts, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]models.Rollout, error) {
	return s.store.ListRollouts(ctx, limit)
}
