package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/events"
	"updatrix/backend/internal/models"
	"updatrix/backend/internal/store"
)

// Service owns the agent identity lifecycle: registration, heartbeats,
// version reports, removal. One identity per machine.
type Service struct {
	store  store.Store
	events events.Publisher
}

func New(st store.Store, pub events.Publisher) *Service {
	return &Service{store: st, events: pub}
}

type RegisterRequest struct {
	MachineID   uuid.UUID `json:"machine_id"`
	AgentToken  string    `json:"agent_token"`
	Hostname    string    `json:"hostname"`
	OSVersion   string    `json:"os_version"`
	LastVersion *string   `json:"last_version"`
	Arch        *string   `json:"arch"`
}

// Register creates the identity on first contact and overwrites it in place
// on re-registration (agent reinstall). Either way the machine comes online
// with the reported package state.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Agent, error) {
	if req.AgentToken == "" {
		return nil, fmt.Errorf("agent token is required")
	}

	if _, err := s.store.GetMachine(ctx, req.MachineID); err != nil {
		return nil, err
	}

	now := time.Now()
	agent := &models.Agent{
		MachineID:       req.MachineID,
		Token:           req.AgentToken,
		Hostname:        req.Hostname,
		OSVersion:       req.OSVersion,
		ReportedVersion: req.LastVersion,
		ReportedArch:    req.Arch,
		Active:          true,
		LastSeen:        &now,
	}
	agent, err := s.store.UpsertAgent(ctx, agent)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetMachineVersion(ctx, req.MachineID, req.LastVersion, req.Arch); err != nil {
		log.Printf("registry: failed to record version for machine %s: %v", req.MachineID, err)
	}
	s.markOnline(ctx, req.MachineID, now)

	return agent, nil
}

// Heartbeat records liveness for the identity owning the token. Unknown
// tokens are logged and ignored: the agent may simply lag behind an
// operator-initiated delete.
func (s *Service) Heartbeat(ctx context.Context, token string) error {
	now := time.Now()
	agent, err := s.store.TouchAgent(ctx, token, now)
	if errors.Is(err, store.ErrAgentNotFound) {
		log.Printf("registry: heartbeat from unknown agent token, ignoring")
		return nil
	}
	if err != nil {
		return err
	}
	s.markOnline(ctx, agent.MachineID, now)
	return nil
}

// ReportVersion is the heartbeat path plus a package state write. A nil
// value leaves the stored version alone; an empty string clears it (the
// agent explicitly does not know what is installed).
func (s *Service) ReportVersion(ctx context.Context, token string, version, arch *string) error {
	now := time.Now()
	agent, err := s.store.UpdateAgentVersion(ctx, token, version, arch, now)
	if errors.Is(err, store.ErrAgentNotFound) {
		log.Printf("registry: version report from unknown agent token, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.SetMachineVersion(ctx, agent.MachineID, version, arch); err != nil {
		log.Printf("registry: failed to record version for machine %s: %v", agent.MachineID, err)
	}
	s.markOnline(ctx, agent.MachineID, now)
	return nil
}

// Remove deletes the identity and forces the machine offline. Subsequent
// heartbeats from the removed token are silently ignored.
func (s *Service) Remove(ctx context.Context, token string) error {
	agent, err := s.store.GetAgentByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, agent.ID); err != nil {
		return err
	}

	changed, err := s.store.ForceMachineOffline(ctx, agent.MachineID)
	if err != nil {
		log.Printf("registry: failed to force machine %s offline: %v", agent.MachineID, err)
	} else if changed {
		s.publishStatus(agent.MachineID, false)
	}

	id := agent.MachineID
	s.events.Publish(events.Event{
		Type:      events.TypeAgentRemoved,
		MachineID: &id,
		At:        time.Now(),
	})
	return nil
}

func (s *Service) markOnline(ctx context.Context, machineID uuid.UUID, now time.Time) {
	changed, err := s.store.SetLiveness(ctx, machineID, true, now)
	if err != nil {
		log.Printf("registry: failed to mark machine %s online: %v", machineID, err)
		return
	}
	if changed {
		log.Printf("machine %s status changed: offline -> online", machineID)
		s.publishStatus(machineID, true)
	}
}

func (s *Service) publishStatus(machineID uuid.UUID, online bool) {
	id := machineID
	on := online
	s.events.Publish(events.Event{
		Type:      events.TypeMachineStatus,
		MachineID: &id,
		Online:    &on,
		At:        time.Now(),
	})
}
