package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/models"
)

// MemoryStore is the in-memory Store implementation, used by tests and dev
// mode. A single mutex serializes all mutations.
type MemoryStore struct {
	mu            sync.RWMutex
	machines      map[uuid.UUID]models.Machine
	agents        map[uuid.UUID]models.Agent // keyed by agent id
	distributions map[uuid.UUID]models.Distribution
	rollouts      map[uuid.UUID]models.Rollout
	assignments   map[uuid.UUID]models.RolloutAssignment
	groups        map[uuid.UUID]models.MachineGroup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:      map[uuid.UUID]models.Machine{},
		agents:        map[uuid.UUID]models.Agent{},
		distributions: map[uuid.UUID]models.Distribution{},
		rollouts:      map[uuid.UUID]models.Rollout{},
		assignments:   map[uuid.UUID]models.RolloutAssignment{},
		groups:        map[uuid.UUID]models.MachineGroup{},
	}
}

func (m *MemoryStore) CreateMachine(ctx context.Context, mc *models.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc.ID == uuid.Nil {
		mc.ID = uuid.New()
	}
	now := time.Now()
	mc.CreatedAt = now
	mc.UpdatedAt = now
	m.machines[mc.ID] = *mc
	return nil
}

func (m *MemoryStore) GetMachine(ctx context.Context, id uuid.UUID) (*models.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.machines[id]
	if !ok {
		return nil, ErrMachineNotFound
	}
	return &mc, nil
}

func (m *MemoryStore) ListMachines(ctx context.Context) ([]models.MachineWithAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MachineWithAgent, 0, len(m.machines))
	for _, mc := range m.machines {
		row := models.MachineWithAgent{Machine: mc}
		if a, ok := m.agentByMachineLocked(mc.ID); ok {
			id := a.ID
			hostname := a.Hostname
			active := a.Active
			row.AgentID = &id
			row.AgentHostname = &hostname
			row.AgentActive = &active
			row.LastSeen = a.LastSeen
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateMachine(ctx context.Context, mc *models.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.machines[mc.ID]
	if !ok {
		return ErrMachineNotFound
	}
	cur.Name = mc.Name
	cur.Address = mc.Address
	cur.GroupID = mc.GroupID
	cur.UpdatedAt = time.Now()
	m.machines[mc.ID] = cur
	return nil
}

func (m *MemoryStore) DeleteMachine(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[id]; !ok {
		return ErrMachineNotFound
	}
	delete(m.machines, id)
	for aid, a := range m.agents {
		if a.MachineID == id {
			delete(m.agents, aid)
		}
	}
	for asid, as := range m.assignments {
		if as.MachineID == id {
			delete(m.assignments, asid)
		}
	}
	return nil
}

func (m *MemoryStore) SetMachineCredential(ctx context.Context, id uuid.UUID, ciphertext, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[id]
	if !ok {
		return ErrMachineNotFound
	}
	mc.AdminCredential = &ciphertext
	mc.CredentialRef = &ref
	mc.CredentialSet = true
	mc.UpdatedAt = time.Now()
	m.machines[id] = mc
	return nil
}

func (m *MemoryStore) GetMachineCredential(ctx context.Context, id uuid.UUID) (*models.Machine, error) {
	return m.GetMachine(ctx, id)
}

func (m *MemoryStore) SetMachineAccessToken(ctx context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[id]
	if !ok {
		return ErrMachineNotFound
	}
	mc.AccessTokenHash = &hash
	mc.UpdatedAt = time.Now()
	m.machines[id] = mc
	return nil
}

func (m *MemoryStore) SetMachineVersion(ctx context.Context, id uuid.UUID, version, arch *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[id]
	if !ok {
		return ErrMachineNotFound
	}
	applyVersion(&mc.InstalledVersion, version)
	applyVersion(&mc.InstalledArch, arch)
	mc.UpdatedAt = time.Now()
	m.machines[id] = mc
	return nil
}

// applyVersion implements the provided/cleared/untouched tri-state: nil
// leaves the field, empty string clears it, anything else overwrites.
func applyVersion(field **string, v *string) {
	if v == nil {
		return
	}
	if *v == "" {
		*field = nil
		return
	}
	val := *v
	*field = &val
}

func (m *MemoryStore) agentByMachineLocked(machineID uuid.UUID) (models.Agent, bool) {
	for _, a := range m.agents {
		if a.MachineID == machineID {
			return a, true
		}
	}
	return models.Agent{}, false
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[a.MachineID]; !ok {
		return nil, ErrMachineNotFound
	}
	now := time.Now()
	if cur, ok := m.agentByMachineLocked(a.MachineID); ok {
		a.ID = cur.ID
		a.CreatedAt = cur.CreatedAt
	} else {
		a.ID = uuid.New()
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.agents[a.ID] = *a
	return a, nil
}

func (m *MemoryStore) GetAgentByToken(ctx context.Context, token string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Token == token {
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) TouchAgent(ctx context.Context, token string, now time.Time) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(token, now)
}

func (m *MemoryStore) touchLocked(token string, now time.Time) (*models.Agent, error) {
	for id, a := range m.agents {
		if a.Token == token {
			ts := now
			a.LastSeen = &ts
			a.Active = true
			a.UpdatedAt = now
			m.agents[id] = a
			cp := a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) UpdateAgentVersion(ctx context.Context, token string, version, arch *string, now time.Time) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.touchLocked(token, now)
	if err != nil {
		return nil, err
	}
	applyVersion(&a.ReportedVersion, version)
	applyVersion(&a.ReportedArch, arch)
	a.UpdatedAt = now
	m.agents[a.ID] = *a
	return a, nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *MemoryStore) SetLiveness(ctx context.Context, machineID uuid.UUID, online bool, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[machineID]
	if !ok {
		return false, ErrMachineNotFound
	}
	if a, ok := m.agentByMachineLocked(machineID); ok {
		// Never undo a heartbeat that landed after the snapshot was taken
		if !online && a.LastSeen != nil && a.LastSeen.After(asOf) {
			return false, nil
		}
		a.Active = online
		a.UpdatedAt = time.Now()
		m.agents[a.ID] = a
	}
	changed := mc.Online != online
	mc.Online = online
	mc.UpdatedAt = time.Now()
	m.machines[machineID] = mc
	return changed, nil
}

func (m *MemoryStore) ForceMachineOffline(ctx context.Context, machineID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[machineID]
	if !ok {
		return false, ErrMachineNotFound
	}
	changed := mc.Online
	mc.Online = false
	mc.UpdatedAt = time.Now()
	m.machines[machineID] = mc
	return changed, nil
}

func (m *MemoryStore) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()
	m.distributions[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDistribution(ctx context.Context, id uuid.UUID) (*models.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.distributions[id]
	if !ok {
		return nil, ErrDistributionNotFound
	}
	return &d, nil
}

func (m *MemoryStore) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Distribution, 0, len(m.distributions))
	for _, d := range m.distributions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateRollout(ctx context.Context, r *models.Rollout, machineIDs []uuid.UUID) ([]models.RolloutAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(machineIDs) == 0 {
		return nil, ErrNoMachines
	}
	if _, ok := m.distributions[r.DistributionID]; !ok {
		return nil, ErrDistributionNotFound
	}
	var missing []uuid.UUID
	for _, id := range machineIDs {
		if _, ok := m.machines[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingMachinesError{IDs: missing}
	}

	now := time.Now()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Status = models.RolloutPending
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rollouts[r.ID] = *r

	out := make([]models.RolloutAssignment, 0, len(machineIDs))
	for _, mid := range machineIDs {
		as := models.RolloutAssignment{
			ID:        uuid.New(),
			RolloutID: r.ID,
			MachineID: mid,
			Status:    models.AssignmentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.assignments[as.ID] = as
		out = append(out, as)
	}
	return out, nil
}

func (m *MemoryStore) GetRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, ErrRolloutNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListRollouts(ctx context.Context, limit int) ([]models.Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rollout, 0, len(m.rollouts))
	for _, r := range m.rollouts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAssignments(ctx context.Context, rolloutID uuid.UUID) ([]models.RolloutAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rollouts[rolloutID]; !ok {
		return nil, ErrRolloutNotFound
	}
	return m.assignmentsLocked(rolloutID), nil
}

func (m *MemoryStore) assignmentsLocked(rolloutID uuid.UUID) []models.RolloutAssignment {
	var out []models.RolloutAssignment
	for _, as := range m.assignments {
		if as.RolloutID == rolloutID {
			out = append(out, as)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ListPendingRollouts(ctx context.Context, machineID uuid.UUID) ([]models.Rollout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rollout
	for _, as := range m.assignments {
		if as.MachineID != machineID || as.Status != models.AssignmentPending {
			continue
		}
		r, ok := m.rollouts[as.RolloutID]
		if !ok || r.Status != models.RolloutPending {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ReportProgress(ctx context.Context, rolloutID, machineID uuid.UUID, status models.AssignmentStatus, errorMessage *string, now time.Time) (*ProgressResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rollouts[rolloutID]
	if !ok {
		return nil, ErrRolloutNotFound
	}

	var target *models.RolloutAssignment
	for id := range m.assignments {
		as := m.assignments[id]
		if as.RolloutID == rolloutID && as.MachineID == machineID {
			target = &as
			break
		}
	}
	if target == nil {
		return nil, ErrAssignmentNotFound
	}

	res := &ProgressResult{OldStatus: r.Status, NewStatus: r.Status}

	// Completed/failed assignments are immutable; retries are acks
	if target.Status == models.AssignmentCompleted || target.Status == models.AssignmentFailed {
		res.Assignment = *target
		return res, nil
	}

	target.Status = status
	target.ErrorMessage = errorMessage
	target.UpdatedAt = now
	if status.Terminal() && target.CompletedAt == nil {
		ts := now
		target.CompletedAt = &ts
	}
	m.assignments[target.ID] = *target
	res.Assignment = *target

	if r.Status != models.RolloutCancelled {
		statuses := make([]models.AssignmentStatus, 0)
		for _, as := range m.assignmentsLocked(rolloutID) {
			statuses = append(statuses, as.Status)
		}
		agg := models.AggregateStatus(statuses)
		if agg != r.Status {
			r.Status = agg
			r.UpdatedAt = now
			m.rollouts[rolloutID] = r
			res.NewStatus = agg
			res.Changed = true
		}
	}
	return res, nil
}

func (m *MemoryStore) CancelRollout(ctx context.Context, id uuid.UUID) (*models.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, ErrRolloutNotFound
	}
	if r.Status != models.RolloutCancelled {
		r.Status = models.RolloutCancelled
		r.UpdatedAt = time.Now()
		m.rollouts[id] = r
	}
	return &r, nil
}

func (m *MemoryStore) CreateGroup(ctx context.Context, g *models.MachineGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	m.groups[g.ID] = *g
	return nil
}

func (m *MemoryStore) ListGroups(ctx context.Context) ([]models.MachineGroupWithCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MachineGroupWithCount, 0, len(m.groups))
	for _, g := range m.groups {
		row := models.MachineGroupWithCount{MachineGroup: g}
		for _, mc := range m.machines {
			if mc.GroupID != nil && *mc.GroupID == g.ID {
				row.MachineCount++
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrGroupNotFound
	}
	delete(m.groups, id)
	for mid, mc := range m.machines {
		if mc.GroupID != nil && *mc.GroupID == id {
			mc.GroupID = nil
			m.machines[mid] = mc
		}
	}
	return nil
}
