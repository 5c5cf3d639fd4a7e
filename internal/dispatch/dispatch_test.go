package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/events"
	"updatrix/backend/internal/models"
	"updatrix/backend/internal/registry"
	"updatrix/backend/internal/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) byType(typ string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	st       *store.MemoryStore
	pub      *capturePublisher
	dist     *models.Distribution
	machines []*models.Machine
	tokens   []string
}

func newFixture(t *testing.T, machineCount int) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &capturePublisher{}

	dist := &models.Distribution{Version: "3.1.0", Arch: "amd64", SizeBytes: 1 << 20}
	if err := st.CreateDistribution(ctx, dist); err != nil {
		t.Fatalf("create distribution: %v", err)
	}

	f := &fixture{svc: New(st, pub), st: st, pub: pub, dist: dist}
	for i := 0; i < machineCount; i++ {
		m := &models.Machine{Name: "m" + string(rune('a'+i)), Address: "10.0.0.1"}
		if err := st.CreateMachine(ctx, m); err != nil {
			t.Fatalf("create machine: %v", err)
		}
		token := "tok-" + m.Name
		now := time.Now()
		if _, err := st.UpsertAgent(ctx, &models.Agent{MachineID: m.ID, Token: token, Active: true, LastSeen: &now}); err != nil {
			t.Fatalf("upsert agent: %v", err)
		}
		f.machines = append(f.machines, m)
		f.tokens = append(f.tokens, token)
	}
	return f
}

func (f *fixture) createRollout(t *testing.T, ids []uuid.UUID) *models.Rollout {
	t.Helper()
	rollout, assignments, err := f.svc.CreateRollout(context.Background(), CreateRolloutRequest{
		Name:           "deploy 3.1.0",
		DistributionID: f.dist.ID,
		MachineIDs:     ids,
	})
	if err != nil {
		t.Fatalf("create rollout: %v", err)
	}
	if len(assignments) != len(ids) {
		t.Fatalf("got %d assignments, want %d", len(assignments), len(ids))
	}
	return rollout
}

func machineIDs(ms []*models.Machine) []uuid.UUID {
	out := make([]uuid.UUID, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestCreateRolloutAssignsEveryMachinePending(t *testing.T) {
	f := newFixture(t, 3)
	rollout := f.createRollout(t, machineIDs(f.machines))

	if rollout.Status != models.RolloutPending {
		t.Fatalf("rollout status = %s, want %s", rollout.Status, models.RolloutPending)
	}
	assignments, err := f.st.ListAssignments(context.Background(), rollout.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(assignments) != 3 {
		t.Fatalf("got %d assignments, want 3", len(assignments))
	}
	for _, as := range assignments {
		if as.Status != models.AssignmentPending {
			t.Fatalf("assignment %s status = %s, want %s", as.ID, as.Status, models.AssignmentPending)
		}
	}
}

func TestCreateRolloutRejectsMissingMachinesAtomically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	ghost := uuid.New()

	_, _, err := f.svc.CreateRollout(ctx, CreateRolloutRequest{
		Name:           "broken",
		DistributionID: f.dist.ID,
		MachineIDs:     append(machineIDs(f.machines), ghost),
	})
	if !errors.Is(err, store.ErrMachineNotFound) {
		t.Fatalf("got %v, want ErrMachineNotFound", err)
	}
	var missing *store.MissingMachinesError
	if !errors.As(err, &missing) {
		t.Fatalf("error does not carry the missing ids: %v", err)
	}
	if len(missing.IDs) != 1 || missing.IDs[0] != ghost {
		t.Fatalf("missing ids = %v, want [%s]", missing.IDs, ghost)
	}

	// Nothing persisted, not even for the machines that do exist
	rollouts, err := f.st.ListRollouts(ctx, 0)
	if err != nil {
		t.Fatalf("list rollouts: %v", err)
	}
	if len(rollouts) != 0 {
		t.Fatalf("partial rollout persisted: %d rollouts", len(rollouts))
	}
}

func TestCreateRolloutValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	var verr *ValidationError
	_, _, err := f.svc.CreateRollout(ctx, CreateRolloutRequest{DistributionID: f.dist.ID, MachineIDs: machineIDs(f.machines)})
	if !errors.As(err, &verr) {
		t.Fatalf("missing name: got %v, want ValidationError", err)
	}

	_, _, err = f.svc.CreateRollout(ctx, CreateRolloutRequest{Name: "x", DistributionID: f.dist.ID})
	if !errors.As(err, &verr) {
		t.Fatalf("empty machine set: got %v, want ValidationError", err)
	}

	dup := f.machines[0].ID
	_, _, err = f.svc.CreateRollout(ctx, CreateRolloutRequest{Name: "x", DistributionID: f.dist.ID, MachineIDs: []uuid.UUID{dup, dup}})
	if !errors.As(err, &verr) {
		t.Fatalf("duplicate machine ids: got %v, want ValidationError", err)
	}

	_, _, err = f.svc.CreateRollout(ctx, CreateRolloutRequest{Name: "x", DistributionID: uuid.New(), MachineIDs: machineIDs(f.machines)})
	if !errors.Is(err, store.ErrDistributionNotFound) {
		t.Fatalf("unknown distribution: got %v, want ErrDistributionNotFound", err)
	}
}

func TestListPendingOnlyOffersPendingWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rollout := f.createRollout(t, machineIDs(f.machines))

	pending, err := f.svc.ListPending(ctx, f.tokens[0])
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rollout.ID {
		t.Fatalf("got %v, want the created rollout", pending)
	}

	// Once the first machine starts, the rollout is no longer offered to
	// anyone: its aggregate left PENDING.
	if _, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentInProgress, nil); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	pending, err = f.svc.ListPending(ctx, f.tokens[1])
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("in-progress rollout still offered: %v", pending)
	}
}

func TestListPendingSurvivesReRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	rollout := f.createRollout(t, machineIDs(f.machines))

	// Agent reinstall: same machine, fresh token
	reg := registry.New(f.st, events.Nop{})
	if _, err := reg.Register(ctx, registry.RegisterRequest{
		MachineID:  f.machines[0].ID,
		AgentToken: "tok-reinstalled",
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	pending, err := f.svc.ListPending(ctx, "tok-reinstalled")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rollout.ID {
		t.Fatalf("pending work lost across re-registration: %v", pending)
	}

	// The replaced token no longer resolves
	if _, err := f.svc.ListPending(ctx, f.tokens[0]); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("old token still resolves: %v", err)
	}
}

func TestListPendingUnknownToken(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.svc.ListPending(context.Background(), "never-issued"); !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("got %v, want ErrAgentNotFound", err)
	}
}

func TestReportProgressAggregation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rollout := f.createRollout(t, machineIDs(f.machines))

	res, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentInProgress, nil)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if !res.Changed || res.NewStatus != models.RolloutInProgress {
		t.Fatalf("aggregate = %s (changed=%v), want %s", res.NewStatus, res.Changed, models.RolloutInProgress)
	}

	if _, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentCompleted, nil); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	got, _ := f.st.GetRollout(ctx, rollout.ID)
	if got.Status != models.RolloutPending {
		t.Fatalf("one completed, one pending: aggregate = %s, want %s", got.Status, models.RolloutPending)
	}

	res, err = f.svc.ReportProgress(ctx, f.tokens[1], rollout.ID, models.AssignmentCompleted, nil)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if res.NewStatus != models.RolloutCompleted {
		t.Fatalf("all completed: aggregate = %s, want %s", res.NewStatus, models.RolloutCompleted)
	}
}

func TestReportProgressFailureDominatesCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rollout := f.createRollout(t, machineIDs(f.machines))

	if _, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentCompleted, nil); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	msg := "install exited 1"
	res, err := f.svc.ReportProgress(ctx, f.tokens[1], rollout.ID, models.AssignmentFailed, &msg)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if res.NewStatus != models.RolloutFailed {
		t.Fatalf("aggregate = %s, want %s", res.NewStatus, models.RolloutFailed)
	}
	if res.Assignment.ErrorMessage == nil || *res.Assignment.ErrorMessage != msg {
		t.Fatalf("error message not recorded: %v", res.Assignment.ErrorMessage)
	}
	if res.Assignment.CompletedAt == nil {
		t.Fatal("terminal assignment missing completed_at")
	}
}

func TestReportProgressSkippedStampsCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	rollout := f.createRollout(t, machineIDs(f.machines))

	res, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentSkipped, nil)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if res.Assignment.CompletedAt == nil {
		t.Fatal("skipped assignment missing completed_at")
	}
	if res.NewStatus != models.RolloutCompleted {
		t.Fatalf("all-skipped aggregate = %s, want %s", res.NewStatus, models.RolloutCompleted)
	}
}

func TestReportProgressTerminalAssignmentIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	rollout := f.createRollout(t, machineIDs(f.machines))

	first, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentCompleted, nil)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	stamp := first.Assignment.CompletedAt

	// A resend after a crash is acknowledged without rewriting anything
	again, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentFailed, nil)
	if err != nil {
		t.Fatalf("resend should be acked, got %v", err)
	}
	if again.Changed {
		t.Fatal("resend changed the rollout aggregate")
	}
	if again.Assignment.Status != models.AssignmentCompleted {
		t.Fatalf("resend rewrote a terminal assignment to %s", again.Assignment.Status)
	}
	if again.Assignment.CompletedAt == nil || !again.Assignment.CompletedAt.Equal(*stamp) {
		t.Fatal("resend moved completed_at")
	}
}

func TestReportProgressRejectsInvalidStatus(t *testing.T) {
	f := newFixture(t, 1)
	rollout := f.createRollout(t, machineIDs(f.machines))

	var verr *ValidationError
	_, err := f.svc.ReportProgress(context.Background(), f.tokens[0], rollout.ID, models.AssignmentStatus("exploded"), nil)
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestReportProgressPublishesOnlyOnAggregateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rollout := f.createRollout(t, machineIDs(f.machines))

	if _, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentInProgress, nil); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if _, err := f.svc.ReportProgress(ctx, f.tokens[1], rollout.ID, models.AssignmentInProgress, nil); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	// First report flipped PENDING -> IN_PROGRESS; the second left the
	// aggregate alone.
	if n := len(f.pub.byType(events.TypeRolloutStatus)); n != 1 {
		t.Fatalf("got %d rollout_status events, want 1", n)
	}
}

func TestCancelFreezesAggregate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	rollout := f.createRollout(t, machineIDs(f.machines))

	if _, err := f.svc.Cancel(ctx, rollout.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A late completion is recorded on the assignment but never thaws the
	// rollout out of CANCELLED.
	res, err := f.svc.ReportProgress(ctx, f.tokens[0], rollout.ID, models.AssignmentCompleted, nil)
	if err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if res.Changed {
		t.Fatal("late report changed a cancelled rollout")
	}
	if res.Assignment.Status != models.AssignmentCompleted {
		t.Fatalf("assignment status = %s, want %s", res.Assignment.Status, models.AssignmentCompleted)
	}
	got, _ := f.st.GetRollout(ctx, rollout.ID)
	if got.Status != models.RolloutCancelled {
		t.Fatalf("rollout status = %s, want %s", got.Status, models.RolloutCancelled)
	}

	// Cancelled rollouts are never offered
	pending, err := f.svc.ListPending(ctx, f.tokens[0])
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("cancelled rollout still offered: %v", pending)
	}
}
