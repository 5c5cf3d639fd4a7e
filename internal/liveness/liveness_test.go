package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"updatrix/backend/internal/events"
	"updatrix/backend/internal/models"
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

func (c *capturePublisher) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func TestDeriveOnline(t *testing.T) {
	now := time.Now()
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name     string
		lastSeen *time.Time
		want     bool
	}{
		{"never seen", nil, false},
		{"seen just now", ago(0), true},
		{"seen 61 seconds ago", ago(61 * time.Second), true},
		{"seen exactly at threshold", ago(DefaultThreshold), false},
		{"seen 121 seconds ago", ago(121 * time.Second), false},
		{"seen an hour ago", ago(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveOnline(now, tt.lastSeen, DefaultThreshold); got != tt.want {
				t.Fatalf("DeriveOnline = %v, want %v", got, tt.want)
			}
		})
	}
}

func seedMachine(t *testing.T, st *store.MemoryStore, name string) *models.Machine {
	t.Helper()
	m := &models.Machine{Name: name, Address: name + ".internal"}
	if err := st.CreateMachine(context.Background(), m); err != nil {
		t.Fatalf("create machine: %v", err)
	}
	return m
}

func seedAgent(t *testing.T, st *store.MemoryStore, m *models.Machine, token string, lastSeen time.Time) *models.Agent {
	t.Helper()
	ts := lastSeen
	a := &models.Agent{
		MachineID: m.ID,
		Token:     token,
		Hostname:  m.Name,
		Active:    true,
		LastSeen:  &ts,
	}
	a, err := st.UpsertAgent(context.Background(), a)
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return a
}

func TestReconcileFlipsStaleMachineOffline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	rec := NewReconciler(st, pub, DefaultThreshold)

	m := seedMachine(t, st, "web-01")
	stale := time.Now().Add(-5 * time.Minute)
	seedAgent(t, st, m, "tok-web-01", stale)
	if _, err := st.SetLiveness(ctx, m.ID, true, stale); err != nil {
		t.Fatalf("seed liveness: %v", err)
	}

	snapshot, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("got %d machines, want 1", len(snapshot))
	}
	if snapshot[0].Online {
		t.Fatal("stale machine still reported online")
	}

	got, err := st.GetMachine(ctx, m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if got.Online {
		t.Fatal("stale machine still persisted online")
	}

	evs := pub.all()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Type != events.TypeMachineStatus {
		t.Fatalf("event type = %s, want %s", evs[0].Type, events.TypeMachineStatus)
	}
	if evs[0].Online == nil || *evs[0].Online {
		t.Fatal("event should carry online=false")
	}
	if evs[0].MachineID == nil || *evs[0].MachineID != m.ID {
		t.Fatal("event should name the flipped machine")
	}

	// Already reconciled; a second pass must not re-announce the flip
	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if n := len(pub.all()); n != 1 {
		t.Fatalf("got %d events after second pass, want 1", n)
	}
}

func TestReconcileFlipsFreshMachineOnline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	rec := NewReconciler(st, pub, DefaultThreshold)

	m := seedMachine(t, st, "db-01")
	seedAgent(t, st, m, "tok-db-01", time.Now())

	snapshot, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !snapshot[0].Online {
		t.Fatal("fresh machine reported offline")
	}

	evs := pub.all()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Online == nil || !*evs[0].Online {
		t.Fatal("event should carry online=true")
	}
}

func TestReconcileMachineWithoutAgentIsOffline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	rec := NewReconciler(st, pub, DefaultThreshold)

	seedMachine(t, st, "bare-01")

	snapshot, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if snapshot[0].Online {
		t.Fatal("machine without an agent reported online")
	}
	if n := len(pub.all()); n != 0 {
		t.Fatalf("got %d events for a machine that never flipped, want 0", n)
	}
}

func TestSetLivenessIgnoresOfflineWriteAfterFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	m := seedMachine(t, st, "api-01")
	seedAgent(t, st, m, "tok-api-01", time.Now())
	if _, err := st.SetLiveness(ctx, m.ID, true, time.Now()); err != nil {
		t.Fatalf("seed liveness: %v", err)
	}

	// Offline decision taken from a snapshot older than the last heartbeat
	asOf := time.Now().Add(-10 * time.Second)
	changed, err := st.SetLiveness(ctx, m.ID, false, asOf)
	if err != nil {
		t.Fatalf("set liveness: %v", err)
	}
	if changed {
		t.Fatal("stale offline write reported a flip")
	}

	got, err := st.GetMachine(ctx, m.ID)
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if !got.Online {
		t.Fatal("stale offline write knocked a live machine offline")
	}
}
