package liveness

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"updatrix/backend/internal/events"
	"updatrix/backend/internal/store"
)

// DefaultThreshold is the maximum heartbeat silence before a machine counts
// as offline.
const DefaultThreshold = 2 * time.Minute

// DeriveOnline is the single source of truth for liveness, used identically
// from the request path and the background sweep. A machine with no agent or
// no recorded heartbeat is offline; silence of exactly the threshold counts
// as offline.
func DeriveOnline(now time.Time, lastSeen *time.Time, threshold time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) < threshold
}

// MachineStatus is one row of the operator liveness snapshot.
type MachineStatus struct {
	MachineID        uuid.UUID  `json:"machine_id"`
	Name             string     `json:"name"`
	AgentHostname    *string    `json:"agent_hostname"`
	Online           bool       `json:"online"`
	LastSeen         *time.Time `json:"last_seen"`
	InstalledVersion *string    `json:"installed_version"`
	InstalledArch    *string    `json:"installed_arch"`
}

// Reconciler aligns the cached machine online flags with the heartbeat-derived
// truth and publishes one status event per observed flip.
type Reconciler struct {
	store     store.Store
	events    events.Publisher
	threshold time.Duration
}

func NewReconciler(st store.Store, pub events.Publisher, threshold time.Duration) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Reconciler{store: st, events: pub, threshold: threshold}
}

// Reconcile computes liveness for every machine, persists any flips, and
// returns the reconciled snapshot. It never fails a machine on a persistence
// error; the best-effort cached value is reported instead.
func (r *Reconciler) Reconcile(ctx context.Context) ([]MachineStatus, error) {
	now := time.Now()
	machines, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MachineStatus, 0, len(machines))
	for _, m := range machines {
		online := m.AgentID != nil && DeriveOnline(now, m.LastSeen, r.threshold)

		if online != m.Online {
			changed, err := r.store.SetLiveness(ctx, m.ID, online, now)
			if err != nil {
				log.Printf("liveness: failed to reconcile machine %s: %v", m.ID, err)
				online = m.Online
			} else if changed {
				log.Printf("machine %s status changed: %s -> %s", m.ID, onoff(m.Online), onoff(online))
				r.publishFlip(m.ID, online, now)
			} else {
				// A heartbeat landed after our snapshot; keep it online
				online = m.Online
			}
		}

		out = append(out, MachineStatus{
			MachineID:        m.ID,
			Name:             m.Name,
			AgentHostname:    m.AgentHostname,
			Online:           online,
			LastSeen:         m.LastSeen,
			InstalledVersion: m.InstalledVersion,
			InstalledArch:    m.InstalledArch,
		})
	}
	return out, nil
}

func (r *Reconciler) publishFlip(machineID uuid.UUID, online bool, at time.Time) {
	id := machineID
	on := online
	r.events.Publish(events.Event{
		Type:      events.TypeMachineStatus,
		MachineID: &id,
		Online:    &on,
		At:        at,
	})
}

func onoff(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
