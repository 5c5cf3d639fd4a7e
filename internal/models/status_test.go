package models

import (
	"encoding/json"
	"testing"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []AssignmentStatus
		want     RolloutStatus
	}{
		{"empty", nil, RolloutPending},
		{"all pending", []AssignmentStatus{AssignmentPending, AssignmentPending}, RolloutPending},
		{"one in progress", []AssignmentStatus{AssignmentPending, AssignmentInProgress}, RolloutInProgress},
		{"completed and pending", []AssignmentStatus{AssignmentCompleted, AssignmentPending}, RolloutPending},
		{"completed and in progress", []AssignmentStatus{AssignmentCompleted, AssignmentInProgress}, RolloutInProgress},
		{"all completed", []AssignmentStatus{AssignmentCompleted, AssignmentCompleted}, RolloutCompleted},
		{"completed and failed", []AssignmentStatus{AssignmentCompleted, AssignmentFailed}, RolloutFailed},
		{"all skipped", []AssignmentStatus{AssignmentSkipped, AssignmentSkipped}, RolloutCompleted},
		{"skipped and failed", []AssignmentStatus{AssignmentSkipped, AssignmentFailed}, RolloutFailed},
		{"failed and in progress", []AssignmentStatus{AssignmentFailed, AssignmentInProgress}, RolloutInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.statuses); got != tt.want {
				t.Fatalf("AggregateStatus(%v) = %s, want %s", tt.statuses, got, tt.want)
			}
		})
	}
}

func TestAggregateStatusOrderIndependent(t *testing.T) {
	a := []AssignmentStatus{AssignmentCompleted, AssignmentFailed, AssignmentInProgress, AssignmentPending}
	b := []AssignmentStatus{AssignmentPending, AssignmentInProgress, AssignmentFailed, AssignmentCompleted}
	if AggregateStatus(a) != AggregateStatus(b) {
		t.Fatalf("aggregate depends on order: %s vs %s", AggregateStatus(a), AggregateStatus(b))
	}
}

func TestAggregateStatusIdempotent(t *testing.T) {
	snapshot := []AssignmentStatus{AssignmentCompleted, AssignmentSkipped, AssignmentFailed}
	first := AggregateStatus(snapshot)
	for i := 0; i < 5; i++ {
		if got := AggregateStatus(snapshot); got != first {
			t.Fatalf("re-running aggregate changed result: %s vs %s", got, first)
		}
	}
}

func TestAssignmentStatusUnmarshalRejectsUnknown(t *testing.T) {
	var s AssignmentStatus
	if err := json.Unmarshal([]byte(`"exploded"`), &s); err == nil {
		t.Fatal("expected error for unknown status value")
	}
	if err := json.Unmarshal([]byte(`"completed"`), &s); err != nil {
		t.Fatalf("valid status rejected: %v", err)
	}
	if s != AssignmentCompleted {
		t.Fatalf("got %s, want %s", s, AssignmentCompleted)
	}
}
