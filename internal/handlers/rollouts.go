package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"updatrix/backend/internal/dispatch"
	"updatrix/backend/internal/models"
)

type RolloutsHandler struct {
	dispatch *dispatch.Service
}

func NewRolloutsHandler(disp *dispatch.Service) *RolloutsHandler {
	return &RolloutsHandler{dispatch: disp}
}

// CreateRollout creates a rollout with one pending assignment per machine.
func (h *RolloutsHandler) CreateRollout(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rollout, assignments, err := h.dispatch.CreateRollout(r.Context(), req)
	if err != nil {
		writeError(w, "Failed to create rollout", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rollout":     rollout,
		"assignments": assignments,
	})
}

// ListRollouts returns recent rollouts, newest first.
func (h *RolloutsHandler) ListRollouts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rollouts, err := h.dispatch.List(r.Context(), limit)
	if err != nil {
		writeError(w, "Failed to list rollouts", err)
		return
	}
	if rollouts == nil {
		rollouts = []models.Rollout{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rollouts)
}

// RolloutStatus returns a rollout with its assignment set.
func (h *RolloutsHandler) RolloutStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid rollout ID", http.StatusBadRequest)
		return
	}

	rollout, assignments, err := h.dispatch.Status(r.Context(), id)
	if err != nil {
		writeError(w, "Failed to get rollout status", err)
		return
	}
	if assignments == nil {
		assignments = []models.RolloutAssignment{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rollout":     rollout,
		"assignments": assignments,
	})
}

// CancelRollout sets the operator terminal state.
func (h *RolloutsHandler) CancelRollout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid rollout ID", http.StatusBadRequest)
		return
	}

	rollout, err := h.dispatch.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, "Failed to cancel rollout", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rollout)
}
