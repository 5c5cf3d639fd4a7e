package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"updatrix/backend/internal/dispatch"
	"updatrix/backend/internal/liveness"
	"updatrix/backend/internal/models"
	"updatrix/backend/internal/registry"
)

type AgentHandler struct {
	registry *registry.Service
	dispatch *dispatch.Service
	liveness *liveness.Reconciler
}

func NewAgentHandler(reg *registry.Service, disp *dispatch.Service, rec *liveness.Reconciler) *AgentHandler {
	return &AgentHandler{registry: reg, dispatch: disp, liveness: rec}
}

// Register handles first registration and agent reinstalls alike: the
// identity is upserted keyed by machine id.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.MachineID == uuid.Nil || req.AgentToken == "" {
		http.Error(w, "machine_id and agent_token are required", http.StatusBadRequest)
		return
	}

	agent, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, "Failed to register agent", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agent)
}

// Heartbeat acks every report, including ones from deleted identities.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["agentToken"]

	if err := h.registry.Heartbeat(r.Context(), token); err != nil {
		log.Printf("Failed to process heartbeat: %v", err)
		http.Error(w, "Failed to process heartbeat", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type versionReport struct {
	LastVersion *string `json:"last_version"`
	Arch        *string `json:"arch"`
}

// ReportStatus updates the agent's reported package state. An empty string
// clears the stored value; an omitted field leaves it alone.
func (h *AgentHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["agentToken"]

	var req versionReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.ReportVersion(r.Context(), token, req.LastVersion, req.Arch); err != nil {
		log.Printf("Failed to process status report: %v", err)
		http.Error(w, "Failed to process status report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// GetTasks returns pending rollouts for the agent's machine.
func (h *AgentHandler) GetTasks(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["agentToken"]

	rollouts, err := h.dispatch.ListPending(r.Context(), token)
	if err != nil {
		writeError(w, "Failed to get tasks", err)
		return
	}
	if rollouts == nil {
		rollouts = []models.Rollout{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rollouts)
}

type progressReport struct {
	Status       models.AssignmentStatus `json:"status"`
	ErrorMessage *string                 `json:"error_message"`
}

// ReportProgress applies a task progress report from an agent.
func (h *AgentHandler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["agentToken"]
	rolloutID, err := uuid.Parse(vars["taskId"])
	if err != nil {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	var req progressReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	res, err := h.dispatch.ReportProgress(r.Context(), token, rolloutID, req.Status, req.ErrorMessage)
	if err != nil {
		writeError(w, "Failed to report progress", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"task_status": res.NewStatus,
	})
}

// RemoveAgent deletes the identity and forces the machine offline
// (operator action).
func (h *AgentHandler) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["agentToken"]

	if err := h.registry.Remove(r.Context(), token); err != nil {
		writeError(w, "Failed to remove agent", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LivenessSnapshot reports per-machine liveness, reconciling the cached
// online flags first.
func (h *AgentHandler) LivenessSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.liveness.Reconcile(r.Context())
	if err != nil {
		log.Printf("Failed to reconcile liveness: %v", err)
		http.Error(w, "Failed to get agent status", http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		snapshot = []liveness.MachineStatus{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
