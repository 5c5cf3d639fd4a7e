package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"updatrix/backend/internal/models"
	"updatrix/backend/internal/store"
)

type GroupsHandler struct {
	store store.Store
}

func NewGroupsHandler(st store.Store) *GroupsHandler {
	return &GroupsHandler{store: st}
}

func (h *GroupsHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		log.Printf("Failed to list machine groups: %v", err)
		http.Error(w, "Failed to list machine groups", http.StatusInternalServerError)
		return
	}
	if groups == nil {
		groups = []models.MachineGroupWithCount{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(groups)
}

func (h *GroupsHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	group := &models.MachineGroup{Name: req.Name}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		log.Printf("Failed to create machine group: %v", err)
		http.Error(w, "Failed to create machine group", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

func (h *GroupsHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteGroup(r.Context(), id); err != nil {
		writeError(w, "Failed to delete machine group", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
