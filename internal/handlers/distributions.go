package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"updatrix/backend/internal/models"
	"updatrix/backend/internal/store"
)

// DistributionsHandler exposes the read-only package catalog maintained by
// the storage service.
type DistributionsHandler struct {
	store store.Store
}

func NewDistributionsHandler(st store.Store) *DistributionsHandler {
	return &DistributionsHandler{store: st}
}

func (h *DistributionsHandler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	distributions, err := h.store.ListDistributions(r.Context())
	if err != nil {
		log.Printf("Failed to list distributions: %v", err)
		http.Error(w, "Failed to list distributions", http.StatusInternalServerError)
		return
	}
	if distributions == nil {
		distributions = []models.Distribution{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(distributions)
}
