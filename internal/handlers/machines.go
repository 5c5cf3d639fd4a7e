package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"updatrix/backend/internal/auth"
	"updatrix/backend/internal/models"
	"updatrix/backend/internal/store"
	"updatrix/backend/internal/vault"
)

type MachinesHandler struct {
	store store.Store
	vault *vault.Vault
}

func NewMachinesHandler(st store.Store, v *vault.Vault) *MachinesHandler {
	return &MachinesHandler{store: st, vault: v}
}

// ListMachines returns all machines with their agent info. Credential
// ciphertext never serializes; only credential_set is visible.
func (h *MachinesHandler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.store.ListMachines(r.Context())
	if err != nil {
		log.Printf("Failed to list machines: %v", err)
		http.Error(w, "Failed to list machines", http.StatusInternalServerError)
		return
	}
	if machines == nil {
		machines = []models.MachineWithAgent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(machines)
}

type machineRequest struct {
	Name    string     `json:"name"`
	Address string     `json:"address"`
	GroupID *uuid.UUID `json:"group_id"`
}

// CreateMachine registers a machine record ahead of its agent install.
func (h *MachinesHandler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Address == "" {
		http.Error(w, "name and address are required", http.StatusBadRequest)
		return
	}

	machine := &models.Machine{
		Name:    req.Name,
		Address: req.Address,
		GroupID: req.GroupID,
	}
	if err := h.store.CreateMachine(r.Context(), machine); err != nil {
		log.Printf("Failed to create machine: %v", err)
		http.Error(w, "Failed to create machine", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(machine)
}

// GetMachine returns a single machine by ID.
func (h *MachinesHandler) GetMachine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	machine, err := h.store.GetMachine(r.Context(), id)
	if err != nil {
		writeError(w, "Failed to get machine", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(machine)
}

// UpdateMachine updates name, address and group membership.
func (h *MachinesHandler) UpdateMachine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	var req machineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	machine := &models.Machine{
		ID:      id,
		Name:    req.Name,
		Address: req.Address,
		GroupID: req.GroupID,
	}
	if err := h.store.UpdateMachine(r.Context(), machine); err != nil {
		writeError(w, "Failed to update machine", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Machine updated"})
}

// DeleteMachine deletes a machine with its agent identity and assignment
// history.
func (h *MachinesHandler) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteMachine(r.Context(), id); err != nil {
		writeError(w, "Failed to delete machine", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetCredential encrypts and stores the machine's admin credential. The
// plaintext is discarded as soon as the ciphertext is written.
func (h *MachinesHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Credential string `json:"credential"`
		Ref        string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Credential == "" {
		http.Error(w, "credential is required", http.StatusBadRequest)
		return
	}

	ciphertext, err := h.vault.Encrypt(req.Credential)
	if err != nil {
		log.Printf("Failed to encrypt credential: %v", err)
		http.Error(w, "Failed to store credential", http.StatusInternalServerError)
		return
	}

	if err := h.store.SetMachineCredential(r.Context(), id, ciphertext, req.Ref); err != nil {
		writeError(w, "Failed to store credential", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Credential stored"})
}

// GetCredential is the single plaintext-bearing read, used when handing the
// credential to the installer channel. If the machine has an access token
// set, the X-Access-Token header must match it.
func (h *MachinesHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	machine, err := h.store.GetMachineCredential(r.Context(), id)
	if err != nil {
		writeError(w, "Failed to get credential", err)
		return
	}
	if machine.AdminCredential == nil {
		http.Error(w, "No credential stored for this machine", http.StatusNotFound)
		return
	}

	if machine.AccessTokenHash != nil {
		provided := r.Header.Get("X-Access-Token")
		if provided == "" || !auth.CheckPassword(provided, *machine.AccessTokenHash) {
			http.Error(w, "Invalid access token", http.StatusForbidden)
			return
		}
	}

	plaintext, err := h.vault.Decrypt(*machine.AdminCredential)
	if err != nil {
		writeError(w, "Failed to decrypt credential", err)
		return
	}

	var ref string
	if machine.CredentialRef != nil {
		ref = *machine.CredentialRef
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"credential": plaintext,
		"ref":        ref,
	})
}

// SetAccessToken sets the per-machine token gating the credential read.
func (h *MachinesHandler) SetAccessToken(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Token) < 8 {
		http.Error(w, "Token must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hash, err := auth.HashPassword(req.Token)
	if err != nil {
		log.Printf("Failed to hash access token: %v", err)
		http.Error(w, "Failed to set access token", http.StatusInternalServerError)
		return
	}

	if err := h.store.SetMachineAccessToken(r.Context(), id, hash); err != nil {
		writeError(w, "Failed to set access token", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Access token set"})
}
