package handlers

import (
	"errors"
	"log"
	"net/http"

	"updatrix/backend/internal/dispatch"
	"updatrix/backend/internal/store"
	"updatrix/backend/internal/vault"
)

// writeError maps service errors to HTTP responses: not-found sentinels to
// 404, validation to 400, crypto to 422, everything else to a logged 500.
func writeError(w http.ResponseWriter, fallback string, err error) {
	switch {
	case errors.Is(err, store.ErrMachineNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrRolloutNotFound),
		errors.Is(err, store.ErrAssignmentNotFound),
		errors.Is(err, store.ErrDistributionNotFound),
		errors.Is(err, store.ErrGroupNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNoMachines):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, vault.ErrCrypto):
		http.Error(w, "Stored credential cannot be decrypted", http.StatusUnprocessableEntity)
	default:
		var ve *dispatch.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, ve.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("%s: %v", fallback, err)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}
