package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"mrp-core/internal/core"
)

type errorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Shortages []core.Shortage `json:"shortages,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

// writeDomainError maps domain error kinds onto HTTP statuses. Anything
// unrecognized is a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var notFound *core.NotFoundError
	var incompatible *core.IncompatibleUnitsError
	var cycle *core.UomCycleError
	var insufficient *core.InsufficientStockError
	var transition *core.InvalidTransitionError
	var shortage *core.ShortageError

	switch {
	case errors.As(err, &notFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.As(err, &incompatible):
		writeError(w, err.Error(), "INCOMPATIBLE_UNITS", http.StatusBadRequest)
	case errors.As(err, &cycle):
		writeError(w, err.Error(), "UOM_CYCLE", http.StatusBadRequest)
	case errors.As(err, &insufficient):
		writeError(w, err.Error(), "INSUFFICIENT_STOCK", http.StatusConflict)
	case errors.As(err, &transition):
		writeError(w, err.Error(), "INVALID_TRANSITION", http.StatusConflict)
	case errors.As(err, &shortage):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorResponse{
			Error:     err.Error(),
			Code:      "MATERIAL_SHORTAGE",
			Shortages: shortage.Shortages,
		})
	default:
		writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
