package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"bitespeed-identity/internal/models"
	"bitespeed-identity/internal/service"
)

const maxBodyBytes = 64 << 10

// Identifier resolves an identify request to its consolidated contact.
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	log     *zap.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, log *zap.Logger) *IdentifyHandler {
	return &IdentifyHandler{service: svc, log: log}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := h.log.With(zap.String("request_id", RequestID(r.Context())))

	var req models.IdentifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debug("Error decoding request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid JSON", log)
		return
	}

	response, err := h.service.Identify(r.Context(), req)
	switch {
	case errors.Is(err, service.ErrMissingContactInfo):
		writeError(w, http.StatusBadRequest, err.Error(), log)
		return
	case err != nil:
		log.Error("Error processing identify request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", log)
		return
	}

	writeJSON(w, http.StatusOK, response, log)
}

func writeJSON(w http.ResponseWriter, status int, body any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("Error encoding response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, log *zap.Logger) {
	writeJSON(w, status, models.ErrorResponse{Error: msg}, log)
}
