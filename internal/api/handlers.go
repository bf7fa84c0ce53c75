/**
 * @description
 * HTTP handlers for the clearing service.
 *
 * - Operator routes answer plain JSON and errors as {"error": "..."}.
 * - The bank validation route uses the envelope the clearinghouse expects:
 *   {success, message, data, path, timestamp} on success and {message, path, timestamp} on failure.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/clearing-service/internal/app"
	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/internal/store"
)

// ClearingService is what the handlers need from the application layer.
type ClearingService interface {
	Status() app.ClearingStatus
	GetMovement(ctx context.Context, movementID string) (*domain.Movement, error)
	RegisterOutbound(ctx context.Context, req domain.OutboundMovementRequest) (*domain.Movement, error)
	ValidateAccount(ctx context.Context, iban string) (*domain.AccountValidation, error)
}

// Handler holds the dependencies for the HTTP handlers.
type Handler struct {
	service ClearingService
}

func NewHandler(service ClearingService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *Handler) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	movementID := strings.TrimSpace(chi.URLParam(r, "id"))
	if movementID == "" {
		writeError(w, http.StatusBadRequest, "movement id is required")
		return
	}

	movement, err := h.service.GetMovement(r.Context(), movementID)
	if err != nil {
		if errors.Is(err, store.ErrMovementNotFound) {
			writeError(w, http.StatusNotFound, "movement not found")
			return
		}
		log.Printf("level=error component=api msg=\"movement lookup failed\" movement_id=%s err=%v", movementID, err)
		writeError(w, http.StatusInternalServerError, "failed to load movement")
		return
	}
	writeJSON(w, http.StatusOK, movement)
}

func (h *Handler) handleRegisterMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.OutboundMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	movement, err := h.service.RegisterOutbound(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrMovementExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api msg=\"movement registration failed\" movement_id=%s err=%v", req.MovementID, err)
			writeError(w, http.StatusInternalServerError, "failed to register movement")
		}
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

type validateAccountRequest struct {
	IBAN string `json:"iban"`
}

func (h *Handler) handleValidateAccount(w http.ResponseWriter, r *http.Request) {
	var req validateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IBAN) == "" {
		writeFailure(w, r, http.StatusBadRequest, "The 'iban' field is required")
		return
	}

	result, err := h.service.ValidateAccount(r.Context(), req.IBAN)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidIBAN):
			writeSuccess(w, r, domain.AccountValidation{Exists: false}, "IBAN is not valid for this bank (wrong format).")
		case errors.Is(err, app.ErrDirectoryUnavailable):
			writeFailure(w, r, http.StatusServiceUnavailable, "Account validation is unavailable")
		default:
			log.Printf("level=error component=api msg=\"account validation failed\" err=%v", err)
			writeFailure(w, r, http.StatusInternalServerError, "Account validation failed: "+store.FailureReason(err))
		}
		return
	}
	writeSuccess(w, r, result, "Account validation completed")
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type successEnvelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
	Path      string      `json:"path"`
	Timestamp string      `json:"timestamp"`
}

type failureEnvelope struct {
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	writeJSON(w, http.StatusOK, successEnvelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Path:      r.URL.RequestURI(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func writeFailure(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, failureEnvelope{
		Message:   message,
		Path:      r.URL.RequestURI(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
