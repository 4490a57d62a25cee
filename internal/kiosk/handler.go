package kiosk

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the kiosk session API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sessions", h.handleStart)
	r.Get("/sessions/validate", h.handleValidate)
	r.Delete("/sessions", h.handleEnd)
	return r
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SchoolNo string `json:"school_no"`
		PIN      string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SchoolNo == "" || req.PIN == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "school_no and pin are required"})
		return
	}

	token, memberID, err := h.service.StartSession(r.Context(), req.SchoolNo, req.PIN)
	if err != nil {
		var suspended *SuspendedError
		switch {
		case errors.Is(err, ErrMemberNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrBadPIN):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		case errors.As(err, &suspended):
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":           suspended.Error(),
				"suspended_until": suspended.Until.Format("2006-01-02"),
			})
		case errors.Is(err, ErrRateLimited):
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "member_id": memberID})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	memberID, ok := h.service.ValidateSession(token)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member_id": memberID})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	h.service.EndSession(r.URL.Query().Get("token"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
