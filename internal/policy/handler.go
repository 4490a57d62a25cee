package policy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts the settings API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/settings", h.handleGet)
	r.Put("/settings/{key}", h.handlePut)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Current(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settings unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		KeyFinePerDay:            p.FinePerDay,
		KeyLoanPeriodDays:        p.LoanPeriodDays,
		KeyMaxRenewCount:         p.MaxRenewCount,
		KeyReservationExpiryDays: p.ReservationExpiryDays,
		KeyMaxBooksPerMember:     p.MaxBooksPerMember,
		KeySuspensionDays:        p.SuspensionDays,
	})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.store.Update(r.Context(), key, req.Value); err != nil {
		if errors.Is(err, ErrInvalidSetting) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "settings unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
