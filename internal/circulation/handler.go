package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the circulation operations over HTTP. Role checks and
// localization belong to the gateway in front of this service; here typed
// failures map to statuses and a machine-readable error body.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the circulation API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/loans", h.handleBorrow)
	r.Post("/loans/return", h.handleReturn)
	r.Post("/loans/{id}/renew", h.handleRenew)
	r.Post("/reservations", h.handleReserve)
	r.Post("/reservations/{id}/cancel", h.handleCancelReservation)
	r.Post("/reservations/expire", h.handleExpireReservations)
	r.Get("/items/{isbn}/availability", h.handleAvailability)
	r.Post("/overdue/notify", h.handleNotifyOverdue)
	r.Post("/fines/{id}/pay", h.handlePayFine)
	return r
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN     string `json:"isbn"`
		MemberID int64  `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.ISBN == "" || req.MemberID == 0 {
		writeBadRequest(w, "isbn and member_id are required")
		return
	}

	loan, err := h.service.Borrow(r.Context(), req.ISBN, req.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.LoanID == 0 && (req.ISBN == "" || req.MemberID == 0) {
		writeBadRequest(w, "loan_id or isbn+member_id is required")
		return
	}

	result, err := h.service.Return(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Renew(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN     string `json:"isbn"`
		MemberID int64  `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.ISBN == "" || req.MemberID == 0 {
		writeBadRequest(w, "isbn and member_id are required")
		return
	}

	reservation, err := h.service.Reserve(r.Context(), req.ISBN, req.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

func (h *Handler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelReservation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleExpireReservations(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ExpireReservations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.service.Availability(r.Context(), chi.URLParam(r, "isbn"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (h *Handler) handleNotifyOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.NotifyOverdue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkFinePaid(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// writeError maps typed failures to HTTP statuses. Validation errors are
// 404/409, policy refusals 403/409, persistence failures 503 so callers know
// a retry may succeed.
func writeError(w http.ResponseWriter, err error) {
	var suspended *SuspendedError
	var loanLimit *LoanLimitError
	var renewLimit *RenewLimitError
	var persistErr *PersistenceError

	switch {
	case errors.Is(err, ErrMemberNotFound),
		errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrNoActiveLoan),
		errors.Is(err, ErrNoActiveReservation),
		errors.Is(err, ErrFineNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})

	case errors.Is(err, ErrAlreadyBorrowed),
		errors.Is(err, ErrAlreadyReturned),
		errors.Is(err, ErrAlreadyQueued),
		errors.Is(err, ErrFineAlreadyPaid),
		errors.Is(err, ErrItemUnavailable),
		errors.Is(err, ErrItemAvailable):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})

	case errors.As(err, &suspended):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error: suspended.Error(),
			Details: map[string]string{
				"suspended_until": suspended.Until.Format("2006-01-02"),
			},
		})

	case errors.As(err, &loanLimit):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   loanLimit.Error(),
			Details: map[string]string{"limit": strconv.Itoa(loanLimit.Limit)},
		})

	case errors.As(err, &renewLimit):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   renewLimit.Error(),
			Details: map[string]string{"limit": strconv.Itoa(renewLimit.Limit)},
		})

	case errors.As(err, &persistErr):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage failure, please retry"})

	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
