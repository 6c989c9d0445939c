/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the payment distribution engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Units:
    GET    /api/units                  List all units
    POST   /api/units                  Create unit
    GET    /api/units/{id}             Get unit details
    GET    /api/units/{id}/bills       Bills for a unit
    POST   /api/units/{id}/bills       Issue a bill
    GET    /api/units/{id}/statement   Statement as of a date
    GET    /api/units/{id}/credit      Credit balance and history

  Payments:
    POST   /api/payments/preview       Plan a payment without applying
    POST   /api/payments               Record a payment
    GET    /api/payments/{id}          Get a payment with its recipe
    DELETE /api/payments/{id}          Reverse a payment

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency, concurrent transaction)
  - 500: Internal errors; integrity failures carry a machine code

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/strata/billing-engine/billing"
	"github.com/strata/billing-engine/payments"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   billing.TxStore
	Service *payments.Service

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler over the store and payment service.
func NewHandler(store billing.TxStore, svc *payments.Service) *Handler {
	return &Handler{Store: store, Service: svc}
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

// ListUnits returns all units.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list units", err)
		return
	}

	dtos := make([]UnitDTO, len(units))
	for i, u := range units {
		dtos[i] = toUnitDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUnit returns a single unit.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := billing.UnitID(chi.URLParam(r, "id"))

	unit, err := h.Store.GetUnit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get unit", err)
		return
	}
	if unit == nil {
		writeError(w, http.StatusNotFound, "Unit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUnitDTO(*unit))
}

// CreateUnit creates a new unit.
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rate := decimal.Zero
	if req.MonthlyRatePercent != "" {
		parsed, err := decimal.NewFromString(req.MonthlyRatePercent)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid penalty rate", err)
			return
		}
		rate = parsed
	}

	unit := billing.Unit{
		ID:                   billing.UnitID(req.ID),
		Name:                 req.Name,
		FiscalYearStartMonth: time.Month(req.FiscalYearStartMonth),
		Penalty: billing.PenaltyConfig{
			GraceDays:          req.GraceDays,
			MonthlyRatePercent: rate,
			Compounding:        billing.CompoundingMode(req.Compounding),
		},
	}

	created, err := h.Service.CreateUnit(r.Context(), unit)
	if err != nil {
		writeDomainError(w, "Failed to create unit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUnitDTO(*created))
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// ListBills returns a unit's bills oldest-first.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	unitID := billing.UnitID(chi.URLParam(r, "id"))

	bills, err := h.Store.BillsForUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list bills", err)
		return
	}

	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBill issues a bill against a unit.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	unitID := billing.UnitID(chi.URLParam(r, "id"))

	var req CreateBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date format (use YYYY-MM-DD)", err)
		return
	}
	var issuedAt time.Time
	if req.IssuedAt != "" {
		issuedAt, err = time.Parse("2006-01-02", req.IssuedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issued_at format (use YYYY-MM-DD)", err)
			return
		}
	}

	bill, err := h.Service.IssueBill(r.Context(), unitID, req.BaseCharge, dueDate, issuedAt)
	if err != nil {
		writeDomainError(w, "Failed to issue bill", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(*bill))
}

// =============================================================================
// STATEMENT AND CREDIT HANDLERS
// =============================================================================

// GetStatement returns a unit's position as of a date (?as_of=YYYY-MM-DD,
// default today). Penalties are recomputed as of the date, never read from
// a cache.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	unitID := billing.UnitID(chi.URLParam(r, "id"))

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = parsed
	}

	st, err := h.Service.Statement(r.Context(), unitID, asOf)
	if err != nil {
		writeDomainError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// GetCredit returns a unit's credit balance with its full history. The
// balance is always the sum of the history - the two cannot disagree.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	unitID := billing.UnitID(chi.URLParam(r, "id"))
	ctx := r.Context()

	unit, err := h.Store.GetUnit(ctx, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get unit", err)
		return
	}
	if unit == nil {
		writeError(w, http.StatusNotFound, "Unit not found", nil)
		return
	}

	balance, err := h.Store.CreditBalance(ctx, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get credit balance", err)
		return
	}
	history, err := h.Store.CreditHistory(ctx, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get credit history", err)
		return
	}

	dto := CreditDTO{UnitID: string(unitID), Balance: balance, History: make([]CreditEntryDTO, len(history))}
	for i, e := range history {
		dto.History[i] = toCreditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PreviewPayment plans a payment without applying it. Amount zero shows
// what penalties a payment today would face.
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	paymentDate, err := parsePaymentDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_date format (use YYYY-MM-DD)", err)
		return
	}

	plan, err := h.Service.Preview(r.Context(), billing.UnitID(req.UnitID), req.Amount, paymentDate)
	if err != nil {
		writeDomainError(w, "Failed to preview payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// SubmitPayment records a payment.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	paymentDate, err := parsePaymentDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_date format (use YYYY-MM-DD)", err)
		return
	}

	payment, err := h.Service.ApplyPayment(r.Context(), payments.ApplyRequest{
		UnitID:         billing.UnitID(req.UnitID),
		Amount:         req.Amount,
		PaymentDate:    paymentDate,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment))
}

// GetPayment returns a recorded payment with its allocation recipe.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := billing.PaymentID(chi.URLParam(r, "id"))

	payment, err := h.Store.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get payment", err)
		return
	}
	if payment == nil {
		writeError(w, http.StatusNotFound, "Payment not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment))
}

// ListPayments returns a unit's recorded payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	unitID := billing.UnitID(chi.URLParam(r, "id"))

	list, err := h.Store.PaymentsForUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(list))
	for i, p := range list {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReversePayment undoes a payment from its stored recipe.
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	id := billing.PaymentID(chi.URLParam(r, "id"))

	if err := h.Service.ReversePayment(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to reverse payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

// parsePaymentDate accepts YYYY-MM-DD or empty (today).
func parsePaymentDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}

// writeDomainError maps engine errors to HTTP status codes. Integrity
// failures get a machine-readable code and a log line - they mean stored
// data is wrong, and must never look like a routine 4xx.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsFatal(err):
		log.Printf("[API] integrity failure: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   message,
			Code:    "corrupt_allocation_recipe",
			Details: err.Error(),
		})
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Payment already recorded for this idempotency key", err)
	case billing.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent update, retry the request", err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
