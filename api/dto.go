/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount crosses the wire as an integer in minor currency units.
  Clients format; the engine never sees a float.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/strata/billing-engine/billing"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// UnitDTO represents a unit in API responses.
type UnitDTO struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	FiscalYearStartMonth int    `json:"fiscal_year_start_month"`
	GraceDays            int    `json:"grace_days,omitempty"`
	MonthlyRatePercent   string `json:"monthly_rate_percent,omitempty"`
	Compounding          string `json:"compounding,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"`
}

// CreateUnitRequest is the request to create a unit. Penalty fields are
// optional overrides; omitted ones inherit the engine defaults.
type CreateUnitRequest struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	FiscalYearStartMonth int    `json:"fiscal_year_start_month"`
	GraceDays            int    `json:"grace_days"`
	MonthlyRatePercent   string `json:"monthly_rate_percent"`
	Compounding          string `json:"compounding"`
}

// BillDTO represents a bill in API responses.
type BillDTO struct {
	ID          string `json:"id"`
	UnitID      string `json:"unit_id"`
	Period      string `json:"period"`
	DueDate     string `json:"due_date"`
	IssuedAt    string `json:"issued_at"`
	BaseCharge  int64  `json:"base_charge"`
	Penalty     int64  `json:"penalty"`
	Paid        int64  `json:"paid"`
	Outstanding int64  `json:"outstanding"`
	Status      string `json:"status"`
}

// CreateBillRequest is the request to issue a bill.
type CreateBillRequest struct {
	BaseCharge int64  `json:"base_charge"`
	DueDate    string `json:"due_date"`
	IssuedAt   string `json:"issued_at"`
}

// AllocationDTO is one line of a payment's distribution.
type AllocationDTO struct {
	BillID string `json:"bill_id,omitempty"`
	Target string `json:"target"`
	Amount int64  `json:"amount"`
}

// PlanDTO is a payment preview: what a payment of the given amount would
// do, including recomputed penalties, without applying anything.
type PlanDTO struct {
	UnitID           string           `json:"unit_id"`
	Amount           int64            `json:"amount"`
	PaymentDate      string           `json:"payment_date"`
	Allocations      []AllocationDTO  `json:"allocations"`
	CreditDelta      int64            `json:"credit_delta"`
	PenaltyRevisions map[string]int64 `json:"penalty_revisions,omitempty"`
}

// SubmitPaymentRequest records a payment against a unit's bills.
// PaymentDate may be in the past (backdated payment).
type SubmitPaymentRequest struct {
	UnitID         string `json:"unit_id"`
	Amount         int64  `json:"amount"`
	PaymentDate    string `json:"payment_date"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PreviewRequest asks what a payment would do. Amount zero shows the
// recomputed penalties alone.
type PreviewRequest struct {
	UnitID      string `json:"unit_id"`
	Amount      int64  `json:"amount"`
	PaymentDate string `json:"payment_date"`
}

// PaymentDTO represents a recorded payment with its full allocation recipe.
type PaymentDTO struct {
	ID          string          `json:"id"`
	UnitID      string          `json:"unit_id"`
	Amount      int64           `json:"amount"`
	PaymentDate string          `json:"payment_date"`
	CreditDelta int64           `json:"credit_delta"`
	Allocations []AllocationDTO `json:"allocations"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

// CreditEntryDTO is one line of a unit's credit history.
type CreditEntryDTO struct {
	ID        string `json:"id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	PaymentID string `json:"payment_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CreditDTO is a unit's credit balance with its full history.
type CreditDTO struct {
	UnitID  string           `json:"unit_id"`
	Balance int64            `json:"balance"`
	History []CreditEntryDTO `json:"history"`
}

// StatementDTO is a unit's aggregate position as of a date.
type StatementDTO struct {
	UnitID      string `json:"unit_id"`
	AsOf        string `json:"as_of"`
	Period      string `json:"period"`
	TotalBilled int64  `json:"total_billed"`
	PenaltyDue  int64  `json:"penalty_due"`
	TotalPaid   int64  `json:"total_paid"`
	Outstanding int64  `json:"outstanding"`
	Credit      int64  `json:"credit"`
	OpenBills   int    `json:"open_bills"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUnitDTO(u billing.Unit) UnitDTO {
	dto := UnitDTO{
		ID:                   string(u.ID),
		Name:                 u.Name,
		FiscalYearStartMonth: int(u.FiscalYearStartMonth),
		GraceDays:            u.Penalty.GraceDays,
		Compounding:          string(u.Penalty.Compounding),
		CreatedAt:            u.CreatedAt.Format(time.RFC3339),
	}
	if !u.Penalty.MonthlyRatePercent.IsZero() {
		dto.MonthlyRatePercent = u.Penalty.MonthlyRatePercent.String()
	}
	return dto
}

func toBillDTO(b billing.Bill) BillDTO {
	return BillDTO{
		ID:          string(b.ID),
		UnitID:      string(b.UnitID),
		Period:      b.Period.String(),
		DueDate:     b.DueDate.Format("2006-01-02"),
		IssuedAt:    b.IssuedAt.Format("2006-01-02"),
		BaseCharge:  b.BaseCharge,
		Penalty:     b.Penalty,
		Paid:        b.Paid,
		Outstanding: b.Outstanding(),
		Status:      string(b.Status),
	}
}

func toAllocationDTOs(allocs []billing.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		out[i] = AllocationDTO{BillID: string(a.BillID), Target: string(a.Target), Amount: a.Amount}
	}
	return out
}

func toPlanDTO(p *billing.AllocationPlan) PlanDTO {
	dto := PlanDTO{
		UnitID:      string(p.UnitID),
		Amount:      p.Amount,
		PaymentDate: p.PaymentDate.Format("2006-01-02"),
		Allocations: toAllocationDTOs(p.Allocations()),
		CreditDelta: p.CreditDelta,
	}
	if len(p.PenaltyRevisions) > 0 {
		dto.PenaltyRevisions = make(map[string]int64, len(p.PenaltyRevisions))
		for id, pen := range p.PenaltyRevisions {
			dto.PenaltyRevisions[string(id)] = pen
		}
	}
	return dto
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		UnitID:      string(p.UnitID),
		Amount:      p.Amount,
		PaymentDate: p.PaymentDate.Format("2006-01-02"),
		CreditDelta: p.CreditDelta,
		Allocations: toAllocationDTOs(p.Allocations),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

func toCreditEntryDTO(e billing.CreditEntry) CreditEntryDTO {
	return CreditEntryDTO{
		ID:        string(e.ID),
		Delta:     e.Delta,
		Reason:    e.Reason,
		PaymentID: string(e.PaymentID),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func toStatementDTO(st billing.Statement) StatementDTO {
	return StatementDTO{
		UnitID:      string(st.UnitID),
		AsOf:        st.AsOf.Format("2006-01-02"),
		Period:      st.Period.String(),
		TotalBilled: st.TotalBilled,
		PenaltyDue:  st.PenaltyDue,
		TotalPaid:   st.TotalPaid,
		Outstanding: st.Outstanding,
		Credit:      st.Credit,
		OpenBills:   st.OpenBills,
	}
}
