package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PENALTY CONFIG
// =============================================================================

// CompoundingMode selects how penalties grow per elapsed period.
// The source system never fully settled flat vs compound, so it is
// configuration rather than a baked-in rule.
type CompoundingMode string

const (
	CompoundingFlat     CompoundingMode = "flat"
	CompoundingCompound CompoundingMode = "compound"
)

// PenaltyConfig describes how late a bill may run and how fast the penalty
// grows. MonthlyRatePercent is a percentage (5 = 5%/period); rate math uses
// decimals, but every amount in and out of this package is integer minor
// units.
type PenaltyConfig struct {
	GraceDays          int
	MonthlyRatePercent decimal.Decimal
	Compounding        CompoundingMode
}

// IsZero reports whether the config is unset and should fall back to
// engine defaults.
func (c PenaltyConfig) IsZero() bool {
	return c.GraceDays == 0 && c.MonthlyRatePercent.IsZero() && c.Compounding == ""
}

func (c PenaltyConfig) rate() decimal.Decimal {
	return c.MonthlyRatePercent.Div(decimal.NewFromInt(100))
}

// MustParseDecimal parses s, treating the empty string as zero. For
// trusted literals only (defaults, seed data); anything read from storage
// or a request goes through decimal.NewFromString so a malformed rate
// surfaces instead of quietly becoming zero.
func MustParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// PENALTY CALCULATOR
// =============================================================================

// PenaltyCalculator computes the penalty owed on a bill as of a reference
// date. It is a pure function of (bill, referenceDate, config): calling it
// twice with the same inputs returns the same value. That idempotence is
// what makes backdating safe - recomputing for an earlier payment date
// reproduces exactly what would have been billed at that time.
type PenaltyCalculator struct {
	Calendar FiscalCalendar
}

// Calculate returns the penalty in minor units owed on the bill as of
// referenceDate. Grace is day-based; growth is period-based: the penalty
// grows once per period boundary crossed after dueDate+graceDays.
//
// A reference date before the bill was issued is a caller error.
func (pc PenaltyCalculator) Calculate(bill Bill, referenceDate time.Time, cfg PenaltyConfig) (int64, error) {
	if referenceDate.Before(bill.IssuedAt) {
		return 0, &ReferenceDateError{BillID: bill.ID, IssuedAt: bill.IssuedAt, Reference: referenceDate}
	}

	graceEnd := bill.DueDate.AddDate(0, 0, cfg.GraceDays)
	from, err := pc.Calendar.Resolve(graceEnd)
	if err != nil {
		return 0, err
	}
	to, err := pc.Calendar.Resolve(referenceDate)
	if err != nil {
		return 0, err
	}

	elapsed := PeriodsBetween(from, to)
	if elapsed <= 0 {
		return 0, nil
	}

	base := decimal.NewFromInt(bill.BaseCharge)
	var penalty decimal.Decimal
	switch cfg.Compounding {
	case CompoundingCompound:
		// base * ((1+rate)^elapsed - 1)
		growth := decimal.NewFromInt(1).Add(cfg.rate()).Pow(decimal.NewFromInt(int64(elapsed)))
		penalty = base.Mul(growth.Sub(decimal.NewFromInt(1)))
	default:
		// base * rate * elapsed
		penalty = base.Mul(cfg.rate()).Mul(decimal.NewFromInt(int64(elapsed)))
	}

	// Round half away from zero back to minor units.
	return penalty.Round(0).IntPart(), nil
}
