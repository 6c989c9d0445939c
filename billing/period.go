package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Fiscal billing period resolution
// =============================================================================

// PeriodID identifies one fiscal billing period. It is a totally ordered
// integer (a month index shifted so that period boundaries align with the
// fiscal year start), which makes "elapsed periods between two dates" a
// plain subtraction.
type PeriodID int

// FiscalCalendar resolves calendar dates to fiscal periods for a configured
// fiscal-year start month.
//
// Examples:
//   - StartMonth January: FY2026 runs Jan 1 - Dec 31 2026
//   - StartMonth July:    FY2025 runs Jul 1 2025 - Jun 30 2026
type FiscalCalendar struct {
	StartMonth time.Month
}

// Resolve returns the fiscal period containing the given date.
// The only failure mode is a start month outside 1-12.
func (fc FiscalCalendar) Resolve(date time.Time) (PeriodID, error) {
	if fc.StartMonth < time.January || fc.StartMonth > time.December {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFiscalMonth, fc.StartMonth)
	}
	index := date.Year()*12 + int(date.Month()) - 1 - (int(fc.StartMonth) - 1)
	return PeriodID(index), nil
}

// PeriodsBetween returns how many whole periods separate a from b.
// Negative when b precedes a.
func PeriodsBetween(a, b PeriodID) int { return int(b - a) }

// FiscalYear returns the calendar year in which the period's fiscal year
// starts.
func (p PeriodID) FiscalYear() int {
	if p < 0 {
		return int((p - 11) / 12)
	}
	return int(p) / 12
}

// Seq returns the 1-based position of the period within its fiscal year.
func (p PeriodID) Seq() int {
	m := int(p) % 12
	if m < 0 {
		m += 12
	}
	return m + 1
}

// String renders the period as a fiscal label, e.g. "FY2025-P09".
func (p PeriodID) String() string {
	return fmt.Sprintf("FY%d-P%02d", p.FiscalYear(), p.Seq())
}
