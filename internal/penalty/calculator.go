// Package penalty computes the statutory compounding penalty on overdue
// principal. Every function here is pure: the current time and the bank
// reference rate are always supplied by the caller.
package penalty

import (
	"time"

	"github.com/shopspring/decimal"

	"dunning/internal/ledger/models"
	dErrors "dunning/pkg/domain-errors"
)

// DaysPerPenaltyMonth approximates a month of overdue time. The legal figure
// depends on floor(overdueDays/30), not on calendar months.
const DaysPerPenaltyMonth = 30

// AmountPlaces is the number of decimal places reported amounts are rounded to.
const AmountPlaces = 2

var (
	one = decimal.NewFromInt(1)
	// 3x the bank rate, spread over 12 months, is exactly a quarter of it.
	monthlyShare = decimal.RequireFromString("0.25")
)

// Result is a penalty computation for one set of inputs.
type Result struct {
	Principal     decimal.Decimal `json:"principal"`
	BankRate      decimal.Decimal `json:"bank_rate"`
	MonthlyRate   decimal.Decimal `json:"monthly_rate"`
	OverdueDays   int             `json:"overdue_days"`
	MonthsOverdue int             `json:"months_overdue"`
	Penalty       decimal.Decimal `json:"penalty"`
	TotalDue      decimal.Decimal `json:"total_due"`
}

// Calculate returns penalty = principal × ((1 + 3·bankRate/12)^⌊overdueDays/30⌋ − 1)
// and totalDue = principal + penalty. Negative overdue days count as zero.
func Calculate(principal, bankRate decimal.Decimal, overdueDays int) (Result, error) {
	if principal.IsNegative() {
		return Result{}, dErrors.New(dErrors.CodeValidation, "principal cannot be negative")
	}
	if bankRate.IsNegative() {
		return Result{}, dErrors.New(dErrors.CodeValidation, "bank rate cannot be negative")
	}
	overdueDays = max(0, overdueDays)
	months := overdueDays / DaysPerPenaltyMonth
	monthly := bankRate.Mul(monthlyShare)

	growth := compound(one.Add(monthly), months).Sub(one)
	penalty := principal.Mul(growth).Round(AmountPlaces)

	return Result{
		Principal:     principal,
		BankRate:      bankRate,
		MonthlyRate:   monthly,
		OverdueDays:   overdueDays,
		MonthsOverdue: months,
		Penalty:       penalty,
		TotalDue:      principal.Add(penalty),
	}, nil
}

// ForInvoice computes the penalty owed on inv at now.
func ForInvoice(inv *models.Invoice, bankRate decimal.Decimal, now time.Time) (Result, error) {
	return Calculate(inv.Principal, bankRate, inv.OverdueDays(now))
}

// compound raises factor to a non-negative integer power by repeated exact
// multiplication so results carry no division rounding.
func compound(factor decimal.Decimal, n int) decimal.Decimal {
	result := one
	base := factor
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base)
		}
		base = base.Mul(base)
		n >>= 1
	}
	return result
}
