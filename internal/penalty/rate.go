package penalty

import (
	"context"

	"github.com/shopspring/decimal"

	dErrors "dunning/pkg/domain-errors"
)

// RateProvider supplies the central bank reference rate. The calculator
// never owns the rate.
type RateProvider interface {
	BankRate(ctx context.Context) (decimal.Decimal, error)
}

// StaticRate serves a fixed configured rate.
type StaticRate struct {
	rate decimal.Decimal
}

func NewStaticRate(rate decimal.Decimal) (*StaticRate, error) {
	if rate.IsNegative() {
		return nil, dErrors.New(dErrors.CodeValidation, "bank rate cannot be negative")
	}
	return &StaticRate{rate: rate}, nil
}

func (s *StaticRate) BankRate(_ context.Context) (decimal.Decimal, error) {
	return s.rate, nil
}
