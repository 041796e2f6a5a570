package models

import (
	"strings"
	"time"

	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

type RiskCategory string

const (
	RiskLow    RiskCategory = "low"
	RiskMedium RiskCategory = "medium"
	RiskHigh   RiskCategory = "high"
)

func (c RiskCategory) IsValid() bool {
	return c == RiskLow || c == RiskMedium || c == RiskHigh
}

// RiskAssessment is the cached reliability result for a buyer.
type RiskAssessment struct {
	Score      int          `json:"score"`
	Category   RiskCategory `json:"category"`
	ComputedAt time.Time    `json:"computed_at"`
	ValidUntil time.Time    `json:"valid_until"`
}

// IsFresh reports whether the assessment may still be served at now.
func (r *RiskAssessment) IsFresh(now time.Time) bool {
	return r != nil && now.Before(r.ValidUntil)
}

// Buyer is a counterparty identified by its public business registry ID.
//
// Invariants:
//   - RegistryID is non-empty and unique across buyers
//   - Risk, when present, carries a score in [0,100]
type Buyer struct {
	ID         domain.BuyerID  `json:"id"`
	RegistryID string          `json:"registry_id"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Address    string          `json:"address,omitempty"`
	Risk       *RiskAssessment `json:"risk,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func NewBuyer(buyerID domain.BuyerID, registryID, name, email, phone, address string, now time.Time) (*Buyer, error) {
	registryID = strings.ToUpper(strings.TrimSpace(registryID))
	name = strings.TrimSpace(name)
	if registryID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "registry id is required")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "buyer name is required")
	}
	return &Buyer{
		ID:         buyerID,
		RegistryID: registryID,
		Name:       name,
		Email:      strings.TrimSpace(email),
		Phone:      strings.TrimSpace(phone),
		Address:    strings.TrimSpace(address),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (b *Buyer) ApplyRisk(assessment RiskAssessment, now time.Time) {
	b.Risk = &assessment
	b.UpdatedAt = now
}

func (b *Buyer) Clone() *Buyer {
	c := *b
	if b.Risk != nil {
		r := *b.Risk
		c.Risk = &r
	}
	return &c
}

// Settlement is a single anonymized payment fact used for risk scoring. It
// deliberately carries no retailer reference.
type Settlement struct {
	DueDate time.Time
	PaidAt  *time.Time
}

// PaymentHistory is the cross-retailer aggregate a buyer's score is built
// from.
type PaymentHistory struct {
	BuyerID     domain.BuyerID
	Settlements []Settlement
	Disputes    int
}
