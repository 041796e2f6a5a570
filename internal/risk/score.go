// Package risk scores buyers on how reliably they settle invoices. Scores
// are built from anonymized cross-retailer settlement facts only and are
// cached for a fixed validity window.
package risk

import (
	"math"

	"dunning/internal/ledger/models"
	dErrors "dunning/pkg/domain-errors"
)

const (
	// NeutralScore is given to buyers with no settled invoices.
	NeutralScore = 50

	// Delays beyond this many days weigh no more than this many days.
	maxDelayDays = 90

	delayWeight    = 40.0
	onTimeWeight   = 40.0
	disputePenalty = 10
	maxDisputeCost = 20
)

// Stats is the aggregate a score is computed from.
type Stats struct {
	Transactions  int     `json:"transactions"`
	OnTime        int     `json:"on_time"`
	AvgDelayDays  float64 `json:"avg_delay_days"`
	OnTimePercent float64 `json:"on_time_percent"`
	Disputes      int     `json:"disputes"`
}

// Aggregate summarizes a buyer's settlements. Delay is payment date minus
// due date in whole days, clipped at zero for on-time payments.
func Aggregate(history models.PaymentHistory) Stats {
	stats := Stats{Disputes: history.Disputes}
	totalDelay := 0
	for _, s := range history.Settlements {
		if s.PaidAt == nil {
			continue
		}
		stats.Transactions++
		delay := models.DaysBetween(s.DueDate, *s.PaidAt)
		if delay <= 0 {
			stats.OnTime++
			continue
		}
		totalDelay += delay
	}
	if stats.Transactions > 0 {
		stats.AvgDelayDays = float64(totalDelay) / float64(stats.Transactions)
		stats.OnTimePercent = 100 * float64(stats.OnTime) / float64(stats.Transactions)
	}
	return stats
}

// Score maps stats to [0,100]. Each input only pushes the score one way:
// more delay, fewer on-time payments or more disputes never raise it.
func Score(stats Stats) int {
	score := float64(NeutralScore)
	if stats.Transactions > 0 {
		delay := math.Min(math.Max(stats.AvgDelayDays, 0), maxDelayDays)
		score = 100 - delay/maxDelayDays*delayWeight
		score -= (100 - clampPercent(stats.OnTimePercent)) / 100 * onTimeWeight
	}
	score -= float64(min(max(stats.Disputes, 0)*disputePenalty, maxDisputeCost))
	return int(math.Max(0, math.Min(100, math.Round(score))))
}

func clampPercent(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}

// Cutoffs splits scores into categories: at or above Low is low risk, at or
// above Medium is medium risk, anything else is high risk.
type Cutoffs struct {
	Low    int `yaml:"low"`
	Medium int `yaml:"medium"`
}

func DefaultCutoffs() Cutoffs {
	return Cutoffs{Low: 70, Medium: 40}
}

func (c Cutoffs) Validate() error {
	if c.Medium < 0 || c.Low > 100 || c.Medium >= c.Low {
		return dErrors.New(dErrors.CodeValidation, "risk cutoffs must satisfy 0 <= medium < low <= 100")
	}
	return nil
}

func (c Cutoffs) Classify(score int) models.RiskCategory {
	switch {
	case score >= c.Low:
		return models.RiskLow
	case score >= c.Medium:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}
