package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dunning/internal/ledger/models"
)

func settlement(due time.Time, lateDays int) models.Settlement {
	paid := due.AddDate(0, 0, lateDays).Add(15 * time.Hour)
	return models.Settlement{DueDate: due, PaidAt: &paid}
}

func TestAggregate(t *testing.T) {
	due := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	stats := Aggregate(models.PaymentHistory{
		Settlements: []models.Settlement{
			settlement(due, -3),
			settlement(due, 0),
			settlement(due, 10),
			settlement(due, 20),
			{DueDate: due},
		},
		Disputes: 1,
	})

	assert.Equal(t, 4, stats.Transactions, "unpaid entries are ignored")
	assert.Equal(t, 2, stats.OnTime)
	assert.InDelta(t, 7.5, stats.AvgDelayDays, 1e-9, "early payment counts as zero delay")
	assert.InDelta(t, 50.0, stats.OnTimePercent, 1e-9)
	assert.Equal(t, 1, stats.Disputes)
}

func TestScore(t *testing.T) {
	t.Run("no history is neutral", func(t *testing.T) {
		assert.Equal(t, NeutralScore, Score(Stats{}))
	})

	t.Run("perfect payer", func(t *testing.T) {
		assert.Equal(t, 100, Score(Stats{Transactions: 12, OnTime: 12, OnTimePercent: 100}))
	})

	t.Run("worst case is floored at zero", func(t *testing.T) {
		assert.Equal(t, 0, Score(Stats{Transactions: 5, AvgDelayDays: 400, OnTimePercent: 0, Disputes: 9}))
	})

	t.Run("weighted example", func(t *testing.T) {
		// 100 - 45/90*40 - 50/100*40 - 10 = 50
		assert.Equal(t, 50, Score(Stats{Transactions: 4, AvgDelayDays: 45, OnTimePercent: 50, Disputes: 1}))
	})

	t.Run("stays in bounds", func(t *testing.T) {
		for delay := 0.0; delay <= 200; delay += 7 {
			for pct := 0.0; pct <= 100; pct += 12.5 {
				for disputes := 0; disputes <= 4; disputes++ {
					got := Score(Stats{Transactions: 3, AvgDelayDays: delay, OnTimePercent: pct, Disputes: disputes})
					assert.GreaterOrEqual(t, got, 0)
					assert.LessOrEqual(t, got, 100)
				}
			}
		}
	})
}

func TestScoreIsMonotonic(t *testing.T) {
	base := Stats{Transactions: 10, AvgDelayDays: 20, OnTimePercent: 60, Disputes: 1}

	t.Run("more delay never raises the score", func(t *testing.T) {
		prev := Score(base)
		for d := 21.0; d <= 150; d++ {
			s := base
			s.AvgDelayDays = d
			got := Score(s)
			assert.LessOrEqual(t, got, prev, "delay %v", d)
			prev = got
		}
	})

	t.Run("fewer on-time payments never raise the score", func(t *testing.T) {
		prev := Score(Stats{Transactions: 10, AvgDelayDays: 20, OnTimePercent: 100, Disputes: 1})
		for pct := 99.0; pct >= 0; pct-- {
			s := base
			s.OnTimePercent = pct
			got := Score(s)
			assert.LessOrEqual(t, got, prev, "on-time %v", pct)
			prev = got
		}
	})

	t.Run("more disputes never raise the score", func(t *testing.T) {
		for _, tx := range []int{0, 10} {
			prev := Score(Stats{Transactions: tx, AvgDelayDays: 20, OnTimePercent: 60})
			for n := 1; n <= 5; n++ {
				got := Score(Stats{Transactions: tx, AvgDelayDays: 20, OnTimePercent: 60, Disputes: n})
				assert.LessOrEqual(t, got, prev, "disputes %d, transactions %d", n, tx)
				prev = got
			}
		}
	})
}

func TestCutoffs(t *testing.T) {
	c := DefaultCutoffs()
	assert.NoError(t, c.Validate())
	assert.Equal(t, models.RiskLow, c.Classify(100))
	assert.Equal(t, models.RiskLow, c.Classify(70))
	assert.Equal(t, models.RiskMedium, c.Classify(69))
	assert.Equal(t, models.RiskMedium, c.Classify(40))
	assert.Equal(t, models.RiskHigh, c.Classify(39))
	assert.Equal(t, models.RiskHigh, c.Classify(0))

	assert.Error(t, Cutoffs{Low: 40, Medium: 40}.Validate())
	assert.Error(t, Cutoffs{Low: 120, Medium: 40}.Validate())
}
