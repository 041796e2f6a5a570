package scheduler

import (
	"slices"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	dErrors "dunning/pkg/domain-errors"
)

// Threshold maps a day offset from the invoice date to the stage an invoice
// enters once that many days have elapsed.
type Threshold struct {
	Day   int
	Stage models.Stage
	Event events.Type
}

// Thresholds is ordered by ascending day, and stages ascend with it.
type Thresholds []Threshold

// DefaultThresholds is the statutory escalation table.
func DefaultThresholds() Thresholds {
	t, _ := NewThresholds(30, 40, 44, 46)
	return t
}

// NewThresholds builds the table from configured day offsets. Offsets must
// be positive and strictly ascending.
func NewThresholds(first, second, final, notice int) (Thresholds, error) {
	days := []int{first, second, final, notice}
	if days[0] <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "reminder thresholds must be positive")
	}
	if !slices.IsSorted(days) || len(slices.Compact(slices.Clone(days))) != len(days) {
		return nil, dErrors.New(dErrors.CodeValidation, "reminder thresholds must be strictly ascending")
	}
	return Thresholds{
		{Day: first, Stage: models.StageReminder1Sent, Event: events.TypeReminderFirst},
		{Day: second, Stage: models.StageReminder2Sent, Event: events.TypeReminderSecond},
		{Day: final, Stage: models.StageFinalReminderSent, Event: events.TypeReminderFinal},
		{Day: notice, Stage: models.StageNoticePendingApproval, Event: events.TypeNoticeGenerate},
	}, nil
}

// Due returns the highest stage whose threshold is at or below daysElapsed,
// or StageActive when none is.
func (t Thresholds) Due(daysElapsed int) models.Stage {
	due := models.StageActive
	for _, th := range t {
		if th.Day > daysElapsed {
			break
		}
		due = th.Stage
	}
	return due
}
