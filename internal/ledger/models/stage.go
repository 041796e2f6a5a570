package models

import (
	"fmt"
)

// Stage is a position in the invoice lifecycle. Forward stages form a total
// order from StageActive to StageDisputeFiled; StagePaid is absorbing and sits
// outside that order.
type Stage int

const (
	StageActive Stage = iota
	StageReminder1Sent
	StageReminder2Sent
	StageFinalReminderSent
	StageNoticePendingApproval
	StageNoticeSent
	StageDisputeFiled
	StagePaid
)

var stageNames = map[Stage]string{
	StageActive:                "active",
	StageReminder1Sent:         "reminder_1_sent",
	StageReminder2Sent:         "reminder_2_sent",
	StageFinalReminderSent:     "final_reminder_sent",
	StageNoticePendingApproval: "notice_pending_approval",
	StageNoticeSent:            "notice_sent",
	StageDisputeFiled:          "dispute_filed",
	StagePaid:                  "paid",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage converts a stored stage name back into a Stage.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText lets stages travel as names in JSON and event payloads.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	parsed, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no transition may leave this stage.
func (s Stage) IsTerminal() bool {
	return s == StagePaid
}

// IsForward reports whether the stage belongs to the forward order.
func (s Stage) IsForward() bool {
	return s >= StageActive && s <= StageDisputeFiled
}

// CanTransitionTo enforces forward-only, single-step movement plus the
// any-to-Paid escape. Paid never transitions.
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StagePaid {
		return true
	}
	return s.IsForward() && next == s+1 && next.IsForward()
}
