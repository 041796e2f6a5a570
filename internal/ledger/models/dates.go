package models

import "time"

// PaymentTermDays is the statutory payment window: the due date is always the
// invoice date plus this many calendar days.
const PaymentTermDays = 45

// DateOf truncates t to its calendar date, expressed as midnight UTC. The
// calendar date is read in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative when b is
// before a).
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

// DueDateFor computes the immutable due date for an invoice date.
func DueDateFor(invoiceDate time.Time) time.Time {
	return DateOf(invoiceDate).AddDate(0, 0, PaymentTermDays)
}
