package schedule

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/models"
)

// ResolveEntryStatus projects an entry's display status from its paid
// amounts and due date at a given instant. The payment axis always wins
// over the date axis: an entry partially paid after its due date is
// "partial", not "overdue".
func ResolveEntryStatus(totalApplied, emiAmount decimal.Decimal, dueDate, now time.Time) models.EntryStatus {
	if totalApplied.GreaterThanOrEqual(emiAmount) {
		return models.EntryStatusPaid
	}
	if totalApplied.GreaterThan(decimal.Zero) {
		return models.EntryStatusPartial
	}
	due := calendarDay(dueDate)
	today := calendarDay(now)
	switch {
	case due.Before(today):
		return models.EntryStatusOverdue
	case due.Equal(today):
		return models.EntryStatusDue
	default:
		return models.EntryStatusUpcoming
	}
}

// Resolve fills the Status field of every entry in the schedule.
func Resolve(entries []*models.RepaymentEntry, now time.Time) {
	for _, e := range entries {
		e.Status = ResolveEntryStatus(e.TotalApplied(), e.EMIAmount, e.DueDate, now)
	}
}

func calendarDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
