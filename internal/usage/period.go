package usage

import "time"

// AnchorDate returns the first period start: the creation day at 00:00 UTC.
func AnchorDate(createdAt time.Time) time.Time {
	c := createdAt.UTC()
	return time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonths moves anchor forward n months keeping its day-of-month, clamped
// to the last day of shorter months. Clamping never carries into later
// months: Jan 31 + 1 is Feb 28/29 and Jan 31 + 2 is Mar 31.
func AddMonths(anchor time.Time, n int) time.Time {
	a := anchor.UTC()
	y, m := a.Year(), int(a.Month())-1+n
	y += m / 12
	m %= 12
	if m < 0 {
		m += 12
		y--
	}
	month := time.Month(m + 1)
	day := a.Day()
	if last := daysIn(y, month); day > last {
		day = last
	}
	return time.Date(y, month, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PeriodBounds returns the monthly period [start, end) containing now for an
// account created at createdAt. Times before creation map to the first period.
func PeriodBounds(createdAt, now time.Time) (start, end time.Time) {
	anchor := AnchorDate(createdAt)
	now = now.UTC()
	if now.Before(anchor) {
		return anchor, AddMonths(anchor, 1)
	}

	n := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start = AddMonths(anchor, n)
	if start.After(now) {
		n--
		start = AddMonths(anchor, n)
	}
	return start, AddMonths(anchor, n+1)
}
