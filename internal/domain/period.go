package domain

import "time"

// Billing period math. Boundaries are local midnights in the statement
// owner's timezone; the returned instants are absolute and safe to compare
// or store in UTC.

// MonthlyPeriod returns the [start, end) billing period containing ts, cut
// at local midnight of day cutDay. Months shorter than cutDay cut on their
// last day.
func MonthlyPeriod(ts time.Time, loc *time.Location, cutDay int) (time.Time, time.Time) {
	if cutDay < 1 {
		cutDay = 1
	}
	t := ts.In(loc)

	y, m := t.Year(), t.Month()
	start := cutDate(y, m, cutDay, loc)
	if t.Before(start) {
		y, m = prevMonth(y, m)
		start = cutDate(y, m, cutDay, loc)
	}
	ny, nm := nextMonth(start.Year(), start.Month())
	end := cutDate(ny, nm, cutDay, loc)
	return start, end
}

// WeeklyPeriod returns the [start, end) week containing ts, cut at local
// Monday midnight.
func WeeklyPeriod(ts time.Time, loc *time.Location) (time.Time, time.Time) {
	t := ts.In(loc)
	back := (int(t.Weekday()) + 6) % 7 // days since Monday
	start := time.Date(t.Year(), t.Month(), t.Day()-back, 0, 0, 0, 0, loc)
	end := time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, loc)
	return start, end
}

// PeriodBounds dispatches on the configured period kind ("monthly" or
// "weekly"). Unknown kinds fall back to monthly.
func PeriodBounds(ts time.Time, loc *time.Location, period string, cutDay int) (time.Time, time.Time) {
	if period == "weekly" {
		return WeeklyPeriod(ts, loc)
	}
	return MonthlyPeriod(ts, loc, cutDay)
}

// cutDate builds the local-midnight cut instant for a month, clamping the
// cut day to the month's length (Feb 30 → Feb 28/29).
func cutDate(year int, month time.Month, cutDay int, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	day := cutDay
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func prevMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}
