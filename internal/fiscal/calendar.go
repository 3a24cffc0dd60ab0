// Package fiscal maps dates onto fiscal and planning years.
package fiscal

import "time"

// Calendar numbers fiscal years by the calendar year in which they start.
type Calendar struct {
	StartMonth time.Month
	// PlanningYearOverride pins PlanningYear when > 0.
	PlanningYearOverride int
}

// New creates a Calendar starting in the given month (1-12). Out of range
// months fall back to July.
func New(startMonth int, planningOverride int) Calendar {
	if startMonth < 1 || startMonth > 12 {
		startMonth = int(time.July)
	}
	return Calendar{StartMonth: time.Month(startMonth), PlanningYearOverride: planningOverride}
}

// Year returns the fiscal year containing t.
func (c Calendar) Year(t time.Time) int {
	if t.Month() < c.start() {
		return t.Year() - 1
	}
	return t.Year()
}

// StartOf returns the first day of a fiscal year.
func (c Calendar) StartOf(year int) time.Time {
	return time.Date(year, c.start(), 1, 0, 0, 0, 0, time.UTC)
}

// EndOf returns the last day of a fiscal year.
func (c Calendar) EndOf(year int) time.Time {
	return c.StartOf(year+1).AddDate(0, 0, -1)
}

// CurrentYear returns the fiscal year containing now.
func (c Calendar) CurrentYear(now time.Time) int {
	return c.Year(now)
}

// PlanningYear returns the first year capital plans are made for, the year
// after the current fiscal year unless an override is set.
func (c Calendar) PlanningYear(now time.Time) int {
	if c.PlanningYearOverride > 0 {
		return c.PlanningYearOverride
	}
	return c.CurrentYear(now) + 1
}

func (c Calendar) start() time.Month {
	if c.StartMonth < time.January || c.StartMonth > time.December {
		return time.July
	}
	return c.StartMonth
}
