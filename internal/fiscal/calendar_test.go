package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestYear(t *testing.T) {
	t.Parallel()
	cal := New(7, 0)

	tests := []struct {
		name string
		date time.Time
		want int
	}{
		{name: "before start", date: day(2024, time.June, 30), want: 2023},
		{name: "on start", date: day(2024, time.July, 1), want: 2024},
		{name: "december", date: day(2024, time.December, 31), want: 2024},
		{name: "january", date: day(2025, time.January, 1), want: 2024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cal.Year(tt.date))
		})
	}
}

func TestJanuaryCalendarMatchesCalendarYear(t *testing.T) {
	t.Parallel()
	cal := New(1, 0)
	assert.Equal(t, 2024, cal.Year(day(2024, time.January, 1)))
	assert.Equal(t, 2024, cal.Year(day(2024, time.December, 31)))
	assert.Equal(t, day(2024, time.January, 1), cal.StartOf(2024))
}

func TestStartAndEndOf(t *testing.T) {
	t.Parallel()
	cal := New(10, 0)
	assert.Equal(t, day(2023, time.October, 1), cal.StartOf(2023))
	assert.Equal(t, day(2024, time.September, 30), cal.EndOf(2023))
}

func TestPlanningYear(t *testing.T) {
	t.Parallel()
	cal := New(7, 0)
	assert.Equal(t, 2024, cal.CurrentYear(day(2024, time.August, 1)))
	assert.Equal(t, 2025, cal.PlanningYear(day(2024, time.August, 1)))
	assert.Equal(t, 2024, cal.PlanningYear(day(2024, time.March, 1)))

	pinned := New(7, 2030)
	assert.Equal(t, 2030, pinned.PlanningYear(day(2024, time.August, 1)))
}

func TestInvalidStartMonthFallsBackToJuly(t *testing.T) {
	t.Parallel()
	cal := New(13, 0)
	assert.Equal(t, time.July, cal.StartMonth)
	var zero Calendar
	assert.Equal(t, day(2020, time.July, 1), zero.StartOf(2020))
}
