package shared

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWeekStartIsMonday(t *testing.T) {
	sunday := time.Date(2025, 3, 16, 15, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), WeekStart(sunday))

	monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.Equal(t, monday, WeekStart(monday))
	require.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), WeekEnd(monday))
}

func TestInWeekAndWeekdays(t *testing.T) {
	week := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.True(t, InWeek(week, time.Date(2025, 3, 16, 23, 0, 0, 0, time.UTC)))
	require.False(t, InWeek(week, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)))

	days := Weekdays(week)
	require.Len(t, days, 5)
	require.Equal(t, time.Friday, days[4].Weekday())
	require.True(t, IsWeekend(week.AddDate(0, 0, 5)))
}

func TestParseWeek(t *testing.T) {
	got, err := ParseWeek("2025-03-13")
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", FormatWeek(got))

	got, err = ParseWeek("2025-W11")
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", FormatWeek(got))

	_, err = ParseWeek("last week")
	require.ErrorIs(t, err, ErrValidation)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindPrecondition, KindOf(fmt.Errorf("approve: %w", ErrPrecondition)))
	require.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	require.Equal(t, "", KindOf(nil))
}
