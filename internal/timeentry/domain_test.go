package timeentry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/shared"
)

var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func hours(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestNewValidatesHours(t *testing.T) {
	rules := DefaultRules()
	base := Input{ProjectID: 1, Date: monday, Billable: true, Kind: ProjectTask{TaskID: 7}}

	cases := map[string]string{
		"zero":      "0",
		"negative":  "-1",
		"over 24":   "24.25",
		"increment": "1.1",
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			in.Hours = hours(h)
			_, _, err := New(in, rules)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	in := base
	in.Hours = hours("7.75")
	entry, warnings, err := New(in, rules)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.True(t, entry.Billable)
	require.Equal(t, int64(7), entry.TaskID())
}

func TestCustomTaskBillableRequiresOverride(t *testing.T) {
	rules := DefaultRules()
	in := Input{ProjectID: 1, Date: monday, Hours: hours("2"), Kind: CustomTask{Description: "  "}}
	_, _, err := New(in, rules)
	require.ErrorIs(t, err, shared.ErrValidation)

	in.Kind = CustomTask{Description: "client workshop"}
	entry, _, err := New(in, rules)
	require.NoError(t, err)
	require.False(t, entry.Billable)
	require.Equal(t, "client workshop", entry.Description())

	in.Billable = true
	_, _, err = New(in, rules)
	require.ErrorIs(t, err, shared.ErrValidation)

	in.Kind = CustomTask{Description: "client workshop", BillableOverride: true}
	entry, _, err = New(in, rules)
	require.NoError(t, err)
	require.True(t, entry.Billable)

	in.Billable = false
	entry, _, err = New(in, rules)
	require.NoError(t, err)
	require.False(t, entry.Billable)
}

func TestWeekendBillablePolicy(t *testing.T) {
	saturday := monday.AddDate(0, 0, 5)
	in := Input{ProjectID: 1, Date: saturday, Hours: hours("3"), Billable: true, Kind: ProjectTask{TaskID: 7}}

	entry, warnings, err := New(in, DefaultRules())
	require.NoError(t, err)
	require.True(t, entry.Billable)
	require.Len(t, warnings, 1)
	require.Equal(t, WarningWeekendBillable, warnings[0].Code)

	rules := DefaultRules()
	rules.WeekendPolicy = WeekendForce
	entry, warnings, err = New(in, rules)
	require.NoError(t, err)
	require.False(t, entry.Billable)
	require.Len(t, warnings, 1)
}

func TestSumHoursSkipsDeletedAndFilters(t *testing.T) {
	deleted := time.Now()
	entries := []Entry{
		{ProjectID: 1, Hours: hours("4"), Billable: true},
		{ProjectID: 2, Hours: hours("3"), Billable: true},
		{ProjectID: 1, Hours: hours("2"), Billable: false},
		{ProjectID: 1, Hours: hours("5"), Billable: true, DeletedAt: &deleted},
	}
	require.True(t, SumHours(entries, nil).Equal(hours("9")))
	require.True(t, SumHours(entries, BillableIn(0)).Equal(hours("7")))
	require.True(t, SumHours(entries, BillableIn(1)).Equal(hours("4")))
}

func TestCheckAssignment(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewStatic().
		AddProject(directory.Project{ID: 1, ClientID: 9}).
		AddProject(directory.Project{ID: 2, ClientID: 9}).
		AddTask(directory.Task{ID: 7, ProjectID: 1}, 100).
		AddTask(directory.Task{ID: 8, ProjectID: 2}, 100)

	ok := Entry{ProjectID: 1, Kind: ProjectTask{TaskID: 7}}
	require.NoError(t, CheckAssignment(ctx, dir, 100, ok))
	require.ErrorIs(t, CheckAssignment(ctx, dir, 200, ok), shared.ErrValidation)

	wrongProject := Entry{ProjectID: 1, Kind: ProjectTask{TaskID: 8}}
	require.ErrorIs(t, CheckAssignment(ctx, dir, 100, wrongProject), shared.ErrValidation)

	custom := Entry{ProjectID: 2, Kind: CustomTask{Description: "support"}}
	require.NoError(t, CheckAssignment(ctx, dir, 200, custom))

	unknown := Entry{ProjectID: 3, Kind: CustomTask{Description: "support"}}
	require.ErrorIs(t, CheckAssignment(ctx, dir, 200, unknown), shared.ErrValidation)
}
