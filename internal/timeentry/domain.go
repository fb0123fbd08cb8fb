// Package timeentry holds the time entry model, its construction rules and its
// PostgreSQL persistence.
package timeentry

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/workflow"
)

// KindName is the persisted discriminator of an entry kind.
type KindName string

const (
	KindProjectTask KindName = "project_task"
	KindCustomTask  KindName = "custom_task"
)

// Kind is either ProjectTask or CustomTask.
type Kind interface {
	Name() KindName
	validate() error
	billable(requested bool) (bool, error)
}

// ProjectTask logs time against a directory task of the entry's project.
type ProjectTask struct {
	TaskID int64
}

// Name implements Kind.
func (ProjectTask) Name() KindName { return KindProjectTask }

func (k ProjectTask) validate() error {
	if k.TaskID <= 0 {
		return fmt.Errorf("timeentry: project task requires task id: %w", shared.ErrValidation)
	}
	return nil
}

func (ProjectTask) billable(requested bool) (bool, error) { return requested, nil }

// CustomTask logs time against a free-text description.
type CustomTask struct {
	Description      string
	BillableOverride bool
}

// Name implements Kind.
func (CustomTask) Name() KindName { return KindCustomTask }

func (k CustomTask) validate() error {
	if strings.TrimSpace(k.Description) == "" {
		return fmt.Errorf("timeentry: custom task requires description: %w", shared.ErrValidation)
	}
	return nil
}

func (k CustomTask) billable(requested bool) (bool, error) {
	if requested && !k.BillableOverride {
		return false, fmt.Errorf("timeentry: custom task billable without override: %w", shared.ErrValidation)
	}
	return requested && k.BillableOverride, nil
}

// WeekendPolicy controls billable entries dated on a weekend.
type WeekendPolicy string

const (
	// WeekendWarn keeps the entry billable and reports a warning.
	WeekendWarn WeekendPolicy = "warn"
	// WeekendForce clears the billable flag and reports a warning.
	WeekendForce WeekendPolicy = "force"
)

// Rules configures entry construction.
type Rules struct {
	MaxEntryHours decimal.Decimal
	Increment     decimal.Decimal
	WeekendPolicy WeekendPolicy
}

// DefaultRules returns the 24h / quarter-hour / warn rules.
func DefaultRules() Rules {
	return Rules{
		MaxEntryHours: decimal.NewFromInt(24),
		Increment:     decimal.RequireFromString("0.25"),
		WeekendPolicy: WeekendWarn,
	}
}

// Warning is a non-fatal note attached to an accepted entry.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Date    string `json:"date,omitempty"`
}

// WarningWeekendBillable flags billable time logged on Saturday or Sunday.
const WarningWeekendBillable = "weekend_billable"

// Entry is one block of logged time.
type Entry struct {
	ID          int64
	TimesheetID int64
	UserID      int64
	ProjectID   int64
	Date        time.Time
	Hours       decimal.Decimal
	Billable    bool
	Kind        Kind
	Status      workflow.Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Live reports whether the entry is not soft-deleted.
func (e Entry) Live() bool { return e.DeletedAt == nil }

// TaskID returns the directory task id or zero for custom tasks.
func (e Entry) TaskID() int64 {
	if k, ok := e.Kind.(ProjectTask); ok {
		return k.TaskID
	}
	return 0
}

// Description returns the custom task description or an empty string.
func (e Entry) Description() string {
	if k, ok := e.Kind.(CustomTask); ok {
		return k.Description
	}
	return ""
}

// Input carries the caller-supplied fields of a new or updated entry.
type Input struct {
	ProjectID int64
	Date      time.Time
	Hours     decimal.Decimal
	Billable  bool
	Kind      Kind
}

// New validates in against rules and returns the constructed entry. The returned entry has
// no id, owner or status; the timesheet assigns those.
func New(in Input, rules Rules) (Entry, []Warning, error) {
	if in.ProjectID <= 0 {
		return Entry{}, nil, fmt.Errorf("timeentry: project required: %w", shared.ErrValidation)
	}
	if in.Date.IsZero() {
		return Entry{}, nil, fmt.Errorf("timeentry: date required: %w", shared.ErrValidation)
	}
	if in.Kind == nil {
		return Entry{}, nil, fmt.Errorf("timeentry: kind required: %w", shared.ErrValidation)
	}
	if err := in.Kind.validate(); err != nil {
		return Entry{}, nil, err
	}
	if err := checkHours(in.Hours, rules); err != nil {
		return Entry{}, nil, err
	}
	billable, err := in.Kind.billable(in.Billable)
	if err != nil {
		return Entry{}, nil, err
	}
	date := shared.DateOf(in.Date)
	var warnings []Warning
	if billable && shared.IsWeekend(date) {
		w := Warning{Code: WarningWeekendBillable, Date: shared.FormatDate(date), Message: "billable time logged on a weekend"}
		if rules.WeekendPolicy == WeekendForce {
			billable = false
			w.Message = "weekend entry recorded as non-billable"
		}
		warnings = append(warnings, w)
	}
	return Entry{
		ProjectID: in.ProjectID,
		Date:      date,
		Hours:     in.Hours,
		Billable:  billable,
		Kind:      in.Kind,
	}, warnings, nil
}

func checkHours(hours decimal.Decimal, rules Rules) error {
	if !hours.IsPositive() {
		return fmt.Errorf("timeentry: hours must be positive: %w", shared.ErrValidation)
	}
	if !rules.MaxEntryHours.IsZero() && hours.GreaterThan(rules.MaxEntryHours) {
		return fmt.Errorf("timeentry: hours %s exceed %s: %w", hours, rules.MaxEntryHours, shared.ErrValidation)
	}
	if rules.Increment.IsPositive() && !hours.Mod(rules.Increment).IsZero() {
		return fmt.Errorf("timeentry: hours %s not a multiple of %s: %w", hours, rules.Increment, shared.ErrValidation)
	}
	return nil
}

// SumHours totals hours of live entries accepted by keep; a nil keep accepts all.
func SumHours(entries []Entry, keep func(Entry) bool) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if !e.Live() {
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		total = total.Add(e.Hours)
	}
	return total
}

// BillableIn returns a filter for live billable entries of projectID, or of every project
// when projectID is zero.
func BillableIn(projectID int64) func(Entry) bool {
	return func(e Entry) bool {
		return e.Billable && (projectID == 0 || e.ProjectID == projectID)
	}
}

// KindFrom rebuilds a Kind from its persisted columns.
func KindFrom(name KindName, taskID int64, description string, override bool) (Kind, error) {
	switch name {
	case KindProjectTask:
		return ProjectTask{TaskID: taskID}, nil
	case KindCustomTask:
		return CustomTask{Description: description, BillableOverride: override}, nil
	}
	return nil, fmt.Errorf("timeentry: unknown kind %q: %w", name, shared.ErrValidation)
}
