// Package rates resolves effective hourly billing rates from layered, time-bounded rules.
package rates

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timeledger/timeledger/internal/shared"
)

// Scope is the layer a rule applies to. Higher layers win.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeRole    Scope = "role"
	ScopeClient  Scope = "client"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
	// ScopeProfile marks a resolution that fell back to the user's directory hourly rate.
	ScopeProfile Scope = "user_profile"
)

var precedence = map[Scope]int{
	ScopeGlobal:  0,
	ScopeProfile: 1,
	ScopeRole:    2,
	ScopeClient:  3,
	ScopeProject: 4,
	ScopeUser:    5,
}

// Valid reports whether s can be stored on a rule.
func (s Scope) Valid() bool {
	_, ok := precedence[s]
	return ok && s != ScopeProfile
}

// MultiplierKind names which multiplier was applied.
type MultiplierKind string

const (
	MultiplierBase     MultiplierKind = "base"
	MultiplierOvertime MultiplierKind = "overtime"
	MultiplierWeekend  MultiplierKind = "weekend"
	MultiplierHoliday  MultiplierKind = "holiday"
)

// Rule is a billing rate for one scope and date window.
type Rule struct {
	ID                 int64           `json:"id"`
	Scope              Scope           `json:"scope"`
	ScopeKey           string          `json:"scope_key,omitempty"`
	HourlyRate         decimal.Decimal `json:"hourly_rate"`
	OvertimeMultiplier decimal.Decimal `json:"overtime_multiplier"`
	HolidayMultiplier  decimal.Decimal `json:"holiday_multiplier"`
	WeekendMultiplier  decimal.Decimal `json:"weekend_multiplier"`
	MinIncrement       decimal.Decimal `json:"min_increment"`
	EffectiveFrom      time.Time       `json:"effective_from"`
	EffectiveUntil     *time.Time      `json:"effective_until,omitempty"`
	CreatedBy          int64           `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	DeletedAt          *time.Time      `json:"-"`
}

// GlobalEpoch is the effective_from of the seeded global default.
var GlobalEpoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Backstop reports whether r is a live, open-ended global rule in force since GlobalEpoch.
// While one exists every date resolves to some rate.
func (r Rule) Backstop() bool {
	return r.DeletedAt == nil && r.Scope == ScopeGlobal && r.EffectiveUntil == nil &&
		!shared.DateOf(r.EffectiveFrom).After(GlobalEpoch)
}

// Covers reports whether the rule's window contains date. Both ends are inclusive.
func (r Rule) Covers(date time.Time) bool {
	d := shared.DateOf(date)
	if d.Before(shared.DateOf(r.EffectiveFrom)) {
		return false
	}
	return r.EffectiveUntil == nil || !d.After(shared.DateOf(*r.EffectiveUntil))
}

// multiplier returns the factor for kind, treating an unset factor as 1.
func (r Rule) multiplier(kind MultiplierKind) decimal.Decimal {
	var m decimal.Decimal
	switch kind {
	case MultiplierOvertime:
		m = r.OvertimeMultiplier
	case MultiplierWeekend:
		m = r.WeekendMultiplier
	case MultiplierHoliday:
		m = r.HolidayMultiplier
	}
	if !m.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return m
}

// RuleInput is the payload of CreateRule.
type RuleInput struct {
	Scope              Scope
	ScopeKey           string
	HourlyRate         decimal.Decimal
	OvertimeMultiplier decimal.Decimal
	HolidayMultiplier  decimal.Decimal
	WeekendMultiplier  decimal.Decimal
	MinIncrement       decimal.Decimal
	EffectiveFrom      time.Time
	EffectiveUntil     *time.Time
}

// Default multipliers applied when a rule leaves them unset.
var (
	DefaultOvertimeMultiplier = decimal.RequireFromString("1.5")
	DefaultWeekendMultiplier  = decimal.RequireFromString("1.5")
	DefaultHolidayMultiplier  = decimal.NewFromInt(2)
)

func (in RuleInput) rule() (Rule, error) {
	if !in.Scope.Valid() {
		return Rule{}, fmt.Errorf("rates: unknown scope %q: %w", in.Scope, shared.ErrValidation)
	}
	switch in.Scope {
	case ScopeGlobal:
		if in.ScopeKey != "" {
			return Rule{}, fmt.Errorf("rates: global rule takes no scope key: %w", shared.ErrValidation)
		}
	case ScopeRole:
		if in.ScopeKey == "" {
			return Rule{}, fmt.Errorf("rates: role rule needs a role: %w", shared.ErrValidation)
		}
	default:
		if id, err := strconv.ParseInt(in.ScopeKey, 10, 64); err != nil || id <= 0 {
			return Rule{}, fmt.Errorf("rates: %s rule needs a numeric id, got %q: %w", in.Scope, in.ScopeKey, shared.ErrValidation)
		}
	}
	if !in.HourlyRate.IsPositive() {
		return Rule{}, fmt.Errorf("rates: hourly rate must be positive: %w", shared.ErrValidation)
	}
	for name, m := range map[string]decimal.Decimal{
		"overtime": in.OvertimeMultiplier,
		"holiday":  in.HolidayMultiplier,
		"weekend":  in.WeekendMultiplier,
	} {
		if m.IsNegative() {
			return Rule{}, fmt.Errorf("rates: %s multiplier below zero: %w", name, shared.ErrValidation)
		}
	}
	if in.MinIncrement.IsNegative() {
		return Rule{}, fmt.Errorf("rates: minimum increment below zero: %w", shared.ErrValidation)
	}
	if in.EffectiveFrom.IsZero() {
		return Rule{}, fmt.Errorf("rates: effective_from required: %w", shared.ErrValidation)
	}
	from := shared.DateOf(in.EffectiveFrom)
	var until *time.Time
	if in.EffectiveUntil != nil {
		u := shared.DateOf(*in.EffectiveUntil)
		if u.Before(from) {
			return Rule{}, fmt.Errorf("rates: effective_until before effective_from: %w", shared.ErrValidation)
		}
		until = &u
	}
	r := Rule{
		Scope:              in.Scope,
		ScopeKey:           in.ScopeKey,
		HourlyRate:         in.HourlyRate,
		OvertimeMultiplier: orDefault(in.OvertimeMultiplier, DefaultOvertimeMultiplier),
		HolidayMultiplier:  orDefault(in.HolidayMultiplier, DefaultHolidayMultiplier),
		WeekendMultiplier:  orDefault(in.WeekendMultiplier, DefaultWeekendMultiplier),
		MinIncrement:       in.MinIncrement,
		EffectiveFrom:      from,
		EffectiveUntil:     until,
	}
	return r, nil
}

func orDefault(v, def decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return def
	}
	return v
}

// Query identifies one billable quantity to price.
type Query struct {
	UserID    int64
	ProjectID int64
	ClientID  int64
	Role      string
	Date      time.Time
	Hours     decimal.Decimal
	Overtime  bool
}

// Resolution is the priced outcome of a Query.
type Resolution struct {
	RuleID         int64           `json:"rule_id"`
	Scope          Scope           `json:"scope"`
	BaseRate       decimal.Decimal `json:"base_rate"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	MultiplierKind MultiplierKind  `json:"multiplier_kind"`
	EffectiveRate  decimal.Decimal `json:"effective_rate"`
	BillableHours  decimal.Decimal `json:"billable_hours"`
}

// Amount is BillableHours × EffectiveRate, unrounded.
func (r Resolution) Amount() decimal.Decimal {
	return r.BillableHours.Mul(r.EffectiveRate)
}

// keyFor returns the scope key a query matches for scope.
func (q Query) keyFor(scope Scope) string {
	switch scope {
	case ScopeRole:
		return q.Role
	case ScopeClient:
		return strconv.FormatInt(q.ClientID, 10)
	case ScopeProject:
		return strconv.FormatInt(q.ProjectID, 10)
	case ScopeUser:
		return strconv.FormatInt(q.UserID, 10)
	}
	return ""
}

// Select picks the winning rule for q: highest scope, then latest effective_from, then
// highest id. ok is false when no rule matches.
func Select(rules []Rule, q Query) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, r := range rules {
		if r.DeletedAt != nil || !r.Covers(q.Date) {
			continue
		}
		if r.Scope != ScopeGlobal && (r.ScopeKey == "" || r.ScopeKey != q.keyFor(r.Scope)) {
			continue
		}
		if !found || outranks(r, best) {
			best, found = r, true
		}
	}
	return best, found
}

func outranks(a, b Rule) bool {
	if pa, pb := precedence[a.Scope], precedence[b.Scope]; pa != pb {
		return pa > pb
	}
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return a.EffectiveFrom.After(b.EffectiveFrom)
	}
	return a.ID > b.ID
}

// Conditions describe the calendar context of the priced date.
type Conditions struct {
	Holiday  bool
	Weekend  bool
	Overtime bool
}

// Kind picks the single multiplier that applies: holiday, then weekend, then overtime.
func (c Conditions) Kind() MultiplierKind {
	switch {
	case c.Holiday:
		return MultiplierHoliday
	case c.Weekend:
		return MultiplierWeekend
	case c.Overtime:
		return MultiplierOvertime
	default:
		return MultiplierBase
	}
}

// Price applies base rate, multiplier and minimum increment. multipliers supplies the
// factors and minimum increment; it is the winning rule, or the global rule when the
// base rate comes from a user profile.
func Price(scope Scope, ruleID int64, base decimal.Decimal, multipliers Rule, hours decimal.Decimal, cond Conditions) Resolution {
	kind := cond.Kind()
	factor := decimal.NewFromInt(1)
	if kind != MultiplierBase {
		factor = multipliers.multiplier(kind)
	}
	billable := hours
	if billable.IsPositive() && multipliers.MinIncrement.IsPositive() && billable.LessThan(multipliers.MinIncrement) {
		billable = multipliers.MinIncrement
	}
	return Resolution{
		RuleID:         ruleID,
		Scope:          scope,
		BaseRate:       base,
		Multiplier:     factor,
		MultiplierKind: kind,
		EffectiveRate:  base.Mul(factor),
		BillableHours:  billable,
	}
}

// ListFilter narrows ListRules.
type ListFilter struct {
	Scope    Scope
	ScopeKey string
	On       *time.Time
	Page     int
	PerPage  int
}

func (f ListFilter) matches(r Rule) bool {
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if f.ScopeKey != "" && r.ScopeKey != f.ScopeKey {
		return false
	}
	return f.On == nil || r.Covers(*f.On)
}

func sortRules(rules []Rule) {
	slices.SortFunc(rules, func(a, b Rule) int {
		if pa, pb := precedence[a.Scope], precedence[b.Scope]; pa != pb {
			return pb - pa
		}
		if c := b.EffectiveFrom.Compare(a.EffectiveFrom); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
