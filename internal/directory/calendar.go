package directory

import (
	"context"
	"time"

	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/shared"
)

// CachedCalendar memoizes holiday lookups in redis. Holidays are seeded externally and
// the cache is bumped by whoever seeds them.
type CachedCalendar struct {
	source Calendar
	cache  *cache.Versioned
}

// NewCachedCalendar wraps source with the versioned cache.
func NewCachedCalendar(source Calendar, c *cache.Versioned) *CachedCalendar {
	return &CachedCalendar{source: source, cache: c}
}

// IsHoliday consults the cache before the source calendar.
func (c *CachedCalendar) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	key, err := c.cache.BuildKey(ctx, "holiday", shared.FormatDate(date))
	if err != nil {
		return false, err
	}
	var holiday bool
	err = c.cache.FetchJSON(ctx, key, &holiday, func(ctx context.Context) (any, error) {
		return c.source.IsHoliday(ctx, date)
	})
	return holiday, err
}

// StaticCalendar is a fixed set of holiday dates.
type StaticCalendar map[string]bool

// NewStaticCalendar builds a calendar from dates.
func NewStaticCalendar(dates ...time.Time) StaticCalendar {
	cal := StaticCalendar{}
	for _, d := range dates {
		cal[shared.FormatDate(d)] = true
	}
	return cal
}

// IsHoliday implements Calendar.
func (c StaticCalendar) IsHoliday(_ context.Context, date time.Time) (bool, error) {
	return c[shared.FormatDate(date)], nil
}
