package shared

import (
	"fmt"
	"time"
)

// ProjectWeekLockKey builds redis keys for project-week counter updates.
func ProjectWeekLockKey(projectID int64, week time.Time) string {
	return fmt.Sprintf("projectweek:%d:%s:lock", projectID, FormatWeek(week))
}
