package assignment

import (
	"strconv"
	"strings"
	"time"

	"github.com/echodesk/core/internal/models"
)

// inServiceWindow reports whether now falls inside the rule's service
// window, evaluated in the rule's timezone. A nil rule, empty weekday
// list, or missing time range means always in service. Weekdays are
// stored 0=Monday..6=Sunday; boundaries are inclusive and a start later
// than the end wraps overnight.
func inServiceWindow(rule *models.VisitorAssignmentRuleModel, now time.Time) bool {
	if rule == nil {
		return true
	}

	loc := ruleLocation(rule.Timezone)
	local := now.In(loc)

	if len(rule.ServiceWeekdays) > 0 {
		weekday := (int(local.Weekday()) + 6) % 7
		if !containsInt(rule.ServiceWeekdays, weekday) {
			return false
		}
	}

	start, okStart := parseClock(rule.ServiceStartTime)
	end, okEnd := parseClock(rule.ServiceEndTime)
	if !okStart || !okEnd {
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	// overnight window, e.g. 22:00-06:00
	return minute >= start || minute <= end
}

func ruleLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseClock turns "HH:MM" (optionally "HH:MM:SS") into minutes since
// midnight.
func parseClock(raw *string) (int, bool) {
	if raw == nil {
		return 0, false
	}
	s := strings.TrimSpace(*raw)
	if s == "" {
		return 0, false
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
