package scheduler

import (
	"time"

	"dialcast/internal/database"
)

// AdjustToBusinessHours moves t forward to the nearest allowed moment under
// the given business hours. A nil policy returns t unchanged. Before opening
// on an allowed day snaps to opening; after closing, or on a disallowed day,
// rolls to opening on the next allowed day.
func AdjustToBusinessHours(t time.Time, bh *database.BusinessHours, loc *time.Location) time.Time {
	if bh == nil {
		return t
	}

	if bh.Timezone != "" {
		if bhLoc, err := time.LoadLocation(bh.Timezone); err == nil {
			loc = bhLoc
		}
	}
	local := t.In(loc)

	startH, startM := parseClock(bh.Start, 9, 0)
	endH, endM := parseClock(bh.End, 18, 0)

	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !dayAllowed(day.Weekday(), bh.DaysOfWeek) {
			continue
		}

		open := time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, loc)
		closing := time.Date(day.Year(), day.Month(), day.Day(), endH, endM, 0, 0, loc)

		if i == 0 {
			if local.Before(open) {
				return open
			}
			if !local.After(closing) {
				return local
			}
			continue // past closing today
		}
		return open
	}

	// No allowed day in the policy; leave the time as requested
	return t
}

// WithinBusinessHours reports whether t falls inside the policy
func WithinBusinessHours(t time.Time, bh *database.BusinessHours, loc *time.Location) bool {
	return AdjustToBusinessHours(t, bh, loc).Equal(t)
}

func dayAllowed(day time.Weekday, allowed []int) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if int(day) == d {
			return true
		}
	}
	return false
}

// parseClock reads "HH:MM", falling back to the given defaults
func parseClock(s string, defH, defM int) (int, int) {
	if len(s) != 5 || s[2] != ':' {
		return defH, defM
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return defH, defM
	}
	return h, m
}
