package scheduler

import (
	"time"
	_ "time/tzdata"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

// limits are the account-wide dispatch limits. Campaigns sharing an account are
// combined into the strictest values across them.
type limits struct {
	postsPerHour int
	minDelay     time.Duration
	maxDelay     time.Duration
	randomize    bool
	batchSize    int
}

func strictest(campaigns []models.Campaign) limits {
	var l limits
	for _, c := range campaigns {
		s := c.Schedule
		if s.PostsPerHour > 0 && (l.postsPerHour == 0 || s.PostsPerHour < l.postsPerHour) {
			l.postsPerHour = s.PostsPerHour
		}
		if s.BatchSize > 0 && (l.batchSize == 0 || s.BatchSize < l.batchSize) {
			l.batchSize = s.BatchSize
		}
		if s.MinDelay.Duration > l.minDelay {
			l.minDelay = s.MinDelay.Duration
		}
		if s.Randomize {
			l.randomize = true
			if s.MaxDelay.Duration > l.maxDelay {
				l.maxDelay = s.MaxDelay.Duration
			}
		}
	}
	if l.batchSize <= 0 {
		l.batchSize = 1
	}
	return l
}

// interval picks the gap before the next dispatch: max(minDelay, floor), stretched
// uniformly up to maxDelay when randomization is on. rnd returns a value in [0,1).
func (l limits) interval(floor time.Duration, rnd func() float64) time.Duration {
	d := l.minDelay
	if floor > d {
		d = floor
	}
	if l.randomize && l.maxDelay > d && rnd != nil {
		d += time.Duration(rnd() * float64(l.maxDelay-d))
	}
	return d
}

// withinActiveWindow reports whether at falls inside the schedule's active days and
// hours, evaluated in the schedule's timezone. An unknown timezone falls back to UTC.
func withinActiveWindow(s models.ScheduleSettings, at time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || s.Timezone == "" {
		loc = time.UTC
	}
	local := at.In(loc)
	if len(s.ActiveDays) > 0 {
		day := int(local.Weekday())
		found := false
		for _, d := range s.ActiveDays {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	start, end, h := s.ActiveHours.Start, s.ActiveHours.End, local.Hour()
	switch {
	case start == end:
		return true
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}
