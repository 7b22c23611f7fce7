package models

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultDuplicateThreshold = 0.8
	DefaultRedditSort         = "hot"
	DefaultRedditPageSize     = 25
	DefaultRedditMaxPages     = 4
	maxRedditPageSize         = 100
	maxRedditPages            = 20
)

var redditSorts = map[string]bool{"hot": true, "new": true, "top": true, "rising": true}

// ValidationError collects every problem found in a campaign submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid campaign: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// ApplyDefaults fills optional settings that have a sensible default.
func (c *Campaign) ApplyDefaults() {
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "UTC"
	}
	if c.Schedule.BatchSize == 0 {
		c.Schedule.BatchSize = 1
	}
	if c.Schedule.Randomize && c.Schedule.MaxDelay.Duration == 0 {
		c.Schedule.MaxDelay = c.Schedule.MinDelay
	}
	if c.AI.DuplicateThreshold == 0 {
		c.AI.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if c.PlatformSettings.Platform == "" {
		c.PlatformSettings.Platform = c.Platform
	}
	if c.Platform == PlatformReddit && c.PlatformSettings.Platform == PlatformReddit {
		if c.PlatformSettings.Reddit == nil {
			c.PlatformSettings.Reddit = &RedditSettings{}
		}
		rs := c.PlatformSettings.Reddit
		if rs.Sort == "" {
			rs.Sort = DefaultRedditSort
		}
		if rs.PageSize == 0 {
			rs.PageSize = DefaultRedditPageSize
		}
		if rs.MaxPages == 0 {
			rs.MaxPages = DefaultRedditMaxPages
		}
	}
	for i, loc := range c.Locations {
		c.Locations[i] = strings.TrimSpace(loc)
	}
}

// Validate checks the whole campaign configuration and returns a *ValidationError
// listing every problem, or nil.
func (c Campaign) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(c.Owner) == "" {
		verr.add("owner required")
	}
	if strings.TrimSpace(c.Name) == "" {
		verr.add("name required")
	}
	if !c.Platform.Supported() {
		verr.add("unsupported platform %q", c.Platform)
	}
	if len(c.Locations) == 0 {
		verr.add("at least one location required")
	}
	seen := map[string]bool{}
	for _, loc := range c.Locations {
		if loc == "" {
			verr.add("locations must not be blank")
			continue
		}
		key := strings.ToLower(loc)
		if seen[key] {
			verr.add("duplicate location %q", loc)
		}
		seen[key] = true
	}
	validateMonitoring(c.Monitoring, verr)
	validateEngagement(c.Engagement, verr)
	validateSchedule(c.Schedule, verr)
	validateAI(c.AI, verr)
	validatePlatformSettings(c.Platform, c.PlatformSettings, verr)
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validateMonitoring(m MonitoringRules, verr *ValidationError) {
	if m.MaxAge.Duration < 0 {
		verr.add("monitoring.maxAge must not be negative")
	}
	if m.MinComments < 0 {
		verr.add("monitoring.minComments must not be negative")
	}
	if m.MaxComments < 0 {
		verr.add("monitoring.maxComments must not be negative")
	}
	if m.MaxComments > 0 && m.MaxComments < m.MinComments {
		verr.add("monitoring.maxComments must be >= minComments")
	}
	for _, kw := range append(append([]string{}, m.IncludeKeywords...), m.ExcludeKeywords...) {
		if strings.TrimSpace(kw) == "" {
			verr.add("monitoring keywords must not be blank")
			break
		}
	}
}

func validateEngagement(e EngagementRules, verr *ValidationError) {
	if e.MaxLength < 0 {
		verr.add("engagement.maxLength must not be negative")
	}
}

func validateSchedule(s ScheduleSettings, verr *ValidationError) {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		verr.add("schedule.timezone %q unknown", s.Timezone)
	}
	days := map[int]bool{}
	for _, d := range s.ActiveDays {
		if d < 0 || d > 6 {
			verr.add("schedule.activeDays entries must be 0-6 (Sunday=0)")
			break
		}
		if days[d] {
			verr.add("schedule.activeDays contains duplicate day %d", d)
		}
		days[d] = true
	}
	if s.ActiveHours.Start < 0 || s.ActiveHours.Start > 23 {
		verr.add("schedule.activeHours.start must be 0-23")
	}
	if s.ActiveHours.End < 0 || s.ActiveHours.End > 24 {
		verr.add("schedule.activeHours.end must be 0-24")
	}
	if s.PostsPerHour < 1 {
		verr.add("schedule.postsPerHour must be >= 1")
	}
	if s.MinDelay.Duration < 0 {
		verr.add("schedule.minDelay must not be negative")
	}
	if s.Randomize && s.MaxDelay.Duration < s.MinDelay.Duration {
		verr.add("schedule.maxDelay must be >= minDelay")
	}
	if s.BatchSize < 1 {
		verr.add("schedule.batchSize must be >= 1")
	}
}

func validateAI(a AISettings, verr *ValidationError) {
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		verr.add("ai.minConfidence must be within [0,1]")
	}
	if a.MinSentiment < -1 || a.MinSentiment > 1 {
		verr.add("ai.minSentiment must be within [-1,1]")
	}
	if a.DuplicateThreshold <= 0 || a.DuplicateThreshold > 1 {
		verr.add("ai.duplicateThreshold must be within (0,1]")
	}
}

func validatePlatformSettings(platform Platform, ps PlatformSettings, verr *ValidationError) {
	if ps.Platform != platform {
		verr.add("platformSettings.platform %q does not match campaign platform %q", ps.Platform, platform)
		return
	}
	switch platform {
	case PlatformReddit:
		rs := ps.Reddit
		if rs == nil {
			verr.add("platformSettings.reddit required")
			return
		}
		if !redditSorts[rs.Sort] {
			verr.add("platformSettings.reddit.sort must be one of hot, new, top, rising")
		}
		if rs.PageSize < 1 || rs.PageSize > maxRedditPageSize {
			verr.add("platformSettings.reddit.pageSize must be 1-%d", maxRedditPageSize)
		}
		if rs.MaxPages < 1 || rs.MaxPages > maxRedditPages {
			verr.add("platformSettings.reddit.maxPages must be 1-%d", maxRedditPages)
		}
	}
}
