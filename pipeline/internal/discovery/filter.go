package discovery

import (
	"strings"
	"time"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
)

// Match applies monitoring rules to a candidate. It returns the first include keyword
// found, if any. Keyword matching is a case-insensitive substring match over the title
// and content.
func Match(rules models.MonitoringRules, c platform.Candidate, now time.Time) (keyword *string, ok bool) {
	if c.Score < rules.MinScore {
		return nil, false
	}
	if rules.MaxAge.Duration > 0 && now.Sub(c.CreatedAt) > rules.MaxAge.Duration {
		return nil, false
	}
	if c.CommentCount < rules.MinComments {
		return nil, false
	}
	if rules.MaxComments > 0 && c.CommentCount > rules.MaxComments {
		return nil, false
	}
	if rules.MinAuthorReputation > 0 && c.AuthorReputation < rules.MinAuthorReputation {
		return nil, false
	}
	text := strings.ToLower(c.Title + "\n" + c.Content)
	for _, kw := range rules.ExcludeKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return nil, false
		}
	}
	include := 0
	for _, kw := range rules.IncludeKeywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		include++
		if strings.Contains(text, needle) {
			matched := strings.TrimSpace(kw)
			return &matched, true
		}
	}
	return nil, include == 0
}
