package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
)

func TestMatch(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	base := platform.Candidate{
		Title:            "Looking for a Kubernetes operator tutorial",
		Content:          "Any recommendations?",
		Score:            12,
		CommentCount:     5,
		AuthorReputation: 300,
		CreatedAt:        now.Add(-2 * time.Hour),
	}
	rules := models.MonitoringRules{
		IncludeKeywords:     []string{"helm", "KUBERNETES"},
		ExcludeKeywords:     []string{"hiring"},
		MinScore:            10,
		MaxAge:              models.Duration{Duration: 24 * time.Hour},
		MinComments:         1,
		MaxComments:         10,
		MinAuthorReputation: 100,
	}

	kw, ok := Match(rules, base, now)
	require.True(t, ok)
	require.NotNil(t, kw)
	assert.Equal(t, "KUBERNETES", *kw)

	cases := map[string]func(c *platform.Candidate){
		"score":      func(c *platform.Candidate) { c.Score = 9 },
		"age":        func(c *platform.Candidate) { c.CreatedAt = now.Add(-25 * time.Hour) },
		"few":        func(c *platform.Candidate) { c.CommentCount = 0 },
		"many":       func(c *platform.Candidate) { c.CommentCount = 11 },
		"reputation": func(c *platform.Candidate) { c.AuthorReputation = 99 },
		"excluded":   func(c *platform.Candidate) { c.Content = "We are HIRING" },
		"no keyword": func(c *platform.Candidate) { c.Title = "Docker question" },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		_, ok := Match(rules, c, now)
		assert.False(t, ok, name)
	}
}

func TestMatchWithoutKeywordsAcceptsAll(t *testing.T) {
	kw, ok := Match(models.MonitoringRules{}, platform.Candidate{Title: "anything"}, time.Now())
	assert.True(t, ok)
	assert.Nil(t, kw)

	_, ok = Match(models.MonitoringRules{MaxComments: 0}, platform.Candidate{CommentCount: 5000}, time.Now())
	assert.True(t, ok, "zero maxComments is unbounded")
}
