// Package generator talks to the external text generator that drafts replies.
package generator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

type Request struct {
	Item       models.DiscoveredItem
	Engagement models.EngagementRules
	Documents  []models.DocumentRef
}

// Result is the generator's draft. Priority is optional.
type Result struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Sentiment  float64         `json:"sentiment"`
	Priority   models.Priority `json:"priority,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Static drafts a fixed acknowledgement. Used when no generator service is configured.
type Static struct {
	Confidence float64
	Sentiment  float64
}

func (s Static) Generate(_ context.Context, req Request) (Result, error) {
	subject := strings.TrimSpace(req.Item.Title)
	if subject == "" {
		subject = "this"
	}
	text := fmt.Sprintf("Thanks for sharing %q.", subject)
	if req.Engagement.AskQuestions {
		text += " What led you to this approach?"
	}
	return Result{
		Text:       Truncate(text, req.Engagement.MaxLength),
		Confidence: s.Confidence,
		Sentiment:  s.Sentiment,
	}, nil
}

// Truncate shortens text to at most max runes, cutting at a word boundary when one is
// close. A max of zero or less leaves the text alone.
func Truncate(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)[:max]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
