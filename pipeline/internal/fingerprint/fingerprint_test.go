package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world 42", Normalize("  Hello,   WORLD!! 42 "))
	assert.Equal(t, "", Normalize("?!..."))
	assert.Equal(t, "café au lait", Normalize("Café—au-lait"))
}

func TestContentIsStableAcrossFormatting(t *testing.T) {
	a := Content("Title here", "Body text.")
	b := Content("title HERE", "  body   text ")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Content("Title here", "Other body"))
}

func TestSimilarityDetectsNearDuplicates(t *testing.T) {
	original := "We switched our deploys to blue green last year and rollbacks became boring"
	edited := "We switched our deploys to blue-green last year, and rollbacks became boring!"
	unrelated := "Have you tried profiling the allocation hot path with pprof first"

	assert.True(t, Similar(original, edited, 0.8))
	assert.False(t, Similar(original, unrelated, 0.2))
	assert.InDelta(t, 1.0, Similarity(Shingles(original, 3), Shingles(original, 3)), 1e-9)
}

func TestShortTextsAndEmptyInput(t *testing.T) {
	assert.Len(t, Shingles("thanks", 3), 1)
	assert.Equal(t, 0.0, Similarity(Shingles("", 3), Shingles("anything", 3)))
	assert.True(t, Similar("Great point", "great point.", 1))
}
