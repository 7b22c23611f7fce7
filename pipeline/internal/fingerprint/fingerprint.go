// Package fingerprint recognizes previously seen content and previously posted text.
//
// Content fingerprints are exact: a sha256 of the normalized text. Reply similarity
// uses word shingles hashed with xxhash and compared by Jaccard index, so small edits
// (punctuation, casing, a changed word) still register as near duplicates.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const DefaultShingleSize = 3

// Normalize lowercases text, drops everything that is not a letter or digit and
// collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Content returns a stable key for a piece of content.
func Content(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := Normalize(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return hex.EncodeToString(sum[:])
}

// Sketch is a set of shingle hashes.
type Sketch map[uint64]struct{}

// Shingles hashes every run of k consecutive normalized words. Text shorter than k
// words yields a single shingle of the whole text.
func Shingles(text string, k int) Sketch {
	if k <= 0 {
		k = DefaultShingleSize
	}
	words := strings.Fields(Normalize(text))
	sketch := Sketch{}
	if len(words) == 0 {
		return sketch
	}
	if len(words) < k {
		sketch[xxhash.Sum64String(strings.Join(words, " "))] = struct{}{}
		return sketch
	}
	for i := 0; i+k <= len(words); i++ {
		sketch[xxhash.Sum64String(strings.Join(words[i:i+k], " "))] = struct{}{}
	}
	return sketch
}

// Similarity is the Jaccard index of two sketches. Empty input never matches.
func Similarity(a, b Sketch) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for h := range small {
		if _, ok := large[h]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// Similar reports whether two texts reach the given similarity threshold.
func Similar(a, b string, threshold float64) bool {
	return Similarity(Shingles(a, DefaultShingleSize), Shingles(b, DefaultShingleSize)) >= threshold
}
