package cluster

import (
	"slices"
	"strings"
	"unicode"
)

// stopwords excluded from keyword derivation. Kept deliberately small; the
// goal is a stable placeholder name, not linguistic quality.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "they": {}, "them": {}, "from": {}, "what": {},
	"when": {}, "will": {}, "would": {}, "there": {}, "their": {}, "about": {},
	"which": {}, "should": {}, "could": {}, "were": {}, "been": {}, "into": {},
}

// topKeywords returns the n most frequent content words across the texts,
// ordered by frequency descending then alphabetically. The tie-break keeps
// keyword-derived names deterministic.
func topKeywords(texts []string, n int) []string {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, word := range splitWords(text) {
			if len(word) < 3 {
				continue
			}
			if _, skip := stopwords[word]; skip {
				continue
			}
			counts[word]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	slices.SortFunc(words, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return strings.Compare(a, b)
	})

	if len(words) > n {
		words = words[:n]
	}
	return words
}

// keywordName builds a placeholder cluster name from the top keywords.
func keywordName(keywords []string) string {
	if len(keywords) == 0 {
		return "Untitled topic"
	}
	top := keywords
	if len(top) > 3 {
		top = top[:3]
	}
	return strings.Join(top, " / ")
}

// splitWords lowercases and splits on non-letter/digit boundaries.
func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
