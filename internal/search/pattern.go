package search

import (
	"regexp"
	"strings"
)

// Pattern classifies a query so the fusion weights can favour the legs most
// likely to carry the answer.
type Pattern string

const (
	PatternExactPhrase Pattern = "exact_phrase"
	PatternTitle       Pattern = "title_search"
	PatternCode        Pattern = "code_search"
	PatternSemantic    Pattern = "semantic"
	PatternHybrid      Pattern = "hybrid"
)

// Weights splits the fused score between the three legs. A valid set sums
// to 1.
type Weights struct {
	Vector   float64 `json:"vector"`
	Metadata float64 `json:"metadata"`
	Text     float64 `json:"text"`
}

var patternWeights = map[Pattern]Weights{
	PatternExactPhrase: {Vector: 0.20, Metadata: 0.30, Text: 0.50},
	PatternTitle:       {Vector: 0.10, Metadata: 0.80, Text: 0.10},
	PatternCode:        {Vector: 0.50, Metadata: 0.20, Text: 0.30},
	PatternSemantic:    {Vector: 0.85, Metadata: 0.10, Text: 0.05},
	PatternHybrid:      {Vector: 0.60, Metadata: 0.30, Text: 0.10},
}

var (
	titleTerms = regexp.MustCompile(`\b(titled|named|called|title|file named)\b`)
	codeTerms  = regexp.MustCompile(`\b(function|func|class|import|export|async|await|const|def|struct|interface|method|variable|implements|extends|returns?)\b`)
	// "like" only counts as a semantic cue when used comparatively;
	// requiring a following word keeps "what does X look like" out.
	semanticTerms = regexp.MustCompile(`\b(related|similar|about|concepts?|meaning|resembles)\b|\blike\s+\S`)
)

// DetectPattern classifies a query. It is pure: the same query always maps
// to the same pattern. A fully quoted query wins over every keyword cue.
func DetectPattern(query string) Pattern {
	q := strings.TrimSpace(query)
	if isQuoted(q) {
		return PatternExactPhrase
	}
	lower := strings.ToLower(q)
	switch {
	case titleTerms.MatchString(lower):
		return PatternTitle
	case codeTerms.MatchString(lower):
		return PatternCode
	case semanticTerms.MatchString(lower):
		return PatternSemantic
	default:
		return PatternHybrid
	}
}

// PatternWeights returns the fixed weight split for a pattern. Unknown
// patterns get the hybrid default.
func PatternWeights(p Pattern) Weights {
	if w, ok := patternWeights[p]; ok {
		return w
	}
	return patternWeights[PatternHybrid]
}

// Normalized scales the weights so they sum to 1. All-zero weights become
// the hybrid default rather than dividing by zero.
func (w Weights) Normalized() Weights {
	sum := w.Vector + w.Metadata + w.Text
	if sum <= 0 {
		return patternWeights[PatternHybrid]
	}
	return Weights{
		Vector:   w.Vector / sum,
		Metadata: w.Metadata / sum,
		Text:     w.Text / sum,
	}
}

// isQuoted reports whether the entire query is wrapped in matching quotes
// with no earlier closing quote.
func isQuoted(q string) bool {
	if len(q) < 3 {
		return false
	}
	for _, quote := range []byte{'"', '\''} {
		if q[0] == quote && q[len(q)-1] == quote &&
			strings.IndexByte(q[1:len(q)-1], quote) == -1 {
			return true
		}
	}
	return false
}

// phraseText strips the surrounding quotes from an exact-phrase query so
// the vector and trigram legs match the phrase itself.
func phraseText(q string) string {
	if isQuoted(q) {
		return strings.TrimSpace(q[1 : len(q)-1])
	}
	return q
}
