// Package routing decides whether a chat turn is answered inline or queued.
package routing

import (
	"strings"
	"unicode/utf8"
)

// Route is the outcome of Classify.
type Route string

const (
	Fast  Route = "fast"
	Heavy Route = "heavy"
)

// DefaultMaxFastLength is the longest message, in characters, answered inline.
const DefaultMaxFastLength = 500

// DefaultHeavyKeywords mark requests for multi-step generation or analysis.
var DefaultHeavyKeywords = []string{"generate", "analyze", "detailed", "comprehensive", "report"}

// Policy holds the classification thresholds.
type Policy struct {
	MaxFastLength int
	HeavyKeywords []string
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	kw := make([]string, len(DefaultHeavyKeywords))
	copy(kw, DefaultHeavyKeywords)
	return Policy{MaxFastLength: DefaultMaxFastLength, HeavyKeywords: kw}
}

// Classify returns Heavy when msg is longer than MaxFastLength characters or
// contains any heavy keyword (case-insensitive), and Fast otherwise.
func (p Policy) Classify(msg string) Route {
	if p.MaxFastLength > 0 && utf8.RuneCountInString(msg) > p.MaxFastLength {
		return Heavy
	}
	lower := strings.ToLower(msg)
	for _, kw := range p.HeavyKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return Heavy
		}
	}
	return Fast
}
