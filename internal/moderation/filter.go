package moderation

import (
	"regexp"
	"strings"
)

const flaggedReason = "Message contains inappropriate language"

// defaultWordList mirrors the stock profanity vocabulary of the bad-words
// filter the chat product shipped with. Extend per deployment via NewFilter.
var defaultWordList = []string{
	"ass", "asshole", "bastard", "bitch", "bollocks", "bullshit",
	"crap", "cunt", "damn", "dick", "douche", "fag", "fuck",
	"fucker", "fucking", "goddamn", "jackass", "motherfucker",
	"piss", "prick", "pussy", "shit", "shitty", "slut", "twat",
	"wanker", "whore",
}

// Result is the outcome of filtering one outbound text payload. Clean is what
// gets persisted and delivered; raw flagged text is never stored.
type Result struct {
	Clean   string `json:"clean"`
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

// Filter masks profanity-list matches in outbound text. It is stateless after
// construction and safe for concurrent use.
type Filter struct {
	pattern *regexp.Regexp
}

// NewFilter builds a filter over the default word list plus any extra words.
func NewFilter(extraWords ...string) *Filter {
	words := make([]string, 0, len(defaultWordList)+len(extraWords))
	for _, word := range append(append([]string{}, defaultWordList...), extraWords...) {
		trimmed := strings.TrimSpace(strings.ToLower(word))
		if trimmed == "" {
			continue
		}
		words = append(words, regexp.QuoteMeta(trimmed))
	}
	pattern, err := regexp.Compile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
	if err != nil {
		// Degenerate word list; fall back to a pass-through filter.
		return &Filter{}
	}
	return &Filter{pattern: pattern}
}

// FilterMessage masks every profanity match with asterisks. It is total: any
// internal failure returns the original text unflagged rather than blocking
// the send path.
func (f *Filter) FilterMessage(text string) (result Result) {
	result = Result{Clean: text}
	defer func() {
		if recover() != nil {
			result = Result{Clean: text}
		}
	}()

	if f == nil || f.pattern == nil || text == "" {
		return result
	}

	flagged := false
	clean := f.pattern.ReplaceAllStringFunc(text, func(match string) string {
		flagged = true
		return strings.Repeat("*", len(match))
	})
	if !flagged {
		return result
	}
	return Result{Clean: clean, Flagged: true, Reason: flaggedReason}
}
