package textproc

import (
	"regexp"
	"strings"
)

const (
	historySize   = 8 // bounded rolling history of accepted sentences
	compareWindow = 2 // only the most recent entries are compared
)

var punctVariants = strings.NewReplacer(
	"。", ".", "，", ",", "！", "!", "？", "?", "；", ";", "：", ":", "、", ",",
	"…", ".", "~", "",
)

var punctRun = regexp.MustCompile(`([.,!?;:]){2,}`)

// Suppressor drops finalized sentences that repeat or are contained in
// recently emitted ones. ASR backends frequently re-recognize the tail of
// the previous utterance when segments overlap.
type Suppressor struct {
	history []string
}

// NewSuppressor creates an empty suppressor.
func NewSuppressor() *Suppressor {
	return &Suppressor{}
}

// normalizeForCompare reduces a sentence to its comparable core: no
// whitespace, unified punctuation variants, punctuation runs collapsed.
func normalizeForCompare(text string) string {
	text = strings.Join(strings.Fields(text), "")
	text = punctVariants.Replace(text)
	text = punctRun.ReplaceAllString(text, "$1")
	return text
}

// Accept reports whether the sentence should be emitted. Suppressed text
// is NOT recorded: history tracks what subscribers actually saw, so a
// repeat arriving three times in a row stays suppressed against the
// original rather than refreshing itself.
func (s *Suppressor) Accept(text string) bool {
	norm := normalizeForCompare(text)
	if norm == "" {
		return false
	}

	start := len(s.history) - compareWindow
	if start < 0 {
		start = 0
	}
	for _, prev := range s.history[start:] {
		if norm == prev || strings.Contains(prev, norm) || strings.Contains(norm, prev) {
			return false
		}
	}

	s.history = append(s.history, norm)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	return true
}

// Reset clears the rolling history.
func (s *Suppressor) Reset() {
	s.history = nil
}
