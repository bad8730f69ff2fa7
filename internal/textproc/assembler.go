package textproc

import (
	"strings"
	"time"
	"unicode/utf8"
)

// AssemblerConfig holds the sentence-completion thresholds.
type AssemblerConfig struct {
	MaxWaitSec       float64 // elapsed-time budget before a forced flush
	MaxChars         int     // character budget before a forced flush
	SilenceTicks     int     // idle ticks before a forced flush
	MinSentenceChars int     // shorter trailing fragments are carried over
}

// Assembler accumulates streaming partial text across chunks and decides
// when the buffer has become a completed sentence. It also splits long
// whole-segment output into sentences, carrying short trailing fragments
// into the next segment instead of emitting near-empty sentences.
type Assembler struct {
	cfg AssemblerConfig

	buf       string
	startedAt time.Time
	ticks     int
	carry     string

	now func() time.Time // injectable clock for tests
}

// NewAssembler creates an assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg, now: time.Now}
}

// Append adds newly recognized partial text to the buffer. The first
// append opens the elapsed-time budget; any append clears the idle count.
func (a *Assembler) Append(text string) {
	if text == "" {
		return
	}
	if a.buf == "" {
		a.startedAt = a.now()
	}
	a.buf += text
	a.ticks = 0
}

// Current returns the buffered partial text.
func (a *Assembler) Current() string {
	return a.buf
}

// Tick records one silence tick (a chunk that produced no text while the
// buffer is non-empty).
func (a *Assembler) Tick() {
	if a.buf != "" {
		a.ticks++
	}
}

// ShouldFinalize reports whether the buffered text is a completed
// sentence, and why.
func (a *Assembler) ShouldFinalize() (bool, string) {
	if a.buf == "" {
		return false, ""
	}
	if EndsSentence(a.buf) {
		return true, "punctuation"
	}
	if utf8.RuneCountInString(a.buf) >= a.cfg.MaxChars {
		return true, "max_chars"
	}
	if a.ticks >= a.cfg.SilenceTicks {
		return true, "silence_ticks"
	}
	if a.now().Sub(a.startedAt).Seconds() >= a.cfg.MaxWaitSec {
		return true, "max_wait"
	}
	return false, ""
}

// Flush returns the buffered text and resets the partial state.
func (a *Assembler) Flush() string {
	out := a.buf
	a.Reset()
	return out
}

// Reset clears the partial buffer, elapsed clock, and idle count. The
// carry fragment survives: it belongs to segment splitting, not to the
// in-flight partial.
func (a *Assembler) Reset() {
	a.buf = ""
	a.ticks = 0
	a.startedAt = time.Time{}
}

// SplitSegment splits one whole-segment transcription into sentences by
// terminal punctuation and the character budget. A trailing fragment
// shorter than MinSentenceChars (without terminal punctuation) is held
// back and prefixed onto the next segment's output.
func (a *Assembler) SplitSegment(text string) []string {
	text = a.carry + text
	a.carry = ""
	if strings.TrimSpace(text) == "" {
		return nil
	}

	pieces := splitSentences(text, a.cfg.MaxChars)
	if len(pieces) == 0 {
		return nil
	}

	last := pieces[len(pieces)-1]
	if !EndsSentence(last) && utf8.RuneCountInString(last) < a.cfg.MinSentenceChars {
		a.carry = last
		pieces = pieces[:len(pieces)-1]
	}
	return pieces
}

// PendingCarry returns the held-back fragment, clearing it. Called when a
// session ends so the tail is not lost.
func (a *Assembler) PendingCarry() string {
	out := a.carry
	a.carry = ""
	return out
}

// ResetAll clears partial state and the carry fragment. Used on profile
// switches.
func (a *Assembler) ResetAll() {
	a.Reset()
	a.carry = ""
}

// splitSentences cuts text at terminal punctuation, then chops any
// remaining run longer than maxChars runes.
func splitSentences(text string, maxChars int) []string {
	var out []string
	var cur []rune
	for _, r := range text {
		cur = append(cur, r)
		if strings.ContainsRune(terminalPunct, r) || (maxChars > 0 && len(cur) >= maxChars) {
			piece := strings.TrimSpace(string(cur))
			if piece != "" {
				out = append(out, piece)
			}
			cur = cur[:0]
		}
	}
	if piece := strings.TrimSpace(string(cur)); piece != "" {
		out = append(out, piece)
	}
	return out
}
