package textproc

import (
	"regexp"
	"strings"
)

// Recognition artifacts some ASR backends leak into transcripts:
// bracketed tags for non-speech audio and musical note glyphs.
var (
	artifactTag  = regexp.MustCompile(`(?i)[\[(（【](?:blank[_ ]?audio|music|applause|laughter|noise|inaudible|silence|音乐|掌声|笑声|噪音)[\])）】]`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	ellipsisRun  = regexp.MustCompile(`\.{3,}`)
	noteGlyphs   = strings.NewReplacer("♪", "", "♫", "", "♬", "", "♩", "", "�", "")
	widePunct    = strings.NewReplacer("！", "!", "？", "?", "；", ";", "：", ":")
	repeatTermRe = regexp.MustCompile(`([!?~。.,，、]){2,}`)
)

// Normalize strips ASR artifacts from raw recognized text: bracketed
// non-speech tags, stray note glyphs, whitespace runs, and repeated or
// full-width terminal punctuation. Deterministic and side-effect free.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = artifactTag.ReplaceAllString(text, "")
	text = noteGlyphs.Replace(text)
	text = widePunct.Replace(text)
	text = ellipsisRun.ReplaceAllString(text, "…")
	text = repeatTermRe.ReplaceAllString(text, "$1")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// terminalPunct covers sentence-ending punctuation in both ASCII and CJK.
const terminalPunct = ".!?。！？…"

// EndsSentence reports whether the text ends with terminal punctuation.
func EndsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	runes := []rune(t)
	return strings.ContainsRune(terminalPunct, runes[len(runes)-1])
}
