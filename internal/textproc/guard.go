package textproc

import "unicode/utf8"

// GuardConfig holds the hallucination guard floors. Loudness is normalized
// RMS in [0,1].
type GuardConfig struct {
	ConfidenceFloor float64
	LoudnessFloor   float64
	MinChars        int
}

// GuardVerdict explains why a candidate was dropped.
type GuardVerdict struct {
	Drop   bool
	Reason string
}

// Guard decides whether a recognized candidate is noise or an ASR
// hallucination. The policy is deliberate and explicit:
//
//   - text shorter than MinChars runes is always dropped, whatever the
//     scores say (near-empty output from quiet segments is the classic
//     hallucination shape);
//   - otherwise a candidate is dropped only when BOTH the confidence and
//     the segment loudness are below their floors. Either signal alone may
//     legitimately be low (quiet speakers, uncertain but real speech), so
//     only the combination condemns the text.
func Guard(text string, confidence, loudness float64, cfg GuardConfig) GuardVerdict {
	if utf8.RuneCountInString(text) < cfg.MinChars {
		return GuardVerdict{Drop: true, Reason: "too_short"}
	}
	if confidence < cfg.ConfidenceFloor && loudness < cfg.LoudnessFloor {
		return GuardVerdict{Drop: true, Reason: "low_confidence_low_loudness"}
	}
	return GuardVerdict{}
}
