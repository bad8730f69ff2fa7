package config

import "fmt"

// Profile groups every timing-sensitive pipeline threshold so a single
// switch changes all of them atomically. Switching profiles mid-session
// clears all transient buffers (segmenter, assembler, partial text).
type Profile struct {
	Name string

	// Chunking
	ChunkSec float64 // duration of one PCM chunk read from the capture process

	// Voice-activity thresholds (loudness is normalized RMS, 0..1)
	SpeechRMS     float64 // minimum loudness for a chunk to count as speech
	MinSpeechSec  float64 // sustained speech required to enter a segment
	MinSilenceSec float64 // sustained silence required to finalize a segment
	HangoverSec   float64 // extra post-silence window still buffered into the segment

	// Sentence assembler thresholds
	MaxWaitSec       float64 // elapsed-time budget before a forced flush
	MaxChars         int     // character budget before a forced flush
	SilenceTicks     int     // idle ticks before a forced flush
	MinSentenceChars int     // sentences shorter than this are carried over, not emitted

	// Delta mode: how much new audio accumulates before an in-flight
	// transcription of the open segment.
	PartialIntervalSec float64
}

// Built-in profiles. "fast" favors latency, "stable" favors fewer,
// cleaner sentences.
var profiles = map[string]Profile{
	"fast": {
		Name:               "fast",
		ChunkSec:           0.4,
		SpeechRMS:          0.018,
		MinSpeechSec:       0.3,
		MinSilenceSec:      0.5,
		HangoverSec:        0.1,
		MaxWaitSec:         2.0,
		MaxChars:           40,
		SilenceTicks:       2,
		MinSentenceChars:   4,
		PartialIntervalSec: 0.8,
	},
	"stable": {
		Name:               "stable",
		ChunkSec:           0.6,
		SpeechRMS:          0.018,
		MinSpeechSec:       0.5,
		MinSilenceSec:      0.8,
		HangoverSec:        0.2,
		MaxWaitSec:         4.0,
		MaxChars:           80,
		SilenceTicks:       3,
		MinSentenceChars:   6,
		PartialIntervalSec: 1.2,
	},
}

// ProfileByName returns a copy of the named profile.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (want fast or stable)", name)
	}
	return p, nil
}

// ProfileNames lists the available profile names.
func ProfileNames() []string {
	return []string{"fast", "stable"}
}

// ChunkBytes returns the size in bytes of one chunk of mono 16 kHz
// 16-bit PCM at the profile's chunk duration.
func (p Profile) ChunkBytes() int {
	n := int(p.ChunkSec * 16000)
	return n * 2
}

// Validate rejects threshold combinations that can never segment.
func (p Profile) Validate() error {
	if p.ChunkSec <= 0 {
		return fmt.Errorf("profile %s: chunk duration must be positive", p.Name)
	}
	if p.SpeechRMS <= 0 || p.SpeechRMS >= 1 {
		return fmt.Errorf("profile %s: speech threshold must be in (0,1)", p.Name)
	}
	if p.MinSpeechSec < 0 || p.MinSilenceSec <= 0 {
		return fmt.Errorf("profile %s: speech/silence durations must be positive", p.Name)
	}
	if p.HangoverSec < 0 {
		return fmt.Errorf("profile %s: hangover must not be negative", p.Name)
	}
	if p.MaxChars <= 0 || p.SilenceTicks <= 0 || p.MaxWaitSec <= 0 {
		return fmt.Errorf("profile %s: assembler budgets must be positive", p.Name)
	}
	return nil
}

// Overrides carries optional per-start threshold replacements. Nil fields
// keep the profile value.
type Overrides struct {
	SpeechRMS     *float64 `json:"speech_rms,omitempty"`
	MinSpeechSec  *float64 `json:"min_speech_sec,omitempty"`
	MinSilenceSec *float64 `json:"min_silence_sec,omitempty"`
	HangoverSec   *float64 `json:"hangover_sec,omitempty"`
	MaxWaitSec    *float64 `json:"max_wait_sec,omitempty"`
	MaxChars      *int     `json:"max_chars,omitempty"`
	SilenceTicks  *int     `json:"silence_ticks,omitempty"`
}

// Apply returns the profile with any overrides applied, re-validated.
func (p Profile) Apply(o *Overrides) (Profile, error) {
	if o == nil {
		return p, nil
	}
	if o.SpeechRMS != nil {
		p.SpeechRMS = *o.SpeechRMS
	}
	if o.MinSpeechSec != nil {
		p.MinSpeechSec = *o.MinSpeechSec
	}
	if o.MinSilenceSec != nil {
		p.MinSilenceSec = *o.MinSilenceSec
	}
	if o.HangoverSec != nil {
		p.HangoverSec = *o.HangoverSec
	}
	if o.MaxWaitSec != nil {
		p.MaxWaitSec = *o.MaxWaitSec
	}
	if o.MaxChars != nil {
		p.MaxChars = *o.MaxChars
	}
	if o.SilenceTicks != nil {
		p.SilenceTicks = *o.SilenceTicks
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
