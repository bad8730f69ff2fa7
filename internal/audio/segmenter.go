package audio

import "bytes"

// SegmenterConfig holds the voice-activity thresholds. Loudness values are
// normalized RMS in [0,1]; durations are in seconds.
type SegmenterConfig struct {
	SpeechRMS     float64 // minimum loudness for a chunk to count as speech
	MinSpeechSec  float64 // sustained speech required to enter a segment
	MinSilenceSec float64 // sustained silence required to leave a segment
	HangoverSec   float64 // extra post-silence window still buffered into the segment
	ChunkSec      float64 // duration of one pushed chunk
}

// SegState is the segmenter's state.
type SegState int

const (
	StateSilence SegState = iota
	StateSpeech
)

// Segmenter turns a sequence of fixed-size PCM chunks into variable-length
// speech segments. It owns the in-flight segment buffer exclusively; the
// buffer is handed off atomically when a segment finalizes.
//
// Entry into Speech is debounced: loudness must stay at or above the
// threshold for a cumulative MinSpeechSec before a segment opens, so brief
// spikes never open one. Chunks observed during the debounce window are
// buffered, so the finalized segment contains the utterance from its first
// loud chunk. While in Speech every chunk is buffered, speech or not; the
// segment closes once cumulative silence since the last speech chunk
// reaches MinSilenceSec plus the hangover window. Sustained silence while
// in SilenceState produces no output at all.
type Segmenter struct {
	cfg SegmenterConfig

	state      SegState
	speechSec  float64
	silenceSec float64
	buf        bytes.Buffer
}

// NewSegmenter creates a segmenter in the Silence state.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Push feeds one chunk with its precomputed loudness. When the chunk closes
// a segment, Push returns the accumulated PCM and true; the returned slice
// is owned by the caller and all internal accumulators are reset.
func (s *Segmenter) Push(chunk []byte, loudness float64) ([]byte, bool) {
	isSpeech := loudness >= s.cfg.SpeechRMS

	switch s.state {
	case StateSilence:
		if isSpeech {
			s.buf.Write(chunk)
			s.speechSec += s.cfg.ChunkSec
			if s.speechSec >= s.cfg.MinSpeechSec {
				s.state = StateSpeech
				s.silenceSec = 0
			}
		} else {
			// A spike shorter than the debounce window is discarded.
			s.speechSec = 0
			s.buf.Reset()
		}

	case StateSpeech:
		s.buf.Write(chunk)
		if isSpeech {
			s.silenceSec = 0
		} else {
			s.silenceSec += s.cfg.ChunkSec
			if s.silenceSec >= s.cfg.MinSilenceSec+s.cfg.HangoverSec {
				segment := make([]byte, s.buf.Len())
				copy(segment, s.buf.Bytes())
				s.Reset()
				return segment, true
			}
		}
	}

	return nil, false
}

// InSpeech reports whether a segment is currently open.
func (s *Segmenter) InSpeech() bool {
	return s.state == StateSpeech
}

// Buffered returns a copy of the in-flight segment buffer. Used by delta
// mode to transcribe the open segment without disturbing ownership.
func (s *Segmenter) Buffered() []byte {
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// BufferedSec returns the duration of audio currently buffered.
func (s *Segmenter) BufferedSec() float64 {
	samples := s.buf.Len() / 2
	return float64(samples) / 16000.0
}

// Reset clears all accumulators and returns to the Silence state. Called on
// finalize and on profile switches.
func (s *Segmenter) Reset() {
	s.state = StateSilence
	s.speechSec = 0
	s.silenceSec = 0
	s.buf.Reset()
}
