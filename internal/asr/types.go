package asr

import "context"

// Word carries word-level timing when the backend provides it.
type Word struct {
	Text       string  `json:"text"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result is one recognition outcome for a PCM buffer.
type Result struct {
	Text       string
	Confidence float64
	Words      []Word
}

// Engine is the speech recognition collaborator. Implementations accept a
// raw mono 16 kHz PCM16LE buffer and must be callable repeatedly without
// shared mutable state leaking between calls.
type Engine interface {
	// Transcribe recognizes one audio buffer.
	Transcribe(ctx context.Context, pcm []byte) (*Result, error)
	// Close releases underlying resources.
	Close() error
}

// Identity names one engine configuration. The lifecycle manager tears
// down and reinitializes the loaded engine when the identity changes.
type Identity struct {
	Provider string
	Model    string
	Language string
}

func (id Identity) String() string {
	return id.Provider + "/" + id.Model + "/" + id.Language
}
