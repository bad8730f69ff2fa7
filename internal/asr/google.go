package asr

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// GoogleEngine transcribes PCM buffers through Google Cloud Speech-to-Text
// synchronous recognition. Requires GOOGLE_APPLICATION_CREDENTIALS.
type GoogleEngine struct {
	client   *speech.Client
	language string
}

// NewGoogleEngine creates a Google Speech-backed engine.
func NewGoogleEngine(ctx context.Context, language string) (*GoogleEngine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create google speech client: %w", err)
	}
	return &GoogleEngine{client: c, language: language}, nil
}

// Transcribe recognizes one PCM16LE 16 kHz mono buffer.
func (g *GoogleEngine) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty audio buffer")
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:              speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:       16000,
			AudioChannelCount:     1,
			LanguageCode:          g.language,
			EnableWordTimeOffsets: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google speech request failed: %w", err)
	}

	out := &Result{}
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if out.Text != "" {
			out.Text += " "
		}
		out.Text += alt.Transcript
		// Recognize may return several results; keep the lowest confidence
		// as the buffer-level score so the guard errs toward dropping.
		if out.Confidence == 0 || float64(alt.Confidence) < out.Confidence {
			out.Confidence = float64(alt.Confidence)
		}
		for _, w := range alt.Words {
			out.Words = append(out.Words, Word{
				Text:     w.Word,
				StartSec: w.StartTime.AsDuration().Seconds(),
				EndSec:   w.EndTime.AsDuration().Seconds(),
			})
		}
	}
	return out, nil
}

// Close releases the underlying gRPC connection.
func (g *GoogleEngine) Close() error {
	return g.client.Close()
}
