package asr

import (
	"bytes"
	"context"
	"fmt"
	"time"

	listenv1rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/streamscribe/caption-gateway/internal/observability"
	"github.com/streamscribe/caption-gateway/internal/resilience"
)

// DeepgramEngine transcribes PCM buffers through Deepgram's prerecorded
// REST API. Each Transcribe call is independent; the engine holds no
// per-call state beyond the shared HTTP client.
type DeepgramEngine struct {
	api      *listenv1rest.Client
	model    string
	language string
	timeout  time.Duration
	breaker  *resilience.Breaker
	retry    *resilience.RetryConfig
	log      zerolog.Logger
}

// DeepgramOptions configures the Deepgram engine.
type DeepgramOptions struct {
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
	Breaker  *resilience.Breaker
	Retry    *resilience.RetryConfig
	Log      zerolog.Logger
}

// NewDeepgramEngine creates a Deepgram-backed engine.
func NewDeepgramEngine(opts DeepgramOptions) (*DeepgramEngine, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is required")
	}

	c := listenClient.NewREST(opts.APIKey, &interfaces.ClientOptions{})
	if c == nil {
		return nil, fmt.Errorf("failed to create deepgram REST client")
	}

	return &DeepgramEngine{
		api:      listenv1rest.New(c),
		model:    opts.Model,
		language: opts.Language,
		timeout:  opts.Timeout,
		breaker:  opts.Breaker,
		retry:    opts.Retry,
		log:      opts.Log,
	}, nil
}

// Transcribe recognizes one PCM16LE 16 kHz mono buffer.
func (d *DeepgramEngine) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty audio buffer")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		Language:    d.language,
		Punctuate:   true,
		SmartFormat: true,
		Encoding:    "linear16",
		SampleRate:  16000,
		Channels:    1,
	}

	var result *Result
	call := func() error {
		return d.breaker.Call(func() error {
			res, err := d.api.FromStream(ctx, bytes.NewReader(pcm), options)
			if err != nil {
				return fmt.Errorf("deepgram request failed: %w", err)
			}

			if len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
				result = &Result{}
				return nil
			}

			alt := res.Results.Channels[0].Alternatives[0]
			out := &Result{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
			}
			for _, w := range alt.Words {
				out.Words = append(out.Words, Word{
					Text:       w.Word,
					StartSec:   w.Start,
					EndSec:     w.End,
					Confidence: w.Confidence,
				})
			}
			result = out
			return nil
		})
	}

	err := resilience.Retry(call, d.retry, resilience.IsTransient)
	observability.UpdateCircuitBreakerState("deepgram", int(d.breaker.State()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, err
	}
	return result, nil
}

// Close releases client resources. The REST client holds no connection
// state, so this only exists to satisfy the Engine contract.
func (d *DeepgramEngine) Close() error {
	return nil
}
