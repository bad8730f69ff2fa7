// Package events fans transcript and level events out to registered
// subscribers and optionally publishes them to Kafka.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamscribe/caption-gateway/internal/asr"
	"github.com/streamscribe/caption-gateway/internal/observability"
)

// Event kinds emitted by the pipeline.
const (
	KindPartial = "partial" // in-progress text for the current segment
	KindFinal   = "final"   // accepted completed sentence
	KindDelta   = "delta"   // newly appended suffix in delta output mode
	KindError   = "error"   // pipeline error surfaced to subscribers
	KindStatus  = "status"  // session lifecycle transitions
)

// TranscriptEvent is one unit of recognized text delivered to subscribers.
type TranscriptEvent struct {
	Kind        string     `json:"kind"`
	Text        string     `json:"text"`
	Confidence  float64    `json:"confidence,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	SessionID   string     `json:"session_id"`
	BroadcastID string     `json:"broadcast_id"`
	Final       bool       `json:"final"`
	Words       []asr.Word `json:"words,omitempty"`
}

// LevelEvent reports the loudness of one audio chunk, for VU meters.
type LevelEvent struct {
	Loudness  float64   `json:"loudness"`
	InSpeech  bool      `json:"in_speech"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// TranscriptSubscriber receives transcript events.
type TranscriptSubscriber interface {
	OnTranscript(ev TranscriptEvent)
}

// LevelSubscriber receives per-chunk loudness events.
type LevelSubscriber interface {
	OnLevel(ev LevelEvent)
}

// TranscriptFunc adapts a function to the TranscriptSubscriber interface.
type TranscriptFunc func(ev TranscriptEvent)

func (f TranscriptFunc) OnTranscript(ev TranscriptEvent) { f(ev) }

// LevelFunc adapts a function to the LevelSubscriber interface.
type LevelFunc func(ev LevelEvent)

func (f LevelFunc) OnLevel(ev LevelEvent) { f(ev) }

// Registry holds named subscribers and broadcasts events to them. A
// panicking subscriber is logged and skipped so one bad callback cannot
// take down the pipeline.
type Registry struct {
	mu          sync.RWMutex
	transcripts map[string]TranscriptSubscriber
	levels      map[string]LevelSubscriber
	log         zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		transcripts: make(map[string]TranscriptSubscriber),
		levels:      make(map[string]LevelSubscriber),
		log:         log,
	}
}

// SubscribeTranscripts registers a transcript subscriber under a name,
// replacing any previous subscriber with the same name.
func (r *Registry) SubscribeTranscripts(name string, sub TranscriptSubscriber) {
	r.mu.Lock()
	r.transcripts[name] = sub
	r.mu.Unlock()
}

// SubscribeLevels registers a loudness subscriber under a name.
func (r *Registry) SubscribeLevels(name string, sub LevelSubscriber) {
	r.mu.Lock()
	r.levels[name] = sub
	r.mu.Unlock()
}

// Unsubscribe removes the subscriber with the given name from both maps.
func (r *Registry) Unsubscribe(name string) {
	r.mu.Lock()
	delete(r.transcripts, name)
	delete(r.levels, name)
	r.mu.Unlock()
}

// TranscriptCount returns the number of transcript subscribers.
func (r *Registry) TranscriptCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transcripts)
}

// EmitTranscript delivers the event to every transcript subscriber.
func (r *Registry) EmitTranscript(ev TranscriptEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.RLock()
	subs := make(map[string]TranscriptSubscriber, len(r.transcripts))
	for name, sub := range r.transcripts {
		subs[name] = sub
	}
	r.mu.RUnlock()

	for name, sub := range subs {
		r.deliverTranscript(name, sub, ev)
	}
}

// EmitLevel delivers the loudness event to every level subscriber.
func (r *Registry) EmitLevel(ev LevelEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.RLock()
	subs := make(map[string]LevelSubscriber, len(r.levels))
	for name, sub := range r.levels {
		subs[name] = sub
	}
	r.mu.RUnlock()

	for name, sub := range subs {
		r.deliverLevel(name, sub, ev)
	}
}

func (r *Registry) deliverTranscript(name string, sub TranscriptSubscriber, ev TranscriptEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("subscriber", name).
				Interface("panic", rec).
				Msg("Transcript subscriber panicked")
		}
	}()
	sub.OnTranscript(ev)
}

func (r *Registry) deliverLevel(name string, sub LevelSubscriber, ev LevelEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("subscriber", name).
				Interface("panic", rec).
				Msg("Level subscriber panicked")
		}
	}()
	sub.OnLevel(ev)
}

// QueuedTranscripts wraps a subscriber with a bounded queue drained by a
// background goroutine. When the queue is full new events are dropped so
// a slow consumer cannot stall the pipeline.
type QueuedTranscripts struct {
	name string
	ch   chan TranscriptEvent
	done chan struct{}
	once sync.Once
}

// NewQueuedTranscripts starts the drain goroutine and returns the wrapper.
func NewQueuedTranscripts(name string, size int, sub TranscriptSubscriber) *QueuedTranscripts {
	q := &QueuedTranscripts{
		name: name,
		ch:   make(chan TranscriptEvent, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for ev := range q.ch {
			sub.OnTranscript(ev)
		}
	}()
	return q
}

// OnTranscript enqueues the event, dropping it when the queue is full.
func (q *QueuedTranscripts) OnTranscript(ev TranscriptEvent) {
	select {
	case q.ch <- ev:
	default:
		observability.RecordSubscriberDrop(q.name)
	}
}

// Close stops the drain goroutine after the queue empties.
func (q *QueuedTranscripts) Close() {
	q.once.Do(func() { close(q.ch) })
	<-q.done
}
