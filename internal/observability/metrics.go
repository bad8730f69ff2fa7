package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caption_gateway_active_sessions",
		Help: "Number of active capture sessions (0 or 1)",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_sessions_total",
		Help: "Total number of capture sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caption_gateway_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	// Pipeline metrics
	chunksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_chunks_total",
		Help: "Total number of PCM chunks read from the capture process",
	})

	segmentsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_segments_total",
		Help: "Total number of speech segments finalized by the segmenter",
	})

	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_transcriptions_total",
		Help: "Total number of ASR transcription calls",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caption_gateway_transcription_latency_seconds",
		Help:    "ASR transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	suppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_suppressed_total",
		Help: "Sentences dropped by postprocessing",
	}, []string{"stage"}) // stage: "guard" or "dedup"

	// Fan-out metrics
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_events_total",
		Help: "Transcript events emitted to subscribers",
	}, []string{"kind"})

	subscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_subscriber_drops_total",
		Help: "Events dropped because a subscriber queue was full",
	}, []string{"subscriber"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "caption_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	breakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_audio_bytes_total",
		Help: "Total PCM bytes read from the capture process",
	})
)

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	asrStart  time.Time
	mu        sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordChunk records one chunk read from the capture process
func (m *SessionMetrics) RecordChunk(bytes int) {
	chunksProcessed.Inc()
	audioBytesRead.Add(float64(bytes))
}

// RecordSegment records a finalized speech segment
func (m *SessionMetrics) RecordSegment() {
	segmentsFinalized.Inc()
}

// RecordASRStart records the start of one transcription call
func (m *SessionMetrics) RecordASRStart() {
	m.mu.Lock()
	m.asrStart = time.Now()
	m.mu.Unlock()
}

// RecordASREnd records the end of one transcription call
func (m *SessionMetrics) RecordASREnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.asrStart.IsZero() {
		transcriptionLatency.Observe(time.Since(m.asrStart).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	transcriptions.WithLabelValues(status).Inc()
}

// RecordSuppressed records a sentence dropped by a postprocessing stage
func (m *SessionMetrics) RecordSuppressed(stage string) {
	suppressed.WithLabelValues(stage).Inc()
}

// RecordEvent records an emitted transcript event
func (m *SessionMetrics) RecordEvent(kind string) {
	eventsEmitted.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordError records an error outside any session scope
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordSubscriberDrop records an event dropped at a full subscriber queue
func RecordSubscriberDrop(subscriber string) {
	subscriberDrops.WithLabelValues(subscriber).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	breakerFailures.WithLabelValues(service).Inc()
}
