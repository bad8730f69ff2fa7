// Package pipeline orchestrates one live capture session: PCM chunks from
// the capture process through voice-activity segmentation, speech
// recognition, and text postprocessing, out to event subscribers and the
// transcript store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamscribe/caption-gateway/internal/asr"
	"github.com/streamscribe/caption-gateway/internal/audio"
	"github.com/streamscribe/caption-gateway/internal/capture"
	"github.com/streamscribe/caption-gateway/internal/config"
	"github.com/streamscribe/caption-gateway/internal/events"
	"github.com/streamscribe/caption-gateway/internal/observability"
	"github.com/streamscribe/caption-gateway/internal/persist"
	"github.com/streamscribe/caption-gateway/internal/textproc"
)

// ErrSessionActive is returned by Start while a capture session is
// already running. Only one broadcast is captured at a time.
var ErrSessionActive = errors.New("a capture session is already active")

// Output modes.
const (
	ModeSegment = "segment" // emit finalized sentences per speech segment
	ModeDelta   = "delta"   // additionally emit incremental text while a segment is open
)

// Error kinds attached to error events and error metrics.
const (
	errKindNotLive      = "not_live"
	errKindUnresolvable = "unresolvable"
	errKindCapture      = "capture_failed"
	errKindStream       = "stream_ended"
	errKindEngine       = "engine_init_failed"
	errKindASR          = "asr_failed"
)

// StartRequest describes one capture session. Zero-value fields fall back
// to the configured defaults.
type StartRequest struct {
	Ref        string            `json:"ref"`
	Profile    string            `json:"profile,omitempty"`
	OutputMode string            `json:"output_mode,omitempty"`
	Overrides  *config.Overrides `json:"overrides,omitempty"`
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	Running     bool      `json:"running"`
	SessionID   string    `json:"session_id,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	OutputMode  string    `json:"output_mode,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UptimeSec   float64   `json:"uptime_sec,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Engine      string    `json:"engine,omitempty"`

	ChunksRead           int64   `json:"chunks_read"`
	Segments             int64   `json:"segments"`
	Sentences            int64   `json:"sentences"`
	TranscriptionsOK     int64   `json:"transcriptions_ok"`
	TranscriptionsFailed int64   `json:"transcriptions_failed"`
	SuppressedGuard      int64   `json:"suppressed_guard"`
	SuppressedDedup      int64   `json:"suppressed_dedup"`
	AvgConfidence        float64 `json:"avg_confidence"`
	LastText             string  `json:"last_text,omitempty"`
}

// Service owns the single capture session and its collaborators.
type Service struct {
	cfg      *config.Config
	capture  *capture.Manager
	engines  *asr.Manager
	registry *events.Registry
	hotwords *textproc.Corrector
	log      zerolog.Logger

	mu   sync.Mutex
	sess *session

	// The transcript writer can be toggled at runtime, so it lives behind
	// its own mutex instead of s.mu.
	wmu         sync.Mutex
	writer      *persist.Writer // nil when persistence is off or between sessions
	persistOn   bool
	persistRoot string
}

// NewService wires the pipeline together. writer may be nil.
func NewService(
	cfg *config.Config,
	captureMgr *capture.Manager,
	engines *asr.Manager,
	registry *events.Registry,
	hotwords *textproc.Corrector,
	writer *persist.Writer,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		capture:     captureMgr,
		engines:     engines,
		registry:    registry,
		hotwords:    hotwords,
		writer:      writer,
		persistOn:   cfg.PersistEnabled || writer != nil,
		persistRoot: cfg.PersistRoot,
		log:         log,
	}
}

// Start resolves the broadcast, loads the recognition engine, spawns the
// capture process, and launches the processing loop. Exactly one session
// runs at a time.
func (s *Service) Start(ctx context.Context, req StartRequest) (Status, error) {
	s.mu.Lock()
	if s.sess != nil {
		st := s.statusLocked()
		s.mu.Unlock()
		return st, ErrSessionActive
	}
	s.mu.Unlock()

	profileName := req.Profile
	if profileName == "" {
		profileName = s.cfg.DefaultProfile
	}
	prof, err := config.ProfileByName(profileName)
	if err != nil {
		return Status{}, err
	}
	prof, err = prof.Apply(req.Overrides)
	if err != nil {
		return Status{}, err
	}

	mode := req.OutputMode
	if mode == "" {
		mode = s.cfg.OutputMode
	}
	if mode != ModeSegment && mode != ModeDelta {
		return Status{}, fmt.Errorf("unknown output mode %q", mode)
	}

	engine, err := s.engines.Ensure(ctx, s.EngineIdentity())
	if err != nil {
		s.emitError(errKindEngine, "", "", err)
		return Status{}, err
	}

	stream, res, err := s.capture.Start(ctx, req.Ref)
	if err != nil {
		s.emitError(s.classifyStartError(err), "", "", err)
		return Status{}, err
	}

	sessionID := observability.NewSessionID()
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:          sessionID,
		broadcastID: res.BroadcastID,
		outputMode:  mode,
		startedAt:   time.Now(),
		stream:      stream,
		engine:      engine,
		metrics:     observability.NewSessionMetrics(sessionID),
		log:         observability.WithSession(sessionID, res.BroadcastID),
		cancel:      cancel,
		done:        make(chan struct{}),
		profile:     prof,
		segmenter: audio.NewSegmenter(audio.SegmenterConfig{
			SpeechRMS:     prof.SpeechRMS,
			MinSpeechSec:  prof.MinSpeechSec,
			MinSilenceSec: prof.MinSilenceSec,
			HangoverSec:   prof.HangoverSec,
			ChunkSec:      prof.ChunkSec,
		}),
		assembler: textproc.NewAssembler(textproc.AssemblerConfig{
			MaxWaitSec:       prof.MaxWaitSec,
			MaxChars:         prof.MaxChars,
			SilenceTicks:     prof.SilenceTicks,
			MinSentenceChars: prof.MinSentenceChars,
		}),
		suppressor: textproc.NewSuppressor(),
	}

	// Re-check under the lock: a concurrent Start may have won the race
	// while the capture process was being spawned.
	s.mu.Lock()
	if s.sess != nil {
		st := s.statusLocked()
		s.mu.Unlock()
		cancel()
		if stopErr := stream.Stop(); stopErr != nil {
			s.log.Warn().Err(stopErr).Msg("Error stopping redundant capture process")
		}
		return st, ErrSessionActive
	}
	s.sess = sess
	s.mu.Unlock()

	s.ensureWriter()

	sess.metrics.RecordSessionStart()
	sess.log.Info().
		Str("profile", prof.Name).
		Str("output_mode", mode).
		Int("pid", stream.PID()).
		Msg("Capture session started")

	s.registry.EmitTranscript(events.TranscriptEvent{
		Kind:        events.KindStatus,
		Text:        "started",
		SessionID:   sessionID,
		BroadcastID: res.BroadcastID,
	})

	go sess.run(runCtx, s)

	return s.Status(), nil
}

// Stop tears the session down: cancel the loop, stop the capture process,
// wait for the loop to drain, flush pending text, and close the
// transcript writer. A no-op when idle.
func (s *Service) Stop() error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil {
		s.closeWriter()
		return nil
	}

	sess.cancel()
	if err := sess.stream.Stop(); err != nil {
		sess.log.Warn().Err(err).Msg("Error stopping capture process")
	}
	<-sess.done

	s.clearSession(sess)
	return nil
}

// clearSession detaches the session if it is still the active one. The
// run loop calls this when the stream ends on its own.
func (s *Service) clearSession(sess *session) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
}

// Status returns a snapshot of the service and any active session.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	st := Status{}
	if id, ok := s.engines.Loaded(); ok {
		st.Engine = id.String()
	}
	if s.sess == nil {
		return st
	}
	sess := s.sess

	sess.mu.Lock()
	defer sess.mu.Unlock()

	st.Running = true
	st.SessionID = sess.id
	st.BroadcastID = sess.broadcastID
	st.Profile = sess.profile.Name
	st.OutputMode = sess.outputMode
	st.StartedAt = sess.startedAt
	st.UptimeSec = time.Since(sess.startedAt).Seconds()
	st.PID = sess.stream.PID()
	st.ChunksRead = sess.stats.chunks
	st.Segments = sess.stats.segments
	st.Sentences = sess.stats.sentences
	st.TranscriptionsOK = sess.stats.transcriptionsOK
	st.TranscriptionsFailed = sess.stats.transcriptionsFailed
	st.SuppressedGuard = sess.stats.suppressedGuard
	st.SuppressedDedup = sess.stats.suppressedDedup
	st.LastText = sess.stats.lastText
	if sess.stats.confidenceN > 0 {
		st.AvgConfidence = sess.stats.confidenceSum / float64(sess.stats.confidenceN)
	}
	return st
}

// SetProfile switches the active profile. With a session running the
// segmenter and assembler are rebuilt and all transient buffers cleared;
// otherwise the new name becomes the default for the next session.
func (s *Service) SetProfile(name string) error {
	prof, err := config.ProfileByName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		s.cfg.DefaultProfile = name
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sess.swapProfile(prof)
	sess.log.Info().Str("profile", name).Msg("Profile switched")
	return nil
}

// AdvancedSettings carries runtime tuning for the advanced endpoint:
// profile threshold overrides plus the transcript persistence toggle.
type AdvancedSettings struct {
	config.Overrides
	PersistEnabled *bool  `json:"persist_enabled,omitempty"`
	PersistRoot    string `json:"persist_root,omitempty"`
}

// SetAdvanced applies threshold overrides to the active profile and
// toggles transcript persistence. With a session running the pipeline is
// rebuilt around the new thresholds and the writer switches immediately.
func (s *Service) SetAdvanced(req *AdvancedSettings) error {
	if req == nil {
		return nil
	}
	if err := s.applyThresholds(&req.Overrides); err != nil {
		return err
	}
	if req.PersistEnabled != nil {
		s.setPersistence(*req.PersistEnabled, req.PersistRoot)
	}
	return nil
}

func (s *Service) applyThresholds(o *config.Overrides) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil {
		base, err := config.ProfileByName(s.cfg.DefaultProfile)
		if err != nil {
			return err
		}
		_, err = base.Apply(o)
		return err // validate only; applied at next Start via request overrides
	}

	sess.mu.Lock()
	base := sess.profile
	sess.mu.Unlock()

	prof, err := base.Apply(o)
	if err != nil {
		return err
	}
	sess.swapProfile(prof)
	sess.log.Info().Msg("Advanced thresholds applied")
	return nil
}

// setPersistence switches the transcript writer on or off at runtime.
// Disabling closes the current writer; enabling opens one immediately so
// an active session starts persisting without a restart.
func (s *Service) setPersistence(enabled bool, root string) {
	s.wmu.Lock()
	s.persistOn = enabled
	if root != "" {
		s.persistRoot = root
	}
	if !enabled {
		w := s.writer
		s.writer = nil
		s.wmu.Unlock()
		if w != nil {
			if err := w.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Error closing transcript writer")
			}
		}
		s.log.Info().Msg("Transcript persistence disabled")
		return
	}
	if s.writer == nil {
		s.writer = persist.NewWriter(s.persistRoot, s.log)
	}
	dir := s.persistRoot
	s.wmu.Unlock()
	s.log.Info().Str("root", dir).Msg("Transcript persistence enabled")
}

// ensureWriter opens the transcript writer for a new session when
// persistence is enabled.
func (s *Service) ensureWriter() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.persistOn && s.writer == nil {
		s.writer = persist.NewWriter(s.persistRoot, s.log)
	}
}

// closeWriter closes and detaches the transcript writer. The enabled
// flag survives, so the next session reopens it.
func (s *Service) closeWriter() {
	s.wmu.Lock()
	w := s.writer
	s.writer = nil
	s.wmu.Unlock()
	if w == nil {
		return
	}
	if err := w.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Error closing transcript writer")
	}
}

// appendRecord persists one transcript record if a writer is attached.
func (s *Service) appendRecord(rec persist.Record) {
	s.wmu.Lock()
	w := s.writer
	s.wmu.Unlock()
	if w != nil {
		w.Append(rec)
	}
}

// EngineIdentity returns the configured recognition engine identity.
func (s *Service) EngineIdentity() asr.Identity {
	return asr.Identity{
		Provider: s.cfg.ASRProvider,
		Model:    s.cfg.ASRModel,
		Language: s.cfg.ASRLanguage,
	}
}

// Preload warm-loads an engine for the given model in the background.
// An empty model preloads the configured one.
func (s *Service) Preload(ctx context.Context, model string) {
	id := s.EngineIdentity()
	if model != "" {
		id.Model = model
	}
	s.engines.Preload(ctx, id)
}

// BusyModels lists models currently preloading.
func (s *Service) BusyModels() []string {
	return s.engines.Busy()
}

// ModelCacheStatus reports local model artifacts on disk.
func (s *Service) ModelCacheStatus() asr.CacheStatus {
	return s.engines.CacheStatus()
}

// Hotwords returns the current correction rules.
func (s *Service) Hotwords() textproc.HotwordRules {
	return s.hotwords.Rules()
}

// SetHotwords replaces the correction rules and persists them.
func (s *Service) SetHotwords(rules textproc.HotwordRules) error {
	s.hotwords.Replace(rules)
	return s.hotwords.Save()
}

// ResetHotwords clears the correction rules and their side file.
func (s *Service) ResetHotwords() error {
	return s.hotwords.Reset()
}

func (s *Service) classifyStartError(err error) string {
	switch {
	case errors.Is(err, capture.ErrNotLive):
		return errKindNotLive
	case errors.Is(err, capture.ErrUnresolvable):
		return errKindUnresolvable
	default:
		return errKindCapture
	}
}

// emitError surfaces a pipeline error to subscribers and the error
// counter.
func (s *Service) emitError(kind, sessionID, broadcastID string, err error) {
	s.log.Error().Err(err).Str("kind", kind).Msg("Pipeline error")
	observability.RecordError(kind, "pipeline")
	s.registry.EmitTranscript(events.TranscriptEvent{
		Kind:        events.KindError,
		Text:        kind + ": " + err.Error(),
		SessionID:   sessionID,
		BroadcastID: broadcastID,
	})
}
