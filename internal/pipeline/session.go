package pipeline

import (
	"context"
	"io"
	"strings"
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

type sessionStats struct {
	chunks               int64
	segments             int64
	sentences            int64
	transcriptionsOK     int64
	transcriptionsFailed int64
	suppressedGuard      int64
	suppressedDedup      int64
	confidenceSum        float64
	confidenceN          int
	lastText             string
}

// session holds the per-broadcast pipeline state. The mutex guards the
// fields the control surface can swap mid-session (profile, segmenter,
// assembler, stats); the run loop owns everything else. Events are always
// emitted with the mutex released so a subscriber may call back into the
// service.
type session struct {
	id          string
	broadcastID string
	outputMode  string
	startedAt   time.Time

	stream  capture.Stream
	engine  asr.Engine
	metrics *observability.SessionMetrics
	log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	profile         config.Profile
	segmenter       *audio.Segmenter
	assembler       *textproc.Assembler
	suppressor      *textproc.Suppressor
	lastPartial     string
	sincePartialSec float64
	// Most recent recognition confidence and above-threshold chunk
	// loudness, kept so force-flushed text can be screened by the guard.
	lastConfidence     float64
	lastSpeechLoudness float64
	stats              sessionStats
}

// swapProfile rebuilds the segmenter and assembler around new thresholds
// and clears every transient buffer. Audio buffered for the open segment
// and unfinished partial text are discarded; the dedup history survives
// because it tracks what subscribers already saw.
func (sess *session) swapProfile(prof config.Profile) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.profile = prof
	sess.segmenter = audio.NewSegmenter(audio.SegmenterConfig{
		SpeechRMS:     prof.SpeechRMS,
		MinSpeechSec:  prof.MinSpeechSec,
		MinSilenceSec: prof.MinSilenceSec,
		HangoverSec:   prof.HangoverSec,
		ChunkSec:      prof.ChunkSec,
	})
	sess.assembler = textproc.NewAssembler(textproc.AssemblerConfig{
		MaxWaitSec:       prof.MaxWaitSec,
		MaxChars:         prof.MaxChars,
		SilenceTicks:     prof.SilenceTicks,
		MinSentenceChars: prof.MinSentenceChars,
	})
	sess.lastPartial = ""
	sess.sincePartialSec = 0
}

// run is the chunk loop: read, meter, segment, recognize, postprocess,
// emit. It exits when the stream ends or the context is canceled.
func (sess *session) run(ctx context.Context, svc *Service) {
	defer close(sess.done)
	defer sess.finish(svc)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sess.mu.Lock()
		chunkBytes := sess.profile.ChunkBytes()
		sess.mu.Unlock()

		chunk := make([]byte, chunkBytes)
		if _, err := io.ReadFull(sess.stream, chunk); err != nil {
			if ctx.Err() == nil {
				sess.log.Warn().Err(err).Msg("Capture stream ended")
				svc.emitError(errKindStream, sess.id, sess.broadcastID, err)
			}
			return
		}

		loudness := audio.RMSBytes(chunk)
		sess.metrics.RecordChunk(len(chunk))

		sess.mu.Lock()
		sess.stats.chunks++
		if loudness >= sess.profile.SpeechRMS {
			sess.lastSpeechLoudness = loudness
		}
		segment, finalized := sess.segmenter.Push(chunk, loudness)
		inSpeech := sess.segmenter.InSpeech()
		sess.mu.Unlock()

		svc.registry.EmitLevel(events.LevelEvent{
			Loudness:  loudness,
			InSpeech:  inSpeech,
			SessionID: sess.id,
		})

		if finalized {
			sess.handleSegment(ctx, svc, segment)
			continue
		}

		if sess.outputMode == ModeDelta {
			sess.handleOpenSegment(ctx, svc, inSpeech)
		}
	}
}

// handleSegment recognizes one finalized speech segment and emits the
// resulting sentences.
func (sess *session) handleSegment(ctx context.Context, svc *Service, pcm []byte) {
	sess.mu.Lock()
	sess.stats.segments++
	sess.mu.Unlock()
	sess.metrics.RecordSegment()

	res, err := sess.transcribe(ctx, svc, pcm)
	if err != nil {
		if ctx.Err() == nil {
			svc.emitError(errKindASR, sess.id, sess.broadcastID, err)
		}
		return
	}

	text := svc.hotwords.Apply(textproc.Normalize(res.Text))
	loudness := audio.RMSBytes(pcm)

	sess.mu.Lock()

	if sess.outputMode == ModeDelta && sess.lastPartial != "" {
		// Close out the open segment: only the portion not yet delivered
		// as deltas enters the assembler.
		delta := textproc.ComputeDelta(sess.lastPartial, text)
		sess.assembler.Append(delta)
		text = sess.assembler.Flush()
		sess.lastPartial = ""
		sess.sincePartialSec = 0
	}

	if strings.TrimSpace(text) == "" {
		sess.mu.Unlock()
		return
	}

	verdict := textproc.Guard(text, res.Confidence, loudness, svc.guardConfig())
	if verdict.Drop {
		sess.stats.suppressedGuard++
		sess.mu.Unlock()
		sess.metrics.RecordSuppressed("guard")
		sess.log.Debug().
			Str("reason", verdict.Reason).
			Str("text", text).
			Msg("Segment dropped by guard")
		return
	}

	var accepted []string
	for _, sentence := range sess.assembler.SplitSegment(text) {
		if sess.acceptSentenceLocked(sentence, res.Confidence) {
			accepted = append(accepted, sentence)
		}
	}
	sess.mu.Unlock()

	for _, sentence := range accepted {
		sess.emitFinal(svc, sentence, res.Confidence, res.Words)
	}
}

// handleOpenSegment periodically recognizes the open segment's buffered
// audio in delta mode, emitting incremental text as it grows.
func (sess *session) handleOpenSegment(ctx context.Context, svc *Service, inSpeech bool) {
	sess.mu.Lock()
	if !inSpeech {
		// A silence tick may force a sentence flush out of the assembler.
		sess.assembler.Tick()
		flushed, ok := sess.flushIfReadyLocked(svc)
		conf := sess.lastConfidence
		sess.mu.Unlock()
		if ok {
			sess.emitFinal(svc, flushed, conf, nil)
		}
		return
	}

	sess.sincePartialSec += sess.profile.ChunkSec
	if sess.sincePartialSec < sess.profile.PartialIntervalSec {
		sess.mu.Unlock()
		return
	}
	sess.sincePartialSec = 0
	buffered := sess.segmenter.Buffered()
	prev := sess.lastPartial
	sess.mu.Unlock()

	if len(buffered) == 0 {
		return
	}

	res, err := sess.transcribe(ctx, svc, buffered)
	if err != nil {
		if ctx.Err() == nil {
			svc.emitError(errKindASR, sess.id, sess.broadcastID, err)
		}
		return
	}

	text := svc.hotwords.Apply(textproc.Normalize(res.Text))
	if text == "" {
		return
	}
	delta := textproc.ComputeDelta(prev, text)

	sess.mu.Lock()
	sess.lastPartial = text
	sess.lastConfidence = res.Confidence
	if delta != "" {
		sess.assembler.Append(delta)
	}
	flushed, ok := sess.flushIfReadyLocked(svc)
	sess.mu.Unlock()

	if delta != "" {
		sess.metrics.RecordEvent(events.KindDelta)
		svc.registry.EmitTranscript(events.TranscriptEvent{
			Kind:        events.KindDelta,
			Text:        delta,
			Confidence:  res.Confidence,
			SessionID:   sess.id,
			BroadcastID: sess.broadcastID,
		})
	}
	sess.metrics.RecordEvent(events.KindPartial)
	svc.registry.EmitTranscript(events.TranscriptEvent{
		Kind:        events.KindPartial,
		Text:        text,
		Confidence:  res.Confidence,
		SessionID:   sess.id,
		BroadcastID: sess.broadcastID,
	})

	if ok {
		sess.emitFinal(svc, flushed, res.Confidence, nil)
	}
}

// flushIfReadyLocked flushes the assembler when one of its completion
// budgets fires. The flushed text still passes through the guard, using
// the latest recognition confidence and speech-chunk loudness, and
// through dedup. Caller holds sess.mu.
func (sess *session) flushIfReadyLocked(svc *Service) (string, bool) {
	ok, reason := sess.assembler.ShouldFinalize()
	if !ok {
		return "", false
	}
	flushed := sess.assembler.Flush()
	verdict := textproc.Guard(flushed, sess.lastConfidence, sess.lastSpeechLoudness, svc.guardConfig())
	if verdict.Drop {
		sess.stats.suppressedGuard++
		sess.metrics.RecordSuppressed("guard")
		sess.log.Debug().
			Str("reason", verdict.Reason).
			Str("text", flushed).
			Msg("Flushed text dropped by guard")
		return "", false
	}
	if !sess.acceptSentenceLocked(flushed, sess.lastConfidence) {
		return "", false
	}
	sess.log.Debug().Str("reason", reason).Msg("Partial buffer force-flushed")
	return flushed, true
}

// acceptSentenceLocked runs one completed sentence through dedup and
// updates the session counters. Caller holds sess.mu.
func (sess *session) acceptSentenceLocked(text string, confidence float64) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if !sess.suppressor.Accept(text) {
		sess.stats.suppressedDedup++
		sess.metrics.RecordSuppressed("dedup")
		sess.log.Debug().Str("text", text).Msg("Sentence suppressed as repeat")
		return false
	}
	sess.stats.sentences++
	sess.stats.lastText = text
	if confidence > 0 {
		sess.stats.confidenceSum += confidence
		sess.stats.confidenceN++
	}
	return true
}

// emitFinal delivers one accepted sentence to subscribers and the
// transcript store. The sentence must already have passed
// acceptSentenceLocked.
func (sess *session) emitFinal(svc *Service, text string, confidence float64, words []asr.Word) {
	sess.metrics.RecordEvent(events.KindFinal)
	svc.registry.EmitTranscript(events.TranscriptEvent{
		Kind:        events.KindFinal,
		Text:        text,
		Confidence:  confidence,
		SessionID:   sess.id,
		BroadcastID: sess.broadcastID,
		Final:       true,
		Words:       words,
	})

	svc.appendRecord(persist.Record{
		SessionID:   sess.id,
		BroadcastID: sess.broadcastID,
		Kind:        events.KindFinal,
		Text:        text,
		Confidence:  confidence,
	})
}

// finish flushes any text still buffered when the loop exits, closes the
// transcript writer, and emits the terminal status event.
func (sess *session) finish(svc *Service) {
	sess.mu.Lock()
	tail := strings.TrimSpace(sess.assembler.Flush())
	carry := strings.TrimSpace(sess.assembler.PendingCarry())
	var leftovers []string
	for _, text := range []string{tail, carry} {
		if text != "" && sess.acceptSentenceLocked(text, 0) {
			leftovers = append(leftovers, text)
		}
	}
	sess.mu.Unlock()

	for _, text := range leftovers {
		sess.emitFinal(svc, text, 0, nil)
	}

	svc.closeWriter()
	sess.metrics.RecordSessionEnd()
	sess.log.Info().Msg("Capture session ended")
	svc.registry.EmitTranscript(events.TranscriptEvent{
		Kind:        events.KindStatus,
		Text:        "stopped",
		SessionID:   sess.id,
		BroadcastID: sess.broadcastID,
	})
	svc.clearSession(sess)
}

// transcribe calls the engine with the configured per-call timeout.
func (sess *session) transcribe(ctx context.Context, svc *Service, pcm []byte) (*asr.Result, error) {
	timeout := time.Duration(svc.cfg.ASRTimeout) * time.Second
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess.metrics.RecordASRStart()
	res, err := sess.engine.Transcribe(tctx, pcm)
	sess.metrics.RecordASREnd(err == nil)

	sess.mu.Lock()
	if err == nil {
		sess.stats.transcriptionsOK++
	} else {
		sess.stats.transcriptionsFailed++
	}
	sess.mu.Unlock()
	return res, err
}

// guardConfig builds the hallucination guard floors from configuration.
func (s *Service) guardConfig() textproc.GuardConfig {
	return textproc.GuardConfig{
		ConfidenceFloor: s.cfg.GuardConfidenceFloor,
		LoudnessFloor:   s.cfg.GuardLoudnessFloor,
		MinChars:        s.cfg.GuardMinChars,
	}
}
