package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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

// loudChunk builds one chunk of constant-amplitude PCM16LE samples.
func loudChunk(amp int16, chunkBytes int) []byte {
	buf := make([]byte, chunkBytes)
	for i := 0; i+1 < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(amp))
	}
	return buf
}

func silentChunk(chunkBytes int) []byte {
	return make([]byte, chunkBytes)
}

// fakeStream plays back a fixed byte sequence and then reports EOF.
type fakeStream struct{ r *bytes.Reader }

func newFakeStream(chunks ...[]byte) *fakeStream {
	return &fakeStream{r: bytes.NewReader(bytes.Join(chunks, nil))}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeStream) PID() int                   { return 1234 }
func (f *fakeStream) Stop() error                { return nil }

// pipeStream blocks on reads until more data arrives or Stop closes it.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipeStream) PID() int                   { return 1234 }
func (p *pipeStream) Stop() error                { return p.w.Close() }

// eventSink collects transcript events.
type eventSink struct {
	mu     sync.Mutex
	events []events.TranscriptEvent
}

func (s *eventSink) OnTranscript(ev events.TranscriptEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) byKind(kind string) []events.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.TranscriptEvent
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T, engine asr.Engine, mode string) (*Service, *eventSink) {
	t.Helper()

	cfg := &config.Config{
		ASRProvider:          "mock",
		ASRModel:             "test",
		ASRLanguage:          "zh-CN",
		ASRTimeout:           5,
		DefaultProfile:       "fast",
		OutputMode:           mode,
		GuardConfidenceFloor: 0.35,
		GuardLoudnessFloor:   0.010,
		GuardMinChars:        2,
	}

	factory := func(context.Context, asr.Identity) (asr.Engine, error) { return engine, nil }
	engines := asr.NewManager(factory, t.TempDir(), zerolog.Nop())
	captureMgr := capture.NewManager(capture.DirectResolver{}, "ffmpeg", time.Second, zerolog.Nop())
	registry := events.NewRegistry(zerolog.Nop())
	hotwords := textproc.NewCorrector(nil, filepath.Join(t.TempDir(), "hotwords.yaml"))
	writer := persist.NewWriter(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { writer.Close() })

	svc := NewService(cfg, captureMgr, engines, registry, hotwords, writer, zerolog.Nop())

	sink := &eventSink{}
	registry.SubscribeTranscripts("test", sink)
	return svc, sink
}

// startTestSession wires a session around a prepared stream, mirroring
// what Start does after resolution succeeds.
func startTestSession(svc *Service, stream capture.Stream, engine asr.Engine, mode string) *session {
	prof, _ := config.ProfileByName("fast")
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:          "test-session",
		broadcastID: "test-broadcast",
		outputMode:  mode,
		startedAt:   time.Now(),
		stream:      stream,
		engine:      engine,
		metrics:     observability.NewSessionMetrics("test-session"),
		log:         zerolog.Nop(),
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
	svc.mu.Lock()
	svc.sess = sess
	svc.mu.Unlock()
	go sess.run(runCtx, svc)
	return sess
}

func TestPipeline_SegmentModeEmitsFinal(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "今天天气不错。", Confidence: 0.92})
	svc, sink := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeSegment)
	<-sess.done

	finals := sink.byKind(events.KindFinal)
	if len(finals) != 1 {
		t.Fatalf("Expected 1 final event, got %d: %+v", len(finals), finals)
	}
	if finals[0].Text != "今天天气不错。" {
		t.Errorf("Unexpected final text %q", finals[0].Text)
	}
	if finals[0].Confidence != 0.92 || !finals[0].Final {
		t.Errorf("Unexpected final event: %+v", finals[0])
	}

	// Debounced speech and trailing silence are all part of the segment
	sizes := engine.BufferSizes()
	if len(sizes) != 1 || sizes[0] != 4*cb {
		t.Errorf("Expected one %d-byte transcription, got %v", 4*cb, sizes)
	}

	if got := sink.byKind(events.KindStatus); len(got) == 0 || got[len(got)-1].Text != "stopped" {
		t.Errorf("Expected terminal stopped status, got %+v", got)
	}
	if svc.Status().Running {
		t.Error("Expected session cleared after stream end")
	}

	sess.mu.Lock()
	okN, failN := sess.stats.transcriptionsOK, sess.stats.transcriptionsFailed
	sess.mu.Unlock()
	if okN != 1 || failN != 0 {
		t.Errorf("Expected 1 successful transcription, got ok=%d failed=%d", okN, failN)
	}
}

func TestPipeline_GuardDropsShortLowSignal(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "嗯", Confidence: 0.1})
	svc, sink := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeSegment)
	<-sess.done

	if finals := sink.byKind(events.KindFinal); len(finals) != 0 {
		t.Errorf("Expected short hallucination dropped, got %+v", finals)
	}

	sess.mu.Lock()
	suppressed := sess.stats.suppressedGuard
	sess.mu.Unlock()
	if suppressed != 1 {
		t.Errorf("Expected 1 guard suppression, got %d", suppressed)
	}
}

func TestPipeline_DedupSuppressesRepeatedSegment(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "重复的句子。", Confidence: 0.9})
	svc, sink := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb), silentChunk(cb), silentChunk(cb),
		loudChunk(1638, cb), loudChunk(1638, cb), silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeSegment)
	<-sess.done

	if engine.Calls() != 2 {
		t.Fatalf("Expected 2 transcriptions, got %d", engine.Calls())
	}
	if finals := sink.byKind(events.KindFinal); len(finals) != 1 {
		t.Errorf("Expected repeat suppressed, got %d finals", len(finals))
	}

	sess.mu.Lock()
	suppressed := sess.stats.suppressedDedup
	sess.mu.Unlock()
	if suppressed != 1 {
		t.Errorf("Expected 1 dedup suppression, got %d", suppressed)
	}
}

func TestPipeline_DeltaModeEmitsIncrements(t *testing.T) {
	engine := asr.NewMockEngine(
		&asr.Result{Text: "今天", Confidence: 0.8},
		&asr.Result{Text: "今天天气", Confidence: 0.85},
		&asr.Result{Text: "今天天气不错。", Confidence: 0.9},
	)
	svc, sink := newTestService(t, engine, ModeDelta)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeDelta)
	<-sess.done

	deltas := sink.byKind(events.KindDelta)
	if len(deltas) != 2 || deltas[0].Text != "今天" || deltas[1].Text != "天气" {
		t.Errorf("Unexpected delta events: %+v", deltas)
	}

	partials := sink.byKind(events.KindPartial)
	if len(partials) != 2 || partials[1].Text != "今天天气" {
		t.Errorf("Unexpected partial events: %+v", partials)
	}

	finals := sink.byKind(events.KindFinal)
	if len(finals) != 1 || finals[0].Text != "今天天气不错。" {
		t.Errorf("Unexpected final events: %+v", finals)
	}
}

func TestPipeline_ASRErrorEmitsErrorEvent(t *testing.T) {
	engine := asr.NewMockEngine()
	engine.FailWith(io.ErrUnexpectedEOF)
	svc, sink := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeSegment)
	<-sess.done

	if finals := sink.byKind(events.KindFinal); len(finals) != 0 {
		t.Errorf("Expected no finals on transcription failure, got %+v", finals)
	}
	errs := sink.byKind(events.KindError)
	found := false
	for _, ev := range errs {
		if strings.HasPrefix(ev.Text, errKindASR) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an ASR error event, got %+v", errs)
	}

	sess.mu.Lock()
	okN, failN := sess.stats.transcriptionsOK, sess.stats.transcriptionsFailed
	sess.mu.Unlock()
	if okN != 0 || failN != 1 {
		t.Errorf("Expected 1 failed transcription, got ok=%d failed=%d", okN, failN)
	}
}

func TestService_StopUnblocksAndClears(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "一句话。", Confidence: 0.9})
	svc, sink := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newPipeStream()
	sess := startTestSession(svc, stream, engine, ModeSegment)

	go func() {
		stream.w.Write(loudChunk(1638, cb))
		stream.w.Write(loudChunk(1638, cb))
	}()

	// Give the loop a moment to consume, then stop while it blocks on the
	// next read.
	time.Sleep(50 * time.Millisecond)
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	select {
	case <-sess.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not stop")
	}
	if svc.Status().Running {
		t.Error("Expected idle status after Stop")
	}
	if got := sink.byKind(events.KindStatus); len(got) == 0 || got[len(got)-1].Text != "stopped" {
		t.Errorf("Expected stopped status event, got %+v", got)
	}

	// Stop when idle is a no-op
	if err := svc.Stop(); err != nil {
		t.Errorf("Idle Stop() error: %v", err)
	}
}

func TestService_SetProfileIdleUpdatesDefault(t *testing.T) {
	engine := asr.NewMockEngine()
	svc, _ := newTestService(t, engine, ModeSegment)

	if err := svc.SetProfile("stable"); err != nil {
		t.Fatalf("SetProfile() error: %v", err)
	}
	if svc.cfg.DefaultProfile != "stable" {
		t.Errorf("Expected default profile updated, got %q", svc.cfg.DefaultProfile)
	}
	if err := svc.SetProfile("turbo"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestService_SetProfileMidSessionClearsBuffers(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "不会出现。", Confidence: 0.9})
	svc, _ := newTestService(t, engine, ModeSegment)

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newPipeStream()
	sess := startTestSession(svc, stream, engine, ModeSegment)

	go func() {
		stream.w.Write(loudChunk(1638, cb))
		stream.w.Write(loudChunk(1638, cb))
	}()
	time.Sleep(50 * time.Millisecond)

	if err := svc.SetProfile("stable"); err != nil {
		t.Fatalf("SetProfile() error: %v", err)
	}

	sess.mu.Lock()
	name := sess.profile.Name
	buffered := sess.segmenter.Buffered()
	sess.mu.Unlock()
	if name != "stable" {
		t.Errorf("Expected active profile stable, got %q", name)
	}
	if len(buffered) != 0 {
		t.Errorf("Expected segmenter cleared, got %d buffered bytes", len(buffered))
	}

	svc.Stop()
	<-sess.done
}

func TestService_SetAdvancedValidates(t *testing.T) {
	engine := asr.NewMockEngine()
	svc, _ := newTestService(t, engine, ModeSegment)

	bad := 2.0
	if err := svc.SetAdvanced(&AdvancedSettings{Overrides: config.Overrides{SpeechRMS: &bad}}); err == nil {
		t.Error("Expected invalid override rejected")
	}

	good := 0.05
	if err := svc.SetAdvanced(&AdvancedSettings{Overrides: config.Overrides{SpeechRMS: &good}}); err != nil {
		t.Errorf("SetAdvanced() error: %v", err)
	}
}

func TestService_SetAdvancedTogglesPersistence(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "保存这句话。", Confidence: 0.9})
	svc, _ := newTestService(t, engine, ModeSegment)

	off := false
	if err := svc.SetAdvanced(&AdvancedSettings{PersistEnabled: &off}); err != nil {
		t.Fatalf("SetAdvanced() error: %v", err)
	}
	svc.wmu.Lock()
	disabled := svc.writer == nil && !svc.persistOn
	svc.wmu.Unlock()
	if !disabled {
		t.Fatal("Expected writer detached after disabling persistence")
	}

	root := t.TempDir()
	on := true
	if err := svc.SetAdvanced(&AdvancedSettings{PersistEnabled: &on, PersistRoot: root}); err != nil {
		t.Fatalf("SetAdvanced() error: %v", err)
	}

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeSegment)
	<-sess.done

	day := filepath.Join(root, "test-broadcast", time.Now().Format("2006-01-02")+".jsonl")
	if _, err := os.Stat(day); err != nil {
		t.Errorf("Expected transcript file at %s: %v", day, err)
	}

	// Session teardown closes the writer; the toggle stays on for the next
	// session.
	svc.wmu.Lock()
	writerNil, stillOn := svc.writer == nil, svc.persistOn
	svc.wmu.Unlock()
	if !writerNil {
		t.Error("Expected writer closed after session end")
	}
	if !stillOn {
		t.Error("Expected persistence to stay enabled across sessions")
	}
}

func TestService_HotwordsRoundTrip(t *testing.T) {
	engine := asr.NewMockEngine()
	svc, _ := newTestService(t, engine, ModeSegment)

	rules := textproc.HotwordRules{"深度学习": {"深度血习"}}
	if err := svc.SetHotwords(rules); err != nil {
		t.Fatalf("SetHotwords() error: %v", err)
	}
	got := svc.Hotwords()
	if len(got["深度学习"]) != 1 || got["深度学习"][0] != "深度血习" {
		t.Errorf("Unexpected rules: %v", got)
	}

	if err := svc.ResetHotwords(); err != nil {
		t.Fatalf("ResetHotwords() error: %v", err)
	}
	if len(svc.Hotwords()) != 0 {
		t.Error("Expected empty rules after reset")
	}
}

// A subscriber is allowed to call back into the service from its event
// handler. Start must therefore release the service lock before emitting
// anything, including the error events on its failure paths.
func TestService_StartEmitsWithoutHoldingLock(t *testing.T) {
	engine := asr.NewMockEngine()
	svc, _ := newTestService(t, engine, ModeSegment)

	var reentrant []Status
	svc.registry.SubscribeTranscripts("reentrant", events.TranscriptFunc(func(ev events.TranscriptEvent) {
		reentrant = append(reentrant, svc.Status())
	}))

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := svc.Start(context.Background(), StartRequest{Ref: "not-a-media-url"})
		done <- result{err: err}
	}()

	select {
	case res := <-done:
		if !errors.Is(res.err, capture.ErrUnresolvable) {
			t.Errorf("Expected unresolvable ref error, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return with a reentrant subscriber attached")
	}
	if len(reentrant) == 0 {
		t.Fatal("Expected the error event to reach the subscriber")
	}
	if reentrant[0].Running {
		t.Errorf("Expected idle status from within the subscriber, got %+v", reentrant[0])
	}
}

func TestService_StartRejectsSecondSession(t *testing.T) {
	engine := asr.NewMockEngine(&asr.Result{Text: "第一场直播。", Confidence: 0.9})
	svc, _ := newTestService(t, engine, ModeSegment)

	stream := newPipeStream()
	sess := startTestSession(svc, stream, engine, ModeSegment)

	st, err := svc.Start(context.Background(), StartRequest{Ref: "https://live.example.com/room/42"})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Expected ErrSessionActive, got %v", err)
	}
	if !st.Running || st.SessionID != sess.id {
		t.Errorf("Expected status of the running session, got %+v", st)
	}

	// The running session must be untouched by the rejected Start.
	svc.mu.Lock()
	same := svc.sess == sess
	svc.mu.Unlock()
	if !same {
		t.Error("Expected the original session to remain active")
	}

	svc.Stop()
	<-sess.done
}

// Text force-flushed by the assembler budgets still passes through the
// hallucination guard, using the last recognition confidence and speech
// loudness.
func TestPipeline_FlushedTextPassesGuard(t *testing.T) {
	long := strings.Repeat("字", 45) // over the fast profile's char budget
	engine := asr.NewMockEngine(
		&asr.Result{Text: long, Confidence: 0.5},
		&asr.Result{Text: long, Confidence: 0.5},
	)
	svc, sink := newTestService(t, engine, ModeDelta)
	svc.cfg.GuardConfidenceFloor = 0.95
	svc.cfg.GuardLoudnessFloor = 0.9

	prof, _ := config.ProfileByName("fast")
	cb := prof.ChunkBytes()
	stream := newFakeStream(
		loudChunk(1638, cb), loudChunk(1638, cb),
		silentChunk(cb), silentChunk(cb),
	)
	sess := startTestSession(svc, stream, engine, ModeDelta)
	<-sess.done

	if finals := sink.byKind(events.KindFinal); len(finals) != 0 {
		t.Errorf("Expected flushed low-signal text dropped, got %+v", finals)
	}

	sess.mu.Lock()
	suppressed := sess.stats.suppressedGuard
	sess.mu.Unlock()
	if suppressed == 0 {
		t.Error("Expected at least one guard suppression for flushed text")
	}
}

func TestService_StatusIdle(t *testing.T) {
	engine := asr.NewMockEngine()
	svc, _ := newTestService(t, engine, ModeSegment)

	st := svc.Status()
	if st.Running {
		t.Error("Expected idle service")
	}
	if st.SessionID != "" {
		t.Errorf("Expected empty session ID, got %q", st.SessionID)
	}
}
