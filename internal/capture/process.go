package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Stream is the byte stream of a running capture process: mono 16 kHz
// 16-bit little-endian PCM on its standard output.
type Stream interface {
	io.Reader
	PID() int
	Stop() error
}

// Manager resolves broadcasts and supervises the demux/transcode child
// process that turns the media stream into raw PCM.
type Manager struct {
	resolver    Resolver
	ffmpegPath  string
	stopTimeout time.Duration
	log         zerolog.Logger
}

// NewManager creates a capture manager.
func NewManager(resolver Resolver, ffmpegPath string, stopTimeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		resolver:    resolver,
		ffmpegPath:  ffmpegPath,
		stopTimeout: stopTimeout,
		log:         log,
	}
}

// Resolve resolves the broadcast reference without spawning anything.
func (m *Manager) Resolve(ctx context.Context, ref string) (*Resolution, error) {
	res, err := m.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := CheckResolution(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Start resolves the broadcast and spawns the capture process. Fails fast
// with a descriptive error when the broadcast is not live or unresolvable.
func (m *Manager) Start(ctx context.Context, ref string) (Stream, *Resolution, error) {
	res, err := m.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	args := buildFFmpegArgs(res.MediaURL, res.Headers)
	cmd := exec.Command(m.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("failed to launch capture process: %w", err)
	}

	p := &Process{
		cmd:         cmd,
		stdout:      stdout,
		stopTimeout: m.stopTimeout,
		log:         m.log.With().Int("pid", cmd.Process.Pid).Logger(),
		waitDone:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	m.log.Info().
		Int("pid", cmd.Process.Pid).
		Str("broadcast_id", res.BroadcastID).
		Msg("Capture process started")

	return p, res, nil
}

// buildFFmpegArgs selects mono 16 kHz signed 16-bit little-endian PCM on
// stdout. Request headers from the resolver are forwarded in a stable order.
func buildFFmpegArgs(mediaURL string, headers map[string]string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
	}

	if len(headers) > 0 {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		headerArg := ""
		for _, k := range keys {
			headerArg += k + ": " + headers[k] + "\r\n"
		}
		args = append(args, "-headers", headerArg)
	}

	args = append(args,
		"-i", mediaURL,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"pipe:1",
	)
	return args
}

// Process is a running capture child process.
type Process struct {
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stopTimeout time.Duration
	log         zerolog.Logger
	waitDone    chan struct{}
	waitErr     error
	stopOnce    sync.Once
	stopErr     error
}

// Read reads raw PCM from the child's stdout.
func (p *Process) Read(buf []byte) (int, error) {
	return p.stdout.Read(buf)
}

// PID returns the child process identifier.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stop terminates the child: cooperative SIGTERM first, SIGKILL after the
// grace period. Idempotent; the handle is released even on timeout.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		defer p.stdout.Close()

		select {
		case <-p.waitDone:
			// Already exited on its own.
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.log.Debug().Err(err).Msg("SIGTERM failed, forcing kill")
			p.stopErr = p.kill()
			return
		}

		select {
		case <-p.waitDone:
			p.log.Debug().Msg("Capture process exited after SIGTERM")
		case <-time.After(p.stopTimeout):
			p.log.Warn().Msg("Capture process did not exit in time, killing")
			p.stopErr = p.kill()
		}
	})
	return p.stopErr
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill capture process: %w", err)
	}
	<-p.waitDone
	return nil
}

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} {
	return p.waitDone
}

// WaitErr returns the child's exit error. Valid only after Done is closed.
func (p *Process) WaitErr() error {
	return p.waitErr
}
