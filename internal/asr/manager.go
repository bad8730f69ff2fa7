package asr

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds an engine for an identity.
type Factory func(ctx context.Context, id Identity) (Engine, error)

// CacheStatus describes the model artifacts present on disk.
type CacheStatus struct {
	Dir       string   `json:"dir"`
	Present   bool     `json:"present"`
	SizeBytes int64    `json:"size_bytes"`
	Files     []string `json:"files,omitempty"`
}

// Manager owns the single loaded engine instance and keeps it matching the
// desired identity. Initialization failure is reported to the caller and
// never crashes the pipeline; the session simply cannot start until the
// engine loads.
type Manager struct {
	factory  Factory
	cacheDir string
	log      zerolog.Logger

	mu      sync.Mutex
	engine  Engine
	ident   Identity
	loading map[string]bool
}

// NewManager creates a lifecycle manager around the given engine factory.
func NewManager(factory Factory, cacheDir string, log zerolog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		cacheDir: cacheDir,
		log:      log,
		loading:  make(map[string]bool),
	}
}

// Ensure returns an engine matching the identity, tearing down and
// reinitializing the current one when its identity differs.
func (m *Manager) Ensure(ctx context.Context, id Identity) (Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil && m.ident == id {
		return m.engine, nil
	}

	if m.engine != nil {
		m.log.Info().
			Str("old", m.ident.String()).
			Str("new", id.String()).
			Msg("Engine identity changed, reloading")
		if err := m.engine.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Error closing previous engine")
		}
		m.engine = nil
	}

	eng, err := m.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine %s: %w", id, err)
	}

	m.engine = eng
	m.ident = id
	m.log.Info().Str("engine", id.String()).Msg("Engine loaded")
	return eng, nil
}

// Preload warm-loads an engine for the model in the background without
// replacing the active instance. Safe to call repeatedly; concurrent
// preloads of the same model coalesce.
func (m *Manager) Preload(ctx context.Context, id Identity) {
	m.mu.Lock()
	if m.loading[id.Model] || (m.engine != nil && m.ident == id) {
		m.mu.Unlock()
		return
	}
	m.loading[id.Model] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.loading, id.Model)
			m.mu.Unlock()
		}()

		eng, err := m.factory(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("model", id.Model).Msg("Preload failed")
			return
		}

		m.mu.Lock()
		if m.engine == nil {
			// Nothing active: adopt the preloaded instance.
			m.engine = eng
			m.ident = id
			m.mu.Unlock()
			m.log.Info().Str("engine", id.String()).Msg("Preloaded engine adopted")
			return
		}
		m.mu.Unlock()

		// An instance is already active; the warm load only primed caches.
		if err := eng.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Error closing preload instance")
		}
		m.log.Info().Str("model", id.Model).Msg("Preload complete")
	}()
}

// Busy returns the model names currently loading, sorted.
func (m *Manager) Busy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.loading))
	for name := range m.loading {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loaded returns the identity of the active engine, if any.
func (m *Manager) Loaded() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ident, m.engine != nil
}

// CacheStatus reports whether model artifacts are present on disk and
// their total size.
func (m *Manager) CacheStatus() CacheStatus {
	status := CacheStatus{Dir: m.cacheDir}

	err := filepath.WalkDir(m.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		status.SizeBytes += info.Size()
		status.Files = append(status.Files, d.Name())
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		m.log.Debug().Err(err).Msg("Cache scan error")
	}

	sort.Strings(status.Files)
	status.Present = len(status.Files) > 0
	return status
}

// Close tears down the active engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return nil
	}
	err := m.engine.Close()
	m.engine = nil
	m.ident = Identity{}
	return err
}
