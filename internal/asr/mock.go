package asr

import (
	"context"
	"sync"
)

// MockEngine is an in-memory engine for tests and the "mock" provider.
// It replays queued results in order, then repeats the last one.
type MockEngine struct {
	mu      sync.Mutex
	queue   []*Result
	calls   int
	byteLen []int
	err     error
	closed  bool
}

// NewMockEngine creates a mock engine that replays the given results.
func NewMockEngine(results ...*Result) *MockEngine {
	return &MockEngine{queue: results}
}

// FailWith makes every subsequent Transcribe call return err.
func (m *MockEngine) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Enqueue appends results to the replay queue.
func (m *MockEngine) Enqueue(results ...*Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, results...)
}

func (m *MockEngine) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.byteLen = append(m.byteLen, len(pcm))

	if m.err != nil {
		return nil, m.err
	}
	if len(m.queue) == 0 {
		return &Result{}, nil
	}

	idx := m.calls - 1
	if idx >= len(m.queue) {
		idx = len(m.queue) - 1
	}
	return m.queue[idx], nil
}

// Calls returns how many times Transcribe was invoked.
func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// BufferSizes returns the byte length of every transcribed buffer.
func (m *MockEngine) BufferSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.byteLen))
	copy(out, m.byteLen)
	return out
}

// Closed reports whether Close was called.
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
