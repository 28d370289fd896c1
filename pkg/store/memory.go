package store

import (
	"context"
	"sort"
	"sync"

	"github.com/daviddao/stationbot/pkg/model"
)

// Memory is a non-durable store for tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	rows map[string]string
	sets int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]string)}
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[key]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = value
	m.sets++
	return nil
}

// Writes returns how many times Set has been called.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// List returns all watermarks ordered by key.
func (m *Memory) List(context.Context) ([]model.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Watermark, 0, len(m.rows))
	for k, v := range m.rows {
		out = append(out, model.Watermark{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
