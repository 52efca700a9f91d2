package testinfo

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Service, used by tests and by `run` without a
// database.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Annotator = (*Memory)(nil)

// NewMemory creates an empty Memory service.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) CreateTest(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Status == "" {
		rec.Status = StatusCreated
	}
	if rec.Result == "" {
		rec.Result = ResultUnknown
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) UpdateTestStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	m.records[id] = rec
	return nil
}

func (m *Memory) UpdateTestResult(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Result == ResultUnknown {
		rec.Result = result
		m.records[id] = rec
	}
	return nil
}

func (m *Memory) GetTest(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ListTests returns every record, oldest first.
func (m *Memory) ListTests(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.records))
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) UpdateTestConfig(_ context.Context, id string, config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Config = config
	m.records[id] = rec
	return nil
}

func (m *Memory) UpdateTestExposed(_ context.Context, id string, exposed map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Exposed = maps.Clone(exposed)
	m.records[id] = rec
	return nil
}
