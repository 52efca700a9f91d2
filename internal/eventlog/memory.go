package eventlog

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/conformance/internal/canonical"
)

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns the entries of testID in sequence order.
func (m *Memory) Entries(testID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.TestID == testID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Sources returns the Source of each entry of testID, in order.
func (m *Memory) Sources(testID string) []string {
	entries := m.Entries(testID)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Source
	}
	return out
}

// Canonical renders the entries of testID as canonical JSON without
// timestamps, suitable for golden comparison.
func (m *Memory) Canonical(testID string) ([]byte, error) {
	return CanonicalTrail(testID, m.Entries(testID))
}

// CanonicalTrail renders entries, already in sequence order, the way
// Memory.Canonical does.
func CanonicalTrail(testID string, entries []Entry) ([]byte, error) {
	list := make([]any, len(entries))
	for i, e := range entries {
		item := map[string]any{
			"seq":  e.Seq,
			"src":  e.Source,
			"args": e.Args,
		}
		if e.BlockID != "" {
			item["block_id"] = e.BlockID
		}
		list[i] = item
	}
	return canonical.Marshal(map[string]any{"test_id": testID, "entries": list})
}
