// Package eventlog is the audit trail of a test run.
//
// Every condition outcome, lifecycle change and inbound request is appended
// as an Entry: an ordered, structured record owned by one test id. Sinks
// decide where entries go (memory, slog, the sqlite store); an Instance wraps
// a sink for one test and stamps sequence numbers and block ids.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entry is one audit record.
type Entry struct {
	Seq     int64          `json:"seq"`
	TestID  string         `json:"test_id"`
	Source  string         `json:"src"`
	Time    time.Time      `json:"time"`
	BlockID string         `json:"block_id,omitempty"`
	Args    map[string]any `json:"args"`
}

// Sink receives entries. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Sequencer hands out strictly increasing sequence numbers.
type Sequencer interface {
	Next() int64
}

// Well-known argument keys.
const (
	KeyMsg          = "msg"
	KeyResult       = "result"
	KeyRequirements = "requirements"
	KeyStartBlock   = "startBlock"
	KeyEndBlock     = "endBlock"
)

// Instance is the event log of a single test.
type Instance struct {
	testID string
	sink   Sink
	seq    Sequencer
	now    func() time.Time

	mu     sync.Mutex
	block  string
	blocks int
}

// Option configures an Instance.
type Option func(*Instance)

// WithSequencer replaces the default sequence source.
func WithSequencer(s Sequencer) Option {
	return func(l *Instance) { l.seq = s }
}

// WithNow replaces the wall clock used for Entry.Time.
func WithNow(now func() time.Time) Option {
	return func(l *Instance) { l.now = now }
}

// NewInstance creates the event log for testID writing to sink.
func NewInstance(testID string, sink Sink, opts ...Option) *Instance {
	l := &Instance{
		testID: testID,
		sink:   sink,
		seq:    &counter{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TestID returns the test this log belongs to.
func (l *Instance) TestID() string { return l.testID }

// Log appends an entry from source with the given arguments.
func (l *Instance) Log(ctx context.Context, source string, args map[string]any) {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()

	e := Entry{
		Seq:     l.seq.Next(),
		TestID:  l.testID,
		Source:  source,
		Time:    l.now().UTC(),
		BlockID: block,
		Args:    Normalize(args),
	}
	if err := l.sink.Append(ctx, e); err != nil {
		slog.Warn("event log append failed", "test", l.testID, "src", source, "error", err)
	}
}

// Msg is shorthand for a single-message entry.
func (l *Instance) Msg(ctx context.Context, source, msg string) {
	l.Log(ctx, source, map[string]any{KeyMsg: msg})
}

// StartBlock opens a block: subsequent entries carry its id until EndBlock.
// Blocks do not nest; starting a new one closes the current one.
func (l *Instance) StartBlock(ctx context.Context, source, msg string) string {
	l.mu.Lock()
	l.blocks++
	id := fmt.Sprintf("block-%d", l.blocks)
	l.block = id
	l.mu.Unlock()

	l.Log(ctx, source, map[string]any{KeyMsg: msg, KeyStartBlock: true})
	return id
}

// EndBlock closes the current block.
func (l *Instance) EndBlock(ctx context.Context, source string) {
	l.mu.Lock()
	open := l.block != ""
	l.mu.Unlock()
	if !open {
		return
	}
	l.Log(ctx, source, map[string]any{KeyEndBlock: true})

	l.mu.Lock()
	l.block = ""
	l.mu.Unlock()
}

// Multi fans entries out to several sinks; every sink sees every entry and
// the errors are joined.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Append(context.Context, Entry) error { return nil }

type counter struct {
	mu  sync.Mutex
	seq int64
}

func (c *counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}
