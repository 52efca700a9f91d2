package eventlog

import (
	"context"
	"log/slog"

	"github.com/roach88/conformance/internal/canonical"
)

// Slog mirrors entries to a structured logger at debug level, or at warn
// level for failures.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Append(ctx context.Context, e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if r, _ := e.Args[KeyResult].(string); r == "FAILURE" || r == "WARNING" {
		level = slog.LevelWarn
	}
	attrs := []any{"test", e.TestID, "src", e.Source, "seq", e.Seq}
	if e.BlockID != "" {
		attrs = append(attrs, "block", e.BlockID)
	}
	msg, _ := e.Args[KeyMsg].(string)
	if msg == "" {
		msg = "event"
	}
	if b, err := canonical.Marshal(e.Args); err == nil {
		attrs = append(attrs, "args", string(b))
	}
	logger.Log(ctx, level, msg, attrs...)
	return nil
}
