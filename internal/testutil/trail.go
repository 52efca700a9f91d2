package testutil

import (
	"time"

	"github.com/roach88/conformance/internal/eventlog"
)

// Trail is a reproducible event log: sequence numbers start at 1 and entry
// times start at Epoch, one second apart.
type Trail struct {
	*eventlog.Instance
	Clock *DeterministicClock
	Wall  *StepClock
}

// NewTrail creates a reproducible event log for testID writing to sink.
func NewTrail(testID string, sink eventlog.Sink) *Trail {
	clock := NewDeterministicClock()
	wall := NewStepClock(time.Second)
	return &Trail{
		Instance: eventlog.NewInstance(testID, sink,
			eventlog.WithSequencer(clock),
			eventlog.WithNow(wall.Now),
		),
		Clock: clock,
		Wall:  wall,
	}
}
