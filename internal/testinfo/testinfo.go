// Package testinfo defines the lifecycle vocabulary of a test run (Status and
// Result) and the service that records it for the outside world.
package testinfo

import (
	"context"
	"errors"
	"time"
)

// Status is where a test module is in its lifecycle.
type Status string

const (
	StatusUnknown    Status = "UNKNOWN"
	StatusCreated    Status = "CREATED"
	StatusConfigured Status = "CONFIGURED"
	StatusRunning    Status = "RUNNING"
	StatusWaiting    Status = "WAITING"
	StatusFinished   Status = "FINISHED"
)

func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step. FINISHED is terminal; any live state may jump to FINISHED.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusFinished {
		return s != StatusFinished
	}
	switch s {
	case StatusUnknown:
		return next == StatusCreated
	case StatusCreated:
		return next == StatusConfigured
	case StatusConfigured:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusWaiting
	case StatusWaiting:
		return next == StatusRunning
	default:
		return false
	}
}

// Result is the verdict of a test. It is independent of Status and, once it
// leaves UNKNOWN, never changes.
type Result string

const (
	ResultUnknown Result = "UNKNOWN"
	ResultPassed  Result = "PASSED"
	ResultFailed  Result = "FAILED"
	ResultWarning Result = "WARNING"
	ResultReview  Result = "REVIEW"
)

func (r Result) String() string { return string(r) }

// Record is the externally visible summary of one test instance.
type Record struct {
	ID          string            `json:"id"`
	TestName    string            `json:"test_name"`
	DisplayName string            `json:"display_name,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
	Created     time.Time         `json:"created"`
	Status      Status            `json:"status"`
	Result      Result            `json:"result"`
	Exposed     map[string]string `json:"exposed,omitempty"`
}

// ErrNotFound is returned when no record exists for a test id.
var ErrNotFound = errors.New("test not found")

// Service records test instances and their progress.
type Service interface {
	CreateTest(ctx context.Context, rec Record) error
	UpdateTestStatus(ctx context.Context, id string, status Status) error
	UpdateTestResult(ctx context.Context, id string, result Result) error
	GetTest(ctx context.Context, id string) (Record, error)
	ListTests(ctx context.Context) ([]Record, error)
}

// Annotator is implemented by services that also keep a test's
// configuration and exposed values.
type Annotator interface {
	UpdateTestConfig(ctx context.Context, id string, config map[string]any) error
	UpdateTestExposed(ctx context.Context, id string, exposed map[string]string) error
}
