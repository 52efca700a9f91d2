package condition

import (
	"context"
	"net/http"
	"time"

	"github.com/roach88/conformance/internal/env"
	"github.com/roach88/conformance/internal/eventlog"
)

// Contract declares what a condition reads and writes.
//
// Strings entries are "key" or "key.dotted.path" references that must hold a
// non-empty string. The runner enforces the contract; conditions may assume
// it holds.
type Contract struct {
	Required        []string
	Strings         []string
	Produced        []string
	ProducedStrings []string
}

// Condition is a stateless check. Evaluate reads and writes the Environment
// through the scope and returns a non-nil error on failure.
type Condition interface {
	Name() string
	Contract() Contract
	Evaluate(ctx context.Context, s *Scope) error
}

// Check is the body of a condition built with Define.
type Check func(ctx context.Context, s *Scope) error

// Func is a Condition assembled from a name, a contract and a Check.
type Func struct {
	name     string
	contract Contract
	check    Check
}

// Define creates a Condition.
func Define(name string, contract Contract, check Check) *Func {
	return &Func{name: name, contract: contract, check: check}
}

func (f *Func) Name() string       { return f.name }
func (f *Func) Contract() Contract { return f.contract }

func (f *Func) Evaluate(ctx context.Context, s *Scope) error {
	return f.check(ctx, s)
}

// Scope is what a condition sees while it runs: the Environment, the outbound
// HTTP client and the logging helpers bound to its name.
type Scope struct {
	Env    *env.Environment
	TestID string
	HTTP   *http.Client
	Now    func() time.Time

	ctx          context.Context
	name         string
	log          *eventlog.Instance
	requirements []string
}

// Name returns the name of the running condition.
func (s *Scope) Name() string { return s.name }

// Success logs a successful outcome with structured details.
func (s *Scope) Success(msg string, kv ...any) {
	s.emit(msg, Success, kv)
}

// Log records an informational entry without a grade.
func (s *Scope) Log(msg string, kv ...any) {
	s.emit(msg, "", kv)
}

// Fail returns an assertion failure. The runner logs it at the severity of
// the calling policy.
func (s *Scope) Fail(msg string, kv ...any) error {
	return s.newError(ErrCodeAssertionFailed, nil, msg, kv)
}

// Missing returns a precondition failure for an input that is absent.
func (s *Scope) Missing(msg string, kv ...any) error {
	return s.newError(ErrCodePreconditionMissing, nil, msg, kv)
}

// Wrap returns an assertion failure caused by err.
func (s *Scope) Wrap(err error, msg string, kv ...any) error {
	return s.newError(ErrCodeAssertionFailed, err, msg, kv)
}

// Internal returns a harness error caused by err.
func (s *Scope) Internal(err error, msg string, kv ...any) error {
	return s.newError(ErrCodeInternal, err, msg, kv)
}

func (s *Scope) newError(code ErrorCode, cause error, msg string, kv []any) *Error {
	e := NewError(code, s.TestID, s.name, msg, kv...)
	e.Cause = cause
	e.Requirements = s.requirements
	return e
}

func (s *Scope) emit(msg string, result Result, kv []any) {
	if s.log == nil {
		return
	}
	args := kvToMap(kv)
	args[eventlog.KeyMsg] = msg
	if result != "" {
		args[eventlog.KeyResult] = string(result)
	}
	if len(s.requirements) > 0 {
		args[eventlog.KeyRequirements] = s.requirements
	}
	s.log.Log(s.ctx, s.name, args)
}
