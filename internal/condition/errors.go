package condition

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes condition errors.
type ErrorCode string

const (
	// ErrCodePreconditionMissing means an input the check needs is absent.
	ErrCodePreconditionMissing ErrorCode = "PRECONDITION_MISSING"

	// ErrCodeAssertionFailed means the system under test misbehaved.
	ErrCodeAssertionFailed ErrorCode = "ASSERTION_FAILED"

	// ErrCodeInternal means the harness itself is broken, e.g. a condition
	// did not produce what its contract promised.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnexpectedPath means an inbound request hit a path the test
	// module does not serve.
	ErrCodeUnexpectedPath ErrorCode = "UNEXPECTED_HTTP_PATH"
)

// Error is a failed condition evaluation.
type Error struct {
	Code         ErrorCode
	TestID       string
	Source       string // condition or module name
	Message      string
	Args         map[string]any
	Requirements []string
	Cause        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error from slog-style key/value pairs.
func NewError(code ErrorCode, testID, source, message string, kv ...any) *Error {
	return &Error{
		Code:    code,
		TestID:  testID,
		Source:  source,
		Message: message,
		Args:    kvToMap(kv),
	}
}

// AbortError is the fatal outcome of a sequence: the test has been failed
// and nothing after the failing step runs.
type AbortError struct {
	TestID string
	Source string
	Cause  error
}

func (f *AbortError) Error() string {
	return fmt.Sprintf("test %s aborted by %s: %v", f.TestID, f.Source, f.Cause)
}

func (f *AbortError) Unwrap() error { return f.Cause }

// NewAbort wraps cause as a fatal test failure.
func NewAbort(testID, source string, cause error) *AbortError {
	return &AbortError{TestID: testID, Source: source, Cause: cause}
}

// CodeOf returns the ErrorCode of the first *Error in err's chain, or ""
// when there is none.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsPreconditionMissing reports whether err carries ErrCodePreconditionMissing.
func IsPreconditionMissing(err error) bool { return CodeOf(err) == ErrCodePreconditionMissing }

// IsAssertionFailed reports whether err carries ErrCodeAssertionFailed.
func IsAssertionFailed(err error) bool { return CodeOf(err) == ErrCodeAssertionFailed }

// IsInternal reports whether err carries ErrCodeInternal.
func IsInternal(err error) bool { return CodeOf(err) == ErrCodeInternal }

// IsUnexpectedPath reports whether err carries ErrCodeUnexpectedPath.
func IsUnexpectedPath(err error) bool { return CodeOf(err) == ErrCodeUnexpectedPath }

// IsAbort reports whether err is a fatal test failure.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

func kvToMap(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 < len(kv) {
			out[key] = kv[i+1]
		} else {
			out[key] = "!MISSING"
		}
	}
	return out
}
