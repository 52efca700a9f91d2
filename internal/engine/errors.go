package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by an executor.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Executor names the executor (the test id).
	Executor string

	// Task names the task that was affected.
	Task string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeStopped indicates the executor no longer accepts or runs tasks.
	ErrCodeStopped RuntimeErrorCode = "EXECUTOR_STOPPED"

	// ErrCodeQuotaExceeded indicates the executor's task budget is spent.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeTaskPanic indicates a task panicked.
	ErrCodeTaskPanic RuntimeErrorCode = "TASK_PANIC"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Executor != "" && e.Task != "" {
		return fmt.Sprintf("%s: %s (executor=%s, task=%s)", e.Code, e.Message, e.Executor, e.Task)
	}
	if e.Executor != "" {
		return fmt.Sprintf("%s: %s (executor=%s)", e.Code, e.Message, e.Executor)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStopped returns true if the error reports a stopped executor.
// Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeStopped
	}
	return false
}

// IsQuotaError returns true if the error is a quota exceeded error.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeQuotaExceeded
	}
	return false
}

// NewStoppedError creates a RuntimeError for a task that cannot run.
func NewStoppedError(executor, task string) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeStopped,
		Message:  "executor stopped",
		Executor: executor,
		Task:     task,
	}
}

// NewQuotaError creates a RuntimeError for an exhausted task budget.
func NewQuotaError(executor, task string, tasks, maxTasks int) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("executor exceeded max tasks (%d > %d)", tasks, maxTasks),
		Executor: executor,
		Task:     task,
		Details: map[string]string{
			"tasks":     fmt.Sprintf("%d", tasks),
			"max_tasks": fmt.Sprintf("%d", maxTasks),
		},
	}
}

// NewPanicError creates a RuntimeError for a task that panicked.
func NewPanicError(executor, task string, recovered any) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeTaskPanic,
		Message:  fmt.Sprintf("task panicked: %v", recovered),
		Executor: executor,
		Task:     task,
	}
}
