package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A test missed its expected verdict
	ExitCommandError = 2 // Command error (bad config, unreadable plan, database not found, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Table is tabular text output. In JSON mode the rows are emitted instead,
// keyed by header.
type Table struct {
	Header []string
	Rows   [][]any
	Footer string
}

// Success outputs data in the configured format. A *Table is rendered with
// go-pretty in text mode.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		if tbl, ok := data.(*Table); ok {
			data = tbl.records()
		}
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if tbl, ok := data.(*Table); ok {
		f.renderTable(tbl)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "%s %s\n", text.FgRed.Sprintf("Error [%s]:", code), message)
	return nil
}

func (f *OutputFormatter) renderTable(tbl *Table) {
	t := table.NewWriter()
	t.SetOutputMirror(f.Writer)
	t.SetStyle(table.StyleRounded)

	header := make(table.Row, len(tbl.Header))
	for i, h := range tbl.Header {
		header[i] = h
	}
	t.AppendHeader(header)
	for _, r := range tbl.Rows {
		row := make(table.Row, len(r))
		for i, c := range r {
			if s, ok := c.(string); ok {
				c = resultColor(s)
			}
			row[i] = c
		}
		t.AppendRow(row)
	}
	if tbl.Footer != "" {
		t.SetCaption(tbl.Footer)
	}
	t.Render()
}

func (tbl *Table) records() []map[string]any {
	out := make([]map[string]any, len(tbl.Rows))
	for i, r := range tbl.Rows {
		rec := make(map[string]any, len(tbl.Header))
		for j, h := range tbl.Header {
			if j < len(r) {
				rec[h] = r[j]
			}
		}
		out[i] = rec
	}
	return out
}

// resultColor highlights a verdict in text tables.
func resultColor(result string) string {
	switch result {
	case "PASSED":
		return text.FgGreen.Sprint(result)
	case "FAILED":
		return text.FgRed.Sprint(result)
	case "WARNING", "REVIEW":
		return text.FgYellow.Sprint(result)
	}
	return result
}
