package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Request completed, definitions valid
	ExitFailure      = 1 // Request errored, definitions invalid
	ExitCommandError = 2 // Bad flags, unreadable files, unreachable database
)

// Error codes, shared by every command's output.
const (
	ErrCodeGeneric        = "E001" // Generic/unknown error
	ErrCodeScanError      = "E002" // Directory scan error
	ErrCodeNoFiles        = "E003" // No dataset files found
	ErrCodeInvalidDataset = "E004" // Dataset definitions invalid
	ErrCodeNotFound       = "E005" // Path or record not found
	ErrCodeInvalidConfig  = "E006" // Config, policy or flags invalid
	ErrCodeStoreFailed    = "E007" // Task store or cache unavailable
	ErrCodeRequestFailed  = "E008" // Privacy request ended in error
	ErrCodeScenarioFailed = "E009" // One or more harness scenarios failed

	ErrCodeInvalidGraph = "E201" // Dataset graph references are inconsistent
	ErrCodeUnreachable  = "E202" // Collections unreachable from the identity
	ErrCodeErasureCycle = "E203" // erase_after constraints form a cycle
	ErrCodeNoIdentity   = "E204" // Identity seed is empty
)

// ExitError carries the process exit code and output error code of a
// failed command.
type ExitError struct {
	Code    int    // Exit code (ExitFailure or ExitCommandError)
	ErrCode string // Output error code, e.g. "E004"
	Message string
	Err     error

	reported bool
}

// Reported reports whether the error was already written to the output.
func (e *ExitError) Reported() bool { return e.reported }

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, errCode, message string) *ExitError {
	return &ExitError{Code: code, ErrCode: errCode, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, errCode, message string, err error) *ExitError {
	return &ExitError{Code: code, ErrCode: errCode, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostics; defaults to Writer
	Verbose   bool
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error part of a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data. In text mode, text is printed instead when non-empty.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	if text == "" {
		text = fmt.Sprint(data)
	}
	_, err := fmt.Fprintln(f.Writer, strings.TrimRight(text, "\n"))
	return err
}

// Error writes an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail writes err and returns it, so a command can end with
// `return f.Fail(err)`.
func (f *OutputFormatter) Fail(err *ExitError) error {
	msg := err.Message
	if err.Err != nil {
		msg = fmt.Sprintf("%s: %v", err.Message, err.Err)
	}
	err.reported = true
	if werr := f.Error(err.ErrCode, msg, nil); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// VerboseLog writes to ErrWriter only in verbose mode, so JSON output on
// Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// table renders rows under headers with aligned columns.
func table(headers []string, rows [][]string) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	tw.Flush()
	return b.String()
}
