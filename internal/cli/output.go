package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"google.golang.org/grpc/status"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The daemon answered but the operation did not apply
	ExitCommandError = 2 // Bad arguments or the daemon is unreachable
)

// ExitError is an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not
// ExitErrors map to ExitFailure.
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

// rpcError strips the gRPC wrapping from a daemon error.
func rpcError(op string, err error) error {
	if s, ok := status.FromError(err); ok {
		return WrapExitError(ExitFailure, op, errors.New(s.Message()))
	}
	return WrapExitError(ExitFailure, op, err)
}

// OutputFormatter writes results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Emit writes data as one JSON document, or calls text with a tabwriter.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// Line writes one streamed item: a compact JSON line, or text.
func (f *OutputFormatter) Line(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(data)
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Result reports a boolean operation outcome. A false result exits with
// ExitFailure.
func (f *OutputFormatter) Result(op string, ok bool) error {
	err := f.Emit(map[string]any{"op": op, "ok": ok}, func(w io.Writer) {
		if ok {
			fmt.Fprintf(w, "%s: ok\n", op)
		} else {
			fmt.Fprintf(w, "%s: no effect\n", op)
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, op+" had no effect")
	}
	return nil
}
