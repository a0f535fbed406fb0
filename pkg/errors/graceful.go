// Package errors carries operation context on fatal errors and maps them to
// process exit codes for the command line tool.
package errors

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes returned by the CLI.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsage      = 2
	ExitConfig     = 3
	ExitValidation = 4
)

type GracefulError struct {
	Operation string
	Err       error
	Code      int
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err, Code: ExitFailure}
}

// ConfigError reports a configuration file that could not be read or parsed.
func ConfigError(configPath string, err error) *GracefulError {
	op := fmt.Sprintf("load configuration '%s'", configPath)
	if os.IsNotExist(err) {
		op = fmt.Sprintf("open configuration '%s'", configPath)
	}
	return &GracefulError{Operation: op, Err: err, Code: ExitConfig}
}

// ValidationError reports an invalid configuration value.
func ValidationError(field string, err error) *GracefulError {
	return &GracefulError{Operation: "validate " + field, Err: err, Code: ExitValidation}
}

// ExitCode returns the exit code carried by err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var g *GracefulError
	if errors.As(err, &g) && g.Code != 0 {
		return g.Code
	}
	return ExitFailure
}

// Report writes err to w and returns its exit code.
func Report(w io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(w, "ERROR: %v\n", err)
	return ExitCode(err)
}
