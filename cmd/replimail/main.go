// Command replimail runs replicated mail servers, the group daemon they
// talk through, and a client for sending and reading mail.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

const version = "1.0.0"

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "replimail: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// usageError marks a bad invocation, as opposed to a failed operation.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailure
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}
