// Command fulltext-migrate copies fulltext documents from an Elasticsearch
// index into an S3 bucket, resuming from its checkpoint after a stop or crash.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitFatal         = 1
	ExitInvalidConfig = 2
	ExitInterrupted   = 3
)

var version = "dev"

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintln(stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag and argument errors from cobra
	return ExitInvalidConfig
}
