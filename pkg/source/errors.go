package source

import (
	"errors"
	"fmt"
)

// Common errors returned by the source and the reader.
var (
	// ErrNotFound is returned by a point lookup for an id the source doesn't have.
	ErrNotFound = errors.New("record not found")

	// ErrCursorExpired is returned when a held cursor is past its validity window,
	// or the source no longer knows the scroll context.
	ErrCursorExpired = errors.New("cursor expired")

	// ErrStopped is returned by the reader once shutdown has been requested.
	ErrStopped = errors.New("reader stopped")
)

// ErrorClass represents a classification of source transport errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents connection and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents malformed response bodies.
	ErrorClassDecode ErrorClass = "decode"
)

// Error is a source transport error with its classification.
// Every class is fatal for the migration; the class is kept for logs and metrics.
type Error struct {
	Op         string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s %s error (status %d): %s: %v",
			e.Op, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("source %s %s error (status %d): %s",
		e.Op, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
