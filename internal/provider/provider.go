// Package provider defines the boundary to external text-generation services.
// The pipeline is provider-agnostic: it depends only on "returns text, may
// fail with one of three error classes" (auth, transient, policy).
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface all text-generation providers implement.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request carries the prompt and generation parameters for one call.
type Request struct {
	System      string  // System/instruction prompt
	Prompt      string  // User prompt
	MaxTokens   int     // Output token cap (0 = provider default)
	Temperature float64 // Sampling temperature
}

// ErrorClass partitions provider failures by how the pipeline must react.
type ErrorClass string

const (
	// ClassAuth - authentication/configuration failure. Fatal and
	// non-retryable: aborts the whole regeneration session.
	ClassAuth ErrorClass = "auth"
	// ClassTransient - network/rate-limit/server failure. Fails only the
	// current attempt.
	ClassTransient ErrorClass = "transient"
	// ClassPolicy - content-policy rejection. Terminal for the attempt; the
	// session may continue with different constraints.
	ClassPolicy ErrorClass = "policy"
)

// Error is a classified provider failure.
type Error struct {
	Class   ErrorClass
	Status  int // HTTP status, 0 if not applicable
	Message string
	Err     error // Wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether err carries an auth-class provider error.
func IsFatal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Class == ClassAuth
}

// ClassOf returns the error class of err, defaulting unclassified errors
// (network failures, context cancellation) to transient.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}
