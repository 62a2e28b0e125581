// Package llm is the contract for external text-completion services and the
// plumbing around it: an OpenAI-compatible client, bounded retry with
// exponential backoff, and post-processing of raw completions.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Request is one completion call. Model and MaxTokens fall back to the
// role's configured values when zero, Temperature when nil.
type Request struct {
	Role        string
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var ErrExhausted = errors.New("generation retries exhausted")

// TransportError is a failure to reach the generation service or a response
// it could not serve. Temporary errors are retried.
type TransportError struct {
	Role       string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s completion: status %d: %v", e.Role, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s completion: %v", e.Role, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError or retry
// exhaustion.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrExhausted)
}
