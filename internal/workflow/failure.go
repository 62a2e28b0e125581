package workflow

import (
	"context"
	"errors"
	"fmt"

	"sagaforge/internal/llm"
	"sagaforge/internal/steps"
)

type Category string

const (
	CategoryTransport        Category = "transport"
	CategoryMalformedOutput  Category = "malformed_output"
	CategoryStateConsistency Category = "state_consistency"
	CategoryCanceled         Category = "canceled"
)

// Failure is the only error Run returns once a cycle has started. Policy
// findings and the circuit breaker are transitions, never failures.
type Failure struct {
	Category Category
	Step     State
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure in %s: %v", f.Category, f.Step, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches another Failure by category, so callers can test with
// errors.Is(err, &workflow.Failure{Category: workflow.CategoryTransport}).
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Category == f.Category && (t.Step == "" || t.Step == f.Step)
}

// CategoryOf returns the failure category of err, or "" when err is not a
// Failure.
func CategoryOf(err error) Category {
	var f *Failure
	if errors.As(err, &f) {
		return f.Category
	}
	return ""
}

func fail(step State, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Category: categorize(err), Step: step, Err: err}
}

func categorize(err error) Category {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	case errors.Is(err, steps.ErrMalformedOutput):
		return CategoryMalformedOutput
	case llm.IsTransport(err):
		return CategoryTransport
	default:
		// missing outline entries, duplicate or out-of-sequence chapters,
		// bad fork points and storage errors all abort the cycle
		return CategoryStateConsistency
	}
}
