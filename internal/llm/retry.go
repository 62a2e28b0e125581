package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"sagaforge/internal/config"
)

// Retrying wraps a Completer with a per-call timeout and exponential backoff
// on temporary transport errors. It is independent of the workflow's
// revision loop, which handles rejected drafts.
type Retrying struct {
	Next           Completer
	MaxAttempts    int
	CallTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

func NewRetrying(next Completer, cfg config.LLMConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		Next:           next,
		MaxAttempts:    cfg.MaxAttempts,
		CallTimeout:    cfg.CallTimeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Logger:         logger,
	}
}

func (r *Retrying) Complete(ctx context.Context, req Request) (string, error) {
	attempts := max(r.MaxAttempts, 1)

	b := backoff.NewExponentialBackOff()
	if r.InitialBackoff > 0 {
		b.InitialInterval = r.InitialBackoff
	}
	if r.MaxBackoff > 0 {
		b.MaxInterval = r.MaxBackoff
	}

	tries := 0
	op := func() (string, error) {
		tries++
		callCtx := ctx
		if r.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.CallTimeout)
			defer cancel()
		}

		out, err := r.Next.Complete(callCtx, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &TransportError{Role: req.Role, Temporary: true, Err: fmt.Errorf("call timed out after %s", r.CallTimeout)}
		}
		var te *TransportError
		if errors.As(err, &te) && te.Temporary {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		r.Logger.Warn("retrying completion", "role", req.Role, "attempt", tries, "wait", wait, "error", err)
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var te *TransportError
	if errors.As(err, &te) && te.Temporary && tries >= attempts {
		return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, tries, err)
	}
	return "", err
}
