package worker

import (
	"context"
	"time"

	"github.com/kenneth/cto-orchestrator/internal/scheduler"
)

// CompensatedRetryAttempts and CompensatedRetryBase implement the
// worker-level inner retry loop, reserved for compensated
// decryption: up to 3 attempts, 2s x attempt backoff between them. This
// is the only task type with a retry layer below the registry's own;
// see the decision recorded in DESIGN.md on why the two layers don't
// compound within the same window.
const (
	CompensatedRetryAttempts = 3
	CompensatedRetryBase     = 2 * time.Second
)

// WithCompensatedRetry wraps a Processor with the inner retry loop.
// Errors wrapped in PermanentError are never retried -- a contract
// violation on attempt 1 will be a contract violation on attempt 3.
func WithCompensatedRetry(inner Processor) Processor {
	return &compensatedRetryProcessor{inner: inner}
}

type compensatedRetryProcessor struct {
	inner Processor
}

func (p *compensatedRetryProcessor) TaskType() string { return p.inner.TaskType() }

func (p *compensatedRetryProcessor) Process(ctx context.Context, env scheduler.Envelope) error {
	var lastErr error
	for attempt := 1; attempt <= CompensatedRetryAttempts; attempt++ {
		lastErr = p.inner.Process(ctx, env)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == CompensatedRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * CompensatedRetryBase):
		}
	}
	return lastErr
}
