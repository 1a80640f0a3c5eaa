package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pavelanni/courseai/internal/llm"
	"github.com/pavelanni/courseai/internal/model"
)

// Completer is the blocking half of the language-model gateway.
type Completer interface {
	Complete(ctx context.Context, turns []model.ConversationTurn) (string, error)
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// completeWithRetry calls the gateway up to attempts times. Only timeouts and
// unavailability are retried; rejected and malformed responses fail at once.
func completeWithRetry(ctx context.Context, c Completer, turns []model.ConversationTurn, attempts int, step time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (string, error) {
		out, err := c.Complete(ctx, turns)
		if err == nil {
			return out, nil
		}
		var uerr *llm.UpstreamError
		if errors.As(err, &uerr) && uerr.Retryable() {
			return "", err
		}
		return "", backoff.Permanent(err)
	},
		backoff.WithBackOff(&linearBackOff{step: step}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
}
