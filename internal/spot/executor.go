package spot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/oracle"
)

// OracleExecutor fills swaps at the oracle price less a fee, used for
// paper trading and tests.
type OracleExecutor struct {
	oracle oracle.Oracle
	feeBps decimal.Decimal
}

func NewOracleExecutor(o oracle.Oracle, feeBps int64) *OracleExecutor {
	return &OracleExecutor{oracle: o, feeBps: decimal.NewFromInt(feeBps)}
}

func (e *OracleExecutor) Swap(_ context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	out, err := e.oracle.Convert(from, to, amount)
	if err != nil {
		return decimal.Zero, err
	}
	fee := out.Mul(e.feeBps).Div(decimal.NewFromInt(10000))
	return out.Sub(fee), nil
}

// RetryExecutor wraps an Executor with bounded exponential backoff for
// transient failures.
type RetryExecutor struct {
	inner    Executor
	attempts int
	backoff  time.Duration
	log      *zap.Logger
}

func NewRetryExecutor(inner Executor, attempts int, backoff time.Duration, log *zap.Logger) *RetryExecutor {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &RetryExecutor{inner: inner, attempts: attempts, backoff: backoff, log: log}
}

func (r *RetryExecutor) Swap(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	backoff := r.backoff
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		out, err := r.inner.Swap(ctx, from, to, amount)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == r.attempts-1 {
			break
		}
		r.log.Warn("swap attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return decimal.Zero, fmt.Errorf("swap retries exhausted: %w", lastErr)
}
