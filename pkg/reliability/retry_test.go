package reliability

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/craterhost/panel/pkg/errors"
)

func retriableErr() error {
	return errors.New(errors.ErrCodeAgentUnreachable, "agent unreachable").WithRetryable(true)
}

// TestRetryStrategy_SuccessOnFirstAttempt verifies that when the function
// succeeds on the first attempt, no retries occur.
func TestRetryStrategy_SuccessOnFirstAttempt(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	fn := func() error {
		attempts++
		return nil
	}

	ctx := context.Background()
	err := strategy.Execute(ctx, fn)

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// TestRetryStrategy_RetryOnRetriableError verifies that retriable errors
// trigger retries up to MaxRetries.
func TestRetryStrategy_RetryOnRetriableError(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return retriableErr()
		}
		return nil
	}

	ctx := context.Background()
	start := time.Now()
	err := strategy.Execute(ctx, fn)
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	// Verify backoff occurred: first retry after ~10ms, second after ~20ms = ~30ms total
	// Add some buffer for timing variability
	if elapsed < 15*time.Millisecond {
		t.Errorf("elapsed time = %v, want >= 15ms (indicates backoff occurred)", elapsed)
	}
}

func TestRetryStrategy_StopOnNonRetriableError(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	nonRetriableErr := errors.New(errors.ErrCodeInsufficientCredits, "insufficient credits")
	fn := func() error {
		attempts++
		return nonRetriableErr
	}

	ctx := context.Background()
	err := strategy.Execute(ctx, fn)

	if err == nil {
		t.Error("Execute() error = nil, want non-nil")
	}

	if !stderrors.Is(err, nonRetriableErr) {
		t.Errorf("Execute() error = %v, want %v", err, nonRetriableErr)
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (should not retry non-retriable errors)", attempts)
	}
}

// TestRetryStrategy_ContextCancellation verifies that context cancellation
// stops the retry loop.
func TestRetryStrategy_ContextCancellation(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	fn := func() error {
		attempts++
		return retriableErr()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := strategy.Execute(ctx, fn)

	if err == nil {
		t.Error("Execute() error = nil, want context error")
	}

	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}

	// Should have attempted at least once, but not all 10 times
	if attempts == 0 {
		t.Error("attempts = 0, want > 0")
	}

	if attempts > 5 {
		t.Errorf("attempts = %d, want < 5 (context should cancel before max retries)", attempts)
	}
}

// TestRetryStrategy_MaxRetriesEnforcement verifies that retries stop
// after MaxRetries is reached.
func TestRetryStrategy_MaxRetriesEnforcement(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	fn := func() error {
		attempts++
		return retriableErr()
	}

	ctx := context.Background()
	err := strategy.Execute(ctx, fn)

	if err == nil {
		t.Error("Execute() error = nil, want non-nil")
	}

	// 1 initial attempt + 3 retries = 4 total
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestIsRetriable_StructuredErrors(t *testing.T) {
	if !isRetriable(errors.New(errors.ErrCodeAgentUnreachable, "x").WithRetryable(true)) {
		t.Error("retryable structured error should be retriable")
	}
	if isRetriable(errors.New(errors.ErrCodeInvalidInput, "x")) {
		t.Error("non-retryable structured error should not be retriable")
	}
	// Wrapped structured errors still classify.
	wrapped := errors.Wrap(retriableErr(), errors.ErrCodeAgentError, "call failed").WithRetryable(true)
	if !isRetriable(wrapped) {
		t.Error("wrapped retryable error should be retriable")
	}
}

func TestIsRetriable_ContextErrors(t *testing.T) {
	if !isRetriable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should be retriable")
	}
	if isRetriable(context.Canceled) {
		t.Error("context.Canceled should not be retriable")
	}
}

func TestIsRetriable_NetTimeout(t *testing.T) {
	var err error = &net.DNSError{Err: "timeout", IsTimeout: true}
	if !isRetriable(err) {
		t.Error("net timeout should be retriable")
	}
}

func TestIsRetriable_UnknownError(t *testing.T) {
	if isRetriable(stderrors.New("who knows")) {
		t.Error("unknown error types should not be retriable")
	}
}

// TestRetryStrategy_ZeroMaxRetries verifies that MaxRetries=0 means a single
// attempt with no retries.
func TestRetryStrategy_ZeroMaxRetries(t *testing.T) {
	strategy := &RetryStrategy{
		MaxRetries: 0,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   100 * time.Millisecond,
		Multiplier: 2.0,
	}

	attempts := 0
	fn := func() error {
		attempts++
		return retriableErr()
	}

	err := strategy.Execute(context.Background(), fn)

	if err == nil {
		t.Error("Execute() error = nil, want non-nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
