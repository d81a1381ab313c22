package tillsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerDo(t *testing.T) {
	t.Run("succeeds first attempt", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
		calls := 0
		result := r.Do(context.Background(), func() error {
			calls++
			return nil
		})
		if result.LastErr != nil || result.Attempts != 1 || calls != 1 {
			t.Errorf("unexpected result: %+v calls=%d", result, calls)
		}
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond})
		calls := 0
		result := r.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if result.LastErr != nil || result.Attempts != 3 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
		calls := 0
		boom := errors.New("boom")
		result := r.Do(context.Background(), func() error {
			calls++
			return boom
		})
		if calls != 3 || result.Attempts != 3 {
			t.Errorf("expected 3 attempts, got calls=%d result=%+v", calls, result)
		}
		if !errors.Is(result.LastErr, boom) {
			t.Errorf("expected last error, got %v", result.LastErr)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		r := NewRetryer(RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			RetryIf:        IsRetryable,
		})
		calls := 0
		result := r.Do(context.Background(), func() error {
			calls++
			return ErrEngineClosed
		})
		if calls != 1 {
			t.Errorf("non-retryable error was retried %d times", calls)
		}
		if !errors.Is(result.LastErr, ErrEngineClosed) {
			t.Errorf("unexpected error: %v", result.LastErr)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result := r.Do(ctx, func() error { return errors.New("transient") })
		if !errors.Is(result.LastErr, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", result.LastErr)
		}
		if result.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", result.Attempts)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Errorf("nil error reported retryable")
	}
	if IsRetryable(context.Canceled) || IsRetryable(context.DeadlineExceeded) {
		t.Errorf("context errors reported retryable")
	}
	if IsRetryable(ErrEngineClosed) {
		t.Errorf("closed engine reported retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Errorf("transient error reported non-retryable")
	}
}

func TestNewRetryer_Defaults(t *testing.T) {
	r := NewRetryer(RetryConfig{})
	if r.config.MaxAttempts != 3 {
		t.Errorf("max attempts default: %d", r.config.MaxAttempts)
	}
	if r.config.InitialBackoff != 100*time.Millisecond {
		t.Errorf("initial backoff default: %v", r.config.InitialBackoff)
	}
	if r.config.BackoffMultiplier != 2.0 {
		t.Errorf("multiplier default: %v", r.config.BackoffMultiplier)
	}
}
