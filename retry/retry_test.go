package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Millisecond,
	}
}

func TestSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestMaxRetriesExceeded(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("err = %v, want ErrMaxRetries", err)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("err %v should wrap the cause", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestNotRetryableStopsEarly(t *testing.T) {
	cfg := fastConfig()
	cfg.IsRetryable = func(err error) bool { return !errors.Is(err, errTransient) }

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour // force the select to wait on ctx

	errc := make(chan error, 1)
	go func() {
		errc <- Do(ctx, cfg, func(context.Context) error {
			return errTransient
		})
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrContextCanceled) {
			t.Fatalf("err = %v, want ErrContextCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if v != 42 {
		t.Fatalf("result = %d, want 42", v)
	}
}
