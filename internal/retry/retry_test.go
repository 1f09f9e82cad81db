package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0,
	}
}

func TestTransientThenSuccess(t *testing.T) {
	c := New(fastPolicy(4))
	calls := 0
	got, err := Do(context.Background(), c, "fetch", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("rate limited")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
}

func TestExhaustion(t *testing.T) {
	c := New(fastPolicy(2))
	calls := 0
	_, err := Do(context.Background(), c, "fetch", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("still down")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 2 {
		t.Fatalf("want 2 attempts, got %d", calls)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	c := New(fastPolicy(5))
	calls := 0
	_, err := Do(context.Background(), c, "upsert", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errors.New("bad request"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: %d attempts", calls)
	}
}

func TestContextCancellation(t *testing.T) {
	c := New(Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Do(ctx, c, "slow", func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}
