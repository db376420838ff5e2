package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadloom/pkg/clock"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.n); got != tc.want {
			t.Fatalf("Delay(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestDelayJitterStaysWithinTenPercent(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	for i := 0; i < 100; i++ {
		got := p.Delay(0)
		if got < 9*time.Second || got > 11*time.Second {
			t.Fatalf("Delay(0) = %s, want within 10%% of 10s", got)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	var retries []int
	done := make(chan Result, 1)
	go func() {
		done <- Do(context.Background(), c, p, func(_ context.Context, attempt int) error {
			if attempt < 3 {
				return errors.New("rate_limited")
			}
			return nil
		}, func(attempt int, _ time.Duration, _ error) {
			retries = append(retries, attempt)
		})
	}()

	for i := 0; i < 2; i++ {
		c.WaitForTimers(1)
		c.Advance(time.Second)
	}

	result := <-done
	if !result.Success {
		t.Fatalf("Success = false, last error %v", result.LastError)
	}
	if result.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", result.Attempts)
	}
	if len(result.RetryReasons) != 2 {
		t.Fatalf("RetryReasons = %v, want 2 entries", result.RetryReasons)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retry hook attempts = %v, want [1 2]", retries)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("not found")
	calls := 0
	result := Do(context.Background(), clock.NewFake(time.Unix(0, 0)), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	}, nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.LastError, sentinel) {
		t.Fatalf("LastError = %v, want %v", result.LastError, sentinel)
	}
	if IsPermanent(result.LastError) {
		t.Fatal("LastError should be unwrapped from the permanent marker")
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	result := Do(context.Background(), clock.NewFake(time.Unix(0, 0)), Policy{MaxAttempts: 1}, func(context.Context, int) error {
		return errors.New("boom")
	}, nil)

	if result.Success || result.Attempts != 1 || result.LastError == nil {
		t.Fatalf("result = %+v, want one failed attempt", result)
	}
}

func TestDoHonorsCanceledContextDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := clock.NewFake(time.Unix(0, 0))

	done := make(chan Result, 1)
	go func() {
		done <- Do(ctx, c, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, func(context.Context, int) error {
			return errors.New("boom")
		}, nil)
	}()

	c.WaitForTimers(1)
	cancel()

	result := <-done
	if !errors.Is(result.LastError, context.Canceled) {
		t.Fatalf("LastError = %v, want context.Canceled", result.LastError)
	}
}
