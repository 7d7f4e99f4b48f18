package gateway

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, should be immediate", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refill every 100ms

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second token arrived after %v, expected ~100ms wait", elapsed)
	}
}

func TestTokenBucketCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001)

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("Wait should fail when the context expires first")
	}
}

func TestRateLimiterCategories(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	if rl.Trade == nil || rl.Search == nil {
		t.Fatal("both buckets must be initialized")
	}
}
