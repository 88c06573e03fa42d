package infra

import (
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(3, 1)

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("acquire %d should succeed within burst", i)
		}
	}

	if rl.TryAcquire() {
		t.Error("acquire beyond burst should fail")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(1, 50) // refills fast for the test

	if !rl.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if rl.TryAcquire() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)

	if !rl.TryAcquire() {
		t.Error("bucket should have refilled")
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(1, 20)
	rl.TryAcquire()

	start := time.Now()
	rl.Wait()
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Wait took too long: %v", elapsed)
	}
}
