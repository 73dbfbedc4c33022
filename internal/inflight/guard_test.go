package inflight

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLocalGuardExclusive(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()
	key := Key("c1", "9876543210")

	release, ok, err := g.TryAcquire(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first acquire must succeed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := g.TryAcquire(ctx, key); ok {
		t.Fatal("second acquire must fail while held")
	}
	if _, ok, _ := g.TryAcquire(ctx, Key("c1", "9999999999")); !ok {
		t.Fatal("a different key must not be blocked")
	}

	release()
	release()
	if _, ok, _ := g.TryAcquire(ctx, key); !ok {
		t.Fatal("key must be free after release")
	}
}

func TestLocalGuardConcurrent(t *testing.T) {
	g := NewLocalGuard()
	key := Key("c1", "9876543210")

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := g.TryAcquire(context.Background(), key); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Errorf("expected exactly one grant, got %d", granted.Load())
	}
}

func TestKeyHidesInput(t *testing.T) {
	k := Key("c1", "9876543210")
	if k == Key("c1", "9876543211") {
		t.Fatal("distinct inputs must produce distinct keys")
	}
	if len(k) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(k))
	}
	if strings.Contains(k, "9876543210") {
		t.Error("key leaks the phone number")
	}
}
