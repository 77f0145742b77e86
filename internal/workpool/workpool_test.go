package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(3)
	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}, func(err error) {
			defer wg.Done()
			t.Errorf("submit rejected: %v", err)
		})
	}
	wg.Wait()
	p.Wait()
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds pool size", peak.Load())
	}
	if p.Active() != 0 {
		t.Fatalf("slots leaked: %d", p.Active())
	}
}

func TestTryReserveAndSpawn(t *testing.T) {
	p := New(2)
	if err := p.TryReserve(2); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := p.TryReserve(1); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	stop := make(chan struct{})
	p.Spawn(func() { <-stop })
	p.Release(1)
	if p.Active() != 1 {
		t.Fatalf("expected one active slot, got %d", p.Active())
	}
	close(stop)
	p.Wait()
	if p.Active() != 0 {
		t.Fatalf("expected no active slots, got %d", p.Active())
	}
}

func TestSubmitHonorsContext(t *testing.T) {
	p := New(1)
	if err := p.TryReserve(1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rejected := make(chan error, 1)
	p.Submit(ctx, func() { t.Errorf("fn ran without a slot") }, func(err error) { rejected <- err })
	select {
	case err := <-rejected:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("submit never gave up")
	}
	p.Release(1)
	p.Wait()
}

func TestSubmitReturnsWhileFull(t *testing.T) {
	p := New(1)
	if err := p.TryReserve(1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ran := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		p.Submit(context.Background(), func() { close(ran) }, nil)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on a full pool")
	}
	select {
	case <-ran:
		t.Fatalf("fn ran before a slot was free")
	case <-time.After(20 * time.Millisecond):
	}
	p.Release(1)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("fn never ran after release")
	}
	p.Wait()
	if p.Active() != 0 {
		t.Fatalf("slots leaked: %d", p.Active())
	}
}

func TestRunHoldsSlot(t *testing.T) {
	p := New(1)
	err := p.Run(context.Background(), func() error {
		if p.Active() != 1 {
			t.Errorf("expected one active slot, got %d", p.Active())
		}
		if err := p.TryReserve(1); !errors.Is(err, ErrFull) {
			t.Errorf("expected ErrFull while running, got %v", err)
		}
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected fn error, got %v", err)
	}
	if p.Active() != 0 {
		t.Fatalf("slot not released, active=%d", p.Active())
	}
}
