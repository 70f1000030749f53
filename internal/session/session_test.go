package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthOrderAndUsable(t *testing.T) {
	order := []Health{HealthStarting, HealthReady, HealthDegraded, HealthAuthRequired, HealthDead}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Fatalf("%s must be ordered before %s", order[i-1], order[i])
		}
	}
	if !HealthReady.Usable() || !HealthDegraded.Usable() || HealthDead.Usable() || HealthAuthRequired.Usable() {
		t.Fatal("unexpected usability mapping")
	}
	if HealthAuthRequired.String() != "auth_required" {
		t.Fatalf("unexpected string %q", HealthAuthRequired.String())
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := newSession("deepseek")
	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Lock(context.Background()); err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			s.Unlock()
		}()
	}
	wg.Wait()
	if maxHolders != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxHolders)
	}
}

func TestLockHonoursContext(t *testing.T) {
	s := newSession("deepseek")
	if !s.TryLock() {
		t.Fatal("fresh session must be lockable")
	}
	if s.TryLock() {
		t.Fatal("second TryLock must fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Lock(ctx); err == nil {
		t.Fatal("Lock must fail when ctx expires")
	}
	s.Unlock()
	s.Unlock()
	if !s.TryLock() {
		t.Fatal("lock must be free after Unlock")
	}
}

func TestBeginRejectsSecondGeneration(t *testing.T) {
	s := newSession("qwen")
	if err := s.Begin("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Begin("b"); err == nil {
		t.Fatal("expected conflict for second correlation id")
	}
	s.End("b")
	if s.InFlight() != "a" {
		t.Fatal("End with another id must not clear the marker")
	}
	s.End("a")
	if s.InFlight() != "" {
		t.Fatal("marker not cleared")
	}
}
