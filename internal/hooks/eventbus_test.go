package hooks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()

	var called bool
	sub := bus.Subscribe(EventSessionCreated, func(ctx *EventContext) {
		called = true
	})
	if sub == nil || sub.ID == "" {
		t.Fatal("Subscribe returned an incomplete subscription")
	}

	bus.Publish(NewEvent(EventSessionCreated, "deepseek", "s-1"))
	if !called {
		t.Error("callback should have been called")
	}
}

func TestEventBus_SubscribeWithFilter(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()

	var calls int32
	bus.SubscribeWithFilter(EventProviderBlocked, func(*EventContext) {
		atomic.AddInt32(&calls, 1)
	}, func(ctx *EventContext) bool {
		return ctx.Provider == "qwen"
	})

	bus.Publish(NewEvent(EventProviderBlocked, "kimi", ""))
	bus.Publish(NewEvent(EventProviderBlocked, "qwen", ""))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()

	var calls int32
	sub := bus.Subscribe(EventRequestFailed, func(*EventContext) { atomic.AddInt32(&calls, 1) })
	bus.Publish(NewEvent(EventRequestFailed, "", ""))
	sub.Unsubscribe()
	bus.Publish(NewEvent(EventRequestFailed, "", ""))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", got)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()

	var second bool
	bus.Subscribe(EventSessionCrashed, func(*EventContext) { panic("boom") })
	bus.Subscribe(EventSessionCrashed, func(*EventContext) { second = true })

	bus.Publish(NewEvent(EventSessionCrashed, "zai", "s-2"))
	if !second {
		t.Error("a panicking subscriber must not stop delivery to others")
	}
}

func TestEventBus_PublishAsync(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Shutdown()

	var wg sync.WaitGroup
	wg.Add(3)
	bus.Subscribe(EventRequestCompleted, func(*EventContext) { wg.Done() })

	for i := 0; i < 3; i++ {
		bus.PublishAsync(NewEvent(EventRequestCompleted, "deepseek", ""))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async events were not delivered")
	}
}

func TestEventBus_NilAndShutdownAreSafe(t *testing.T) {
	var nilBus *EventBus
	nilBus.Publish(NewEvent(EventSessionCreated, "", ""))
	nilBus.PublishAsync(NewEvent(EventSessionCreated, "", ""))
	nilBus.Shutdown()

	bus := NewEventBus(1)
	bus.Shutdown()
	bus.Shutdown()
	bus.PublishAsync(NewEvent(EventSessionCreated, "", ""))
}

func TestEventContext_WithError(t *testing.T) {
	ev := NewEvent(EventRequestFailed, "deepseek", "s-1")
	ev.WithError(nil)
	if ev.ErrorMessage != "" {
		t.Fatal("nil error must not populate the context")
	}
}
