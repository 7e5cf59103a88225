package eventbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/model"
)

func TestPublishSyncDispatchesBeforeReturning(t *testing.T) {
	b := New(8, zerolog.Nop())
	var got int32
	b.Subscribe(model.EventLockAcquired, func(model.AuditEvent) {
		atomic.StoreInt32(&got, 1)
	})

	b.PublishSync(model.AuditEvent{EventType: model.EventLockAcquired})

	if atomic.LoadInt32(&got) != 1 {
		t.Fatal("expected synchronous handler to have run before PublishSync returned")
	}
}

func TestWildcardSubscriberSeesEveryEventType(t *testing.T) {
	b := New(8, zerolog.Nop())
	var count int32
	b.SubscribeAll(func(model.AuditEvent) { atomic.AddInt32(&count, 1) })

	b.PublishSync(model.AuditEvent{EventType: model.EventLockAcquired})
	b.PublishSync(model.AuditEvent{EventType: model.EventFileCreate})

	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestPublishIsAsyncAndEventuallyDispatches(t *testing.T) {
	b := New(8, zerolog.Nop())
	b.Start()
	defer b.Stop()

	done := make(chan struct{})
	b.Subscribe(model.EventFileCreate, func(model.AuditEvent) { close(done) })

	b.Publish(model.AuditEvent{EventType: model.EventFileCreate})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run within timeout")
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := New(8, zerolog.Nop())
	var ran int32
	b.SubscribeAll(func(model.AuditEvent) { panic("boom") })
	b.SubscribeAll(func(model.AuditEvent) { atomic.AddInt32(&ran, 1) })

	b.PublishSync(model.AuditEvent{EventType: model.EventLog})

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected second handler to still run after first panicked")
	}
}
