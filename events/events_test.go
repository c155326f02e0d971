package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/bizflow/types"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	eb.Subscribe(StateChanged, handler)

	eb.mu.RLock()
	handlers, ok := eb.handlers[StateChanged]
	eb.mu.RUnlock()

	if !ok {
		t.Fatal("Expected handlers for state_changed, but none found")
	}
	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}
	eb.Subscribe(StateChanged, handler1)
	eb.Subscribe(StateChanged, handler2)

	if !eb.Unsubscribe(StateChanged, handler1) {
		t.Fatal("Unsubscribe should return true for existing handler")
	}
	if !eb.HasSubscribers(StateChanged) {
		t.Fatal("Expected handler2 to remain subscribed")
	}
	if eb.Unsubscribe(StateChanged, &mockHandler{}) {
		t.Fatal("Unsubscribe should return false for non-existent handler")
	}
	if !eb.Unsubscribe(StateChanged, handler2) {
		t.Fatal("Unsubscribe should return true for handler2")
	}
	if eb.HasSubscribers(StateChanged) {
		t.Fatal("Expected no subscribers after removing both handlers")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	eb.Subscribe(InstanceCreated, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.InstanceID != 123 {
				t.Errorf("Expected instance ID 123, got %d", event.InstanceID)
			}
			if event.Entity.ID != "42" {
				t.Errorf("Expected entity 42, got %q", event.Entity.ID)
			}
			if event.OccurredAt.IsZero() {
				t.Error("Expected OccurredAt to be stamped")
			}
			return nil
		},
	})

	err := eb.Publish(context.Background(), Event{
		Type:       InstanceCreated,
		InstanceID: 123,
		Entity:     types.EntityRef{Type: "order", ID: "42"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishRecordEvent(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	rec := types.RecordEvent{
		Kind:    types.RecordCreated,
		Entity:  types.EntityRef{Type: "order", ID: "7"},
		Payload: map[string]interface{}{"amount": 10},
	}

	var got Event
	eb.SubscribeFunc(types.RecordCreated, func(ctx context.Context, event Event) error {
		got = event
		return nil
	})

	if errs := eb.PublishSync(context.Background(), RecordEventOf(rec)); len(errs) != 0 {
		t.Fatalf("PublishSync returned errors: %v", errs)
	}
	if got.Record == nil || got.Record.Entity.ID != "7" {
		t.Fatalf("Expected record event to be delivered, got %+v", got)
	}
	if got.Data["amount"] != 10 {
		t.Fatalf("Expected payload in Data, got %v", got.Data)
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc(ActionFailed, func(ctx context.Context, event Event) error {
		return errors.New("first")
	})
	eb.SubscribeFunc(ActionFailed, func(ctx context.Context, event Event) error {
		return nil
	})
	eb.SubscribeFunc(ActionFailed, func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: ActionFailed})
	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d: %v", len(errs), errs)
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	if err := eb.Publish(context.Background(), Event{Type: InstanceFailed}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
	errs := eb.PublishSync(context.Background(), Event{Type: InstanceFailed})
	if len(errs) != 1 || !errors.Is(errs[0], ErrNoHandler) {
		t.Fatalf("Expected [ErrNoHandler], got %v", errs)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(StateChanged, &mockHandler{})
	eb.Stop()

	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	errs := eb.PublishSync(context.Background(), Event{Type: StateChanged})
	if len(errs) != 1 || !errors.Is(errs[0], ErrBusClosed) {
		t.Fatalf("Expected [ErrBusClosed], got %v", errs)
	}
	// Stopping twice is safe.
	eb.Stop()
}

func TestEventBus_StopDeliversQueued(t *testing.T) {
	eb := NewEventBus(WithBufferSize(10))

	var mu sync.Mutex
	count := 0
	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 5; i++ {
		if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("Expected 5 deliveries, got %d", count)
	}
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(block)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	// The first event occupies the processor, the second fills the buffer.
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("Expected ErrChannelFull, got %v", err)
	}
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex

	eb := NewEventBus(
		WithBufferSize(200),
		WithSyncTimeout(time.Second),
		WithErrorHandler(func(event Event, err error) {
			customErrorMu.Lock()
			customErrorCalled = true
			customErrorMu.Unlock()
		}),
	)

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}
	if eb.syncTimeout != time.Second {
		t.Fatalf("Expected sync timeout 1s, got %v", eb.syncTimeout)
	}

	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})
	if err := eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: 123}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eb.Stop()

	customErrorMu.Lock()
	defer customErrorMu.Unlock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_DefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(InstanceFailed, func(ctx context.Context, event Event) error {
		return errors.New("sink down")
	})
	if err := eb.Publish(context.Background(), Event{Type: InstanceFailed, InstanceID: 9}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eb.Stop()

	entries := logs.FilterMessage("event handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["instance_id"]; got != uint64(9) {
		t.Fatalf("Expected instance_id 9, got %v", got)
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(StateChanged, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := eb.Publish(ctx, Event{Type: StateChanged}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
