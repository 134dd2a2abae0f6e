package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockHandler records the events it receives.
type mockHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *mockHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *mockHandler) received() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_Subscribe(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	handler := &mockHandler{}
	b.Subscribe("job_state_changed", handler)

	b.mu.RLock()
	handlers, ok := b.handlers["job_state_changed"]
	b.mu.RUnlock()

	if !ok {
		t.Fatal("expected handlers for job_state_changed, but none found")
	}
	if len(handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(handlers))
	}
}

func TestBus_PublishDelivers(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	handler := &mockHandler{}
	b.Subscribe("job_state_changed", handler)

	event := Event{
		Type: "job_state_changed",
		Key:  "10:v1",
		Data: map[string]interface{}{"status": "success"},
	}
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool { return len(handler.received()) == 1 })

	got := handler.received()[0]
	if got.Key != "10:v1" {
		t.Errorf("expected key 10:v1, got %s", got.Key)
	}
	if got.Data["status"] != "success" {
		t.Errorf("expected status success, got %v", got.Data["status"])
	}
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	// Events with no subscribers are dropped, not buffered.
	if err := b.Publish(context.Background(), Event{Type: "orphan"}); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestBus_SubscribeFunc(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	var mu sync.Mutex
	var keys []string
	b.SubscribeFunc("progress_recorded", func(ctx context.Context, event Event) error {
		mu.Lock()
		keys = append(keys, event.Key)
		mu.Unlock()
		return nil
	})

	for _, key := range []string{"7:100", "7:101"} {
		if err := b.Publish(context.Background(), Event{Type: "progress_recorded", Key: key}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if keys[0] != "7:100" || keys[1] != "7:101" {
		t.Errorf("events delivered out of order: %v", keys)
	}
}

func TestBus_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var captured error
	b := NewBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		captured = err
		mu.Unlock()
	}))
	defer b.Stop()

	handlerErr := errors.New("handler failure")
	b.Subscribe("job_failed", &mockHandler{err: handlerErr})

	if err := b.Publish(context.Background(), Event{Type: "job_failed"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errors.Is(captured, handlerErr)
	})
}

func TestBus_PublishAfterStop(t *testing.T) {
	b := NewBus()
	b.Subscribe("job_state_changed", &mockHandler{})
	b.Stop()

	err := b.Publish(context.Background(), Event{Type: "job_state_changed"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_PublishCanceledContext(t *testing.T) {
	b := NewBus()
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, Event{Type: "job_state_changed"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBus_BufferFull(t *testing.T) {
	b := NewBus(WithBufferSize(1))
	defer b.Stop()

	// Block the processing goroutine so the buffer backs up.
	release := make(chan struct{})
	b.SubscribeFunc("slow", func(ctx context.Context, event Event) error {
		<-release
		return nil
	})
	defer close(release)

	ctx := context.Background()
	if err := b.Publish(ctx, Event{Type: "slow"}); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}

	// One event may already be with the handler; keep publishing until the
	// buffer rejects.
	var err error
	for i := 0; i < 3; i++ {
		if err = b.Publish(ctx, Event{Type: "slow"}); errors.Is(err, ErrChannelFull) {
			break
		}
	}
	if !errors.Is(err, ErrChannelFull) {
		t.Fatalf("expected ErrChannelFull, got %v", err)
	}
}
