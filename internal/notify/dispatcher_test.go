package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"keygate/internal/observability/metrics"
)

type captureSink struct {
	mu      sync.Mutex
	events  []Event
	err     error
	release chan struct{}
}

func (s *captureSink) Deliver(ctx context.Context, event Event) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return s.err
}

func (s *captureSink) delivered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	sink := &captureSink{}
	dispatcher := NewDispatcher(sink, WithDispatcherRecorder(metrics.New()))

	for i := 0; i < 5; i++ {
		dispatcher.Notify(Event{Title: "evt", Severity: SeverityInfo})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(sink.delivered()); got != 5 {
		t.Fatalf("expected 5 deliveries, got %d", got)
	}
}

func TestDispatcherNotifyNeverBlocks(t *testing.T) {
	sink := &captureSink{release: make(chan struct{})}
	recorder := metrics.New()
	dispatcher := NewDispatcher(sink,
		WithDispatcherRecorder(recorder),
		WithDispatcherBuffer(1),
	)

	done := make(chan struct{})
	go func() {
		// The worker is stuck in Deliver, so the buffer fills and
		// further events are dropped rather than blocking.
		for i := 0; i < 20; i++ {
			dispatcher.Notify(Event{Title: "evt"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked with a full queue")
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = dispatcher.Close(ctx)
}

func TestDispatcherContinuesAfterDeliveryFailure(t *testing.T) {
	sink := &captureSink{err: errors.New("webhook down")}
	dispatcher := NewDispatcher(sink, WithDispatcherRecorder(metrics.New()))

	dispatcher.Notify(Event{Title: "first"})
	dispatcher.Notify(Event{Title: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(sink.delivered()); got != 2 {
		t.Fatalf("worker should keep draining after failures, got %d attempts", got)
	}
}
