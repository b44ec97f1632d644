package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/observability/metrics"
)

// Dispatcher queues events in memory and drains them through a Sink on a
// single background worker, decoupling login latency from the alert target's
// availability. Notify never blocks: when the buffer is full the event is
// dropped and counted. Delivery is at-most-once with no retries.
type Dispatcher struct {
	sink     Sink
	logger   *slog.Logger
	recorder *metrics.Recorder
	timeout  time.Duration

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger used for delivery failures.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherRecorder overrides the metrics recorder.
func WithDispatcherRecorder(recorder *metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// WithDispatcherBuffer sets the queue depth before events are dropped.
func WithDispatcherBuffer(buffer int) DispatcherOption {
	return func(d *Dispatcher) {
		if buffer > 0 {
			d.events = make(chan Event, buffer)
		}
	}
}

// WithDeliveryTimeout bounds each delivery attempt.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher constructs a Dispatcher and starts its worker.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		logger:   slog.Default(),
		recorder: metrics.Default(),
		timeout:  10 * time.Second,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	go d.run()
	return d
}

// Notify enqueues the event for background delivery without blocking.
func (d *Dispatcher) Notify(event Event) {
	select {
	case d.events <- event:
	default:
		d.recorder.NotificationDropped()
		d.logger.Warn("notification queue full, dropping event", "title", event.Title)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, event)
		cancel()
		if err != nil {
			d.recorder.NotificationFailed()
			d.logger.Error("notification delivery failed", "title", event.Title, "error", err)
			continue
		}
		d.recorder.NotificationDelivered()
	}
}

// Close stops accepting events and waits for the worker to drain the queue,
// bounded by the provided context.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		close(d.events)
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
