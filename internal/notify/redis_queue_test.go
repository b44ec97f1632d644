package notify

import (
	"context"
	"testing"
	"time"

	"keygate/internal/observability/metrics"
	"keygate/internal/testsupport/redisstub"
)

func TestRedisQueueDeliversThroughSink(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	sink := &captureSink{}
	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-notifications",
		Group:        "test-group",
		BlockTimeout: 50 * time.Millisecond,
		Recorder:     metrics.New(),
	}, sink)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = queue.Close(ctx)
	})

	queue.Notify(Event{
		Title:       "Account Locked",
		Description: "alpha locked",
		Severity:    SeverityCritical,
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		events := sink.delivered()
		if len(events) == 1 {
			if events[0].Title != "Account Locked" || events[0].Severity != SeverityCritical {
				t.Fatalf("unexpected event: %+v", events[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never delivered, got %d", len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRedisQueueToleratesExistingGroup(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	cfg := RedisQueueConfig{
		Addr:         srv.Addr(),
		Stream:       "shared-stream",
		Group:        "shared-group",
		BlockTimeout: 50 * time.Millisecond,
		Recorder:     metrics.New(),
	}
	first, err := NewRedisQueue(cfg, &captureSink{})
	if err != nil {
		t.Fatalf("first queue: %v", err)
	}
	second, err := NewRedisQueue(cfg, &captureSink{})
	if err != nil {
		t.Fatalf("second queue must tolerate BUSYGROUP: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = first.Close(ctx)
	_ = second.Close(ctx)
}

func TestRedisQueueRequiresSinkAndAddr(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{Addr: "127.0.0.1:0"}, nil); err == nil {
		t.Fatalf("expected error without sink")
	}
	if _, err := NewRedisQueue(RedisQueueConfig{}, &captureSink{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
