package notify

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"keygate/internal/observability/metrics"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams notification queue.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// RedisQueue appends events to a Redis Stream and drains them through a Sink
// on an independent consumer-group worker, so alerts survive a process
// restart between enqueue and delivery. Notify stays fire-and-forget: the
// XADD happens off the caller's goroutine and failures are logged only.
type RedisQueue struct {
	client       redis.UniversalClient
	sink         Sink
	stream       string
	group        string
	consumer     string
	blockTimeout time.Duration
	logger       *slog.Logger
	recorder     *metrics.Recorder

	cancel context.CancelFunc
	done   chan struct{}

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// NewRedisQueue connects to Redis, ensures the consumer group exists, and
// starts the delivery worker.
func NewRedisQueue(cfg RedisQueueConfig, sink Sink) (*RedisQueue, error) {
	if sink == nil {
		return nil, fmt.Errorf("notification sink is required")
	}
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "keygate:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notify-workers"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &RedisQueue{
		client:       client,
		sink:         sink,
		stream:       stream,
		group:        group,
		consumer:     randomConsumerID(),
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		recorder:     cfg.Recorder,
		done:         make(chan struct{}),
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.recorder == nil {
		queue.recorder = metrics.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue.cancel = cancel
	go queue.run(ctx)
	return queue, nil
}

type queuedEvent struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Notify appends the event to the stream without blocking the caller.
func (q *RedisQueue) Notify(event Event) {
	payload, err := json.Marshal(queuedEvent{
		Title:       event.Title,
		Description: event.Description,
		Severity:    event.Severity,
	})
	if err != nil {
		q.recorder.NotificationDropped()
		q.logger.Error("notification encode failed", "title", event.Title, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]interface{}{"payload": string(payload)},
		}).Err(); err != nil {
			q.recorder.NotificationDropped()
			q.logger.Warn("notification enqueue failed", "title", event.Title, "error", err)
		}
	}()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create notification group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    16,
			Block:    q.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.logger.Warn("notification queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				q.handle(ctx, message)
			}
		}
	}
}

func (q *RedisQueue) handle(ctx context.Context, message redis.XMessage) {
	defer q.ack(message.ID)

	raw, _ := message.Values["payload"].(string)
	var queued queuedEvent
	if err := json.Unmarshal([]byte(raw), &queued); err != nil {
		q.logger.Error("notification decode failed", "id", message.ID, "error", err)
		return
	}
	event := Event{Title: queued.Title, Description: queued.Description, Severity: queued.Severity}
	deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := q.sink.Deliver(deliverCtx, event)
	cancel()
	if err != nil {
		q.recorder.NotificationFailed()
		q.logger.Error("notification delivery failed", "title", event.Title, "error", err)
		return
	}
	q.recorder.NotificationDelivered()
}

func (q *RedisQueue) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Warn("notification ack failed", "id", id, "error", err)
	}
}

// Close stops the worker and releases the client, bounded by the provided
// context.
func (q *RedisQueue) Close(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
