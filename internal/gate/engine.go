// Package gate implements the account gating state machine: an account is
// unbound until its first valid login, bound to that originating address
// afterwards, and locked forever once a valid credential arrives from any
// other address.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"keygate/internal/notify"
	"keygate/internal/observability/metrics"
	"keygate/internal/storage"
)

// Decision is the outcome of a login attempt. Accepted carries the session
// token the caller should set as a cookie. Every rejection path produces the
// same zero Decision so callers cannot distinguish rejection reasons.
type Decision struct {
	Accepted bool
	Token    string
}

// Engine drives login attempts and session checks against the account store.
// Mutating load-mutate-save sequences are serialized through a single mutex,
// so two concurrent attempts for the same key cannot lose an update within
// this process. Writers in other processes remain last-writer-wins.
type Engine struct {
	mu       sync.Mutex
	store    storage.Repository
	notifier notify.Notifier
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier installs the alert notifier invoked on binding and lockout.
func WithNotifier(notifier notify.Notifier) Option {
	return func(e *Engine) {
		if notifier != nil {
			e.notifier = notifier
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder overrides the metrics recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// NewEngine constructs an Engine over the provided store.
func NewEngine(store storage.Repository, opts ...Option) *Engine {
	engine := &Engine{
		store:    store,
		notifier: notify.NopNotifier{},
		logger:   slog.Default(),
		recorder: metrics.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// AttemptLogin evaluates a login attempt from the given address. The store is
// re-read on every call; mutations are persisted before any notification is
// dispatched, so a crash between the two loses only the alert. A persistence
// failure fails the attempt and is returned to the caller.
func (e *Engine) AttemptLogin(ctx context.Context, key, pin, addr string) (Decision, error) {
	if key == "" || pin == "" {
		e.recorder.LoginRejected()
		return Decision{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	accounts, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("account store load failed, rejecting attempt", "error", err)
		e.recorder.LoginRejected()
		return Decision{}, nil
	}

	account, ok := accounts[key]
	if !ok || account.PIN != pin || account.Locked {
		e.recorder.LoginRejected()
		return Decision{}, nil
	}

	switch {
	case !account.Bound():
		account.BoundAddress = addr
		accounts[key] = account
		if err := e.store.Save(ctx, accounts); err != nil {
			e.recorder.LoginRejected()
			return Decision{}, fmt.Errorf("persist account binding: %w", err)
		}
		e.notifier.Notify(notify.Event{
			Title:       "Account IP Stored",
			Description: fmt.Sprintf("%s is now registered to ip %s", key, addr),
			Severity:    notify.SeverityInfo,
		})
		e.recorder.AccountBound()
		e.recorder.LoginAccepted()
		e.logger.Info("account bound", "key", key, "addr", addr)
		return Decision{Accepted: true, Token: key}, nil

	case account.BoundAddress == addr:
		e.recorder.LoginAccepted()
		return Decision{Accepted: true, Token: key}, nil

	default:
		bound := account.BoundAddress
		account.Locked = true
		accounts[key] = account
		if err := e.store.Save(ctx, accounts); err != nil {
			e.recorder.LoginRejected()
			return Decision{}, fmt.Errorf("persist account lock: %w", err)
		}
		e.notifier.Notify(notify.Event{
			Title:       "Account Locked",
			Description: fmt.Sprintf("%s was permanently locked due to IP mismatch. IP on file: %s, IP request: %s", key, bound, addr),
			Severity:    notify.SeverityCritical,
		})
		e.recorder.AccountLocked()
		e.recorder.LoginRejected()
		e.logger.Warn("account locked", "key", key, "bound_addr", bound, "request_addr", addr)
		return Decision{}, nil
	}
}

// CheckSession re-validates a bearer token (the account key) against current
// account state. It is a pure read: a lockout or address change takes effect
// on the very next call without revoking anything.
func (e *Engine) CheckSession(ctx context.Context, token, addr string) bool {
	if token == "" {
		return false
	}
	accounts, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("account store load failed, rejecting session", "error", err)
		return false
	}
	account, ok := accounts[token]
	if !ok || account.Locked || !account.Bound() || account.BoundAddress != addr {
		return false
	}
	return true
}
