package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP requests, login outcomes,
// account state transitions, and notification deliveries. It coordinates
// concurrent writers via a RWMutex and renders Prometheus text exposition.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	loginOutcomes   map[string]uint64
	accountEvents   map[string]uint64
	notifications   map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		loginOutcomes:   make(map[string]uint64),
		accountEvents:   make(map[string]uint64),
		notifications:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not wire
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// LoginAccepted records a login attempt that produced a session token.
func (r *Recorder) LoginAccepted() {
	r.incrementLogin("accepted")
}

// LoginRejected records a rejected login attempt. All rejection reasons share
// one counter so the metrics surface leaks no more than the API does.
func (r *Recorder) LoginRejected() {
	r.incrementLogin("rejected")
}

func (r *Recorder) incrementLogin(outcome string) {
	r.mu.Lock()
	r.loginOutcomes[outcome]++
	r.mu.Unlock()
}

// AccountBound records a first-login address binding.
func (r *Recorder) AccountBound() {
	r.incrementAccountEvent("bound")
}

// AccountLocked records a terminal lockout transition.
func (r *Recorder) AccountLocked() {
	r.incrementAccountEvent("locked")
}

func (r *Recorder) incrementAccountEvent(event string) {
	r.mu.Lock()
	r.accountEvents[event]++
	r.mu.Unlock()
}

// NotificationDelivered records a successful webhook delivery.
func (r *Recorder) NotificationDelivered() {
	r.incrementNotification("delivered")
}

// NotificationFailed records a delivery attempt the sink rejected.
func (r *Recorder) NotificationFailed() {
	r.incrementNotification("failed")
}

// NotificationDropped records an event discarded because the outbound queue
// was full.
func (r *Recorder) NotificationDropped() {
	r.incrementNotification("dropped")
}

func (r *Recorder) incrementNotification(result string) {
	r.mu.Lock()
	r.notifications[result]++
	r.mu.Unlock()
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.loginOutcomes = make(map[string]uint64)
	r.accountEvents = make(map[string]uint64)
	r.notifications = make(map[string]uint64)
	r.mu.Unlock()
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	loginOutcomes := sortedKeys(r.loginOutcomes)
	accountEvents := sortedKeys(r.accountEvents)
	notifications := sortedKeys(r.notifications)

	fmt.Fprintln(w, "# HELP keygate_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE keygate_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "keygate_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP keygate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE keygate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "keygate_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP keygate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE keygate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "keygate_http_request_duration_seconds_count{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP keygate_login_attempts_total Login attempts by outcome")
	fmt.Fprintln(w, "# TYPE keygate_login_attempts_total counter")
	for _, outcome := range loginOutcomes {
		fmt.Fprintf(w, "keygate_login_attempts_total{outcome=%q} %d\n", outcome, r.loginOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP keygate_account_events_total Account state transitions by type")
	fmt.Fprintln(w, "# TYPE keygate_account_events_total counter")
	for _, event := range accountEvents {
		fmt.Fprintf(w, "keygate_account_events_total{event=%q} %d\n", event, r.accountEvents[event])
	}

	fmt.Fprintln(w, "# HELP keygate_notifications_total Outbound alert deliveries by result")
	fmt.Fprintln(w, "# TYPE keygate_notifications_total counter")
	for _, result := range notifications {
		fmt.Fprintf(w, "keygate_notifications_total{result=%q} %d\n", result, r.notifications[result])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses unexpected paths into a single label value to keep
// scrape cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/", "/attempt-login", "/auth", "/healthz", "/metrics", "/about", "/login", "/pricing":
		return path
	}
	if strings.HasPrefix(path, "/s/") {
		return "/s/"
	}
	if strings.HasPrefix(path, "/static/") {
		return "/static/"
	}
	return "other"
}
