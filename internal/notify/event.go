package notify

// Severity classifies an outbound alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// Embed color integers understood by the webhook sink.
const (
	colorInfo     = 0x00ff00
	colorCritical = 0xff0000
	colorDefault  = 0x5865f2
)

// Event describes a security-relevant account transition worth alerting on.
type Event struct {
	Title       string
	Description string
	Severity    Severity
}

// Color maps the event severity onto the embed color integer.
func (e Event) Color() int {
	switch e.Severity {
	case SeverityInfo:
		return colorInfo
	case SeverityCritical:
		return colorCritical
	default:
		return colorDefault
	}
}

// Notifier accepts events for asynchronous, best-effort delivery. Notify must
// never block the caller; delivery is at-most-once.
type Notifier interface {
	Notify(event Event)
}

// NopNotifier discards events. Used when no alert sink is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
