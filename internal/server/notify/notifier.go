// Package notify dispatches SSH Guardian security events to external
// channels through a provider/filtered-dispatch shape: block, unblock,
// and critical-risk events fan out to whichever notifiers are
// configured.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened to trigger a notification.
type EventType string

const (
	EventIPBlocked      EventType = "ip_blocked"
	EventIPUnblocked    EventType = "ip_unblocked"
	EventCriticalRisk   EventType = "critical_risk"
	EventAgentOffline   EventType = "agent_offline"
	EventAgentReconnect EventType = "agent_reconnected"
	EventCommandFailed  EventType = "command_failed"
)

// AllEventTypes returns every event type that can be selected in a
// BlockingRule's notification_channels filter.
func AllEventTypes() []EventType {
	return []EventType{
		EventIPBlocked,
		EventIPUnblocked,
		EventCriticalRisk,
		EventAgentOffline,
		EventAgentReconnect,
		EventCommandFailed,
	}
}

// Event represents a single notification-worthy occurrence.
type Event struct {
	Type        EventType `json:"type"`
	IP          string    `json:"ip,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	RuleName    string    `json:"rule_name,omitempty"`
	RiskScore   float64   `json:"risk_score,omitempty"`
	RiskBand    string    `json:"risk_band,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CommandType string    `json:"command_type,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block the
// blocking decision that triggered them.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated — notification failures must
// not affect the blocking or reconciliation pipeline.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"ip", event.IP,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
