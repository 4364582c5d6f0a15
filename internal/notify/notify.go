// Package notify forwards run failures and contract risk to chat channels.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/contract"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification.
type Alert struct {
	Source   string            `json:"source"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Format renders the alert as chat text.
func (a Alert) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	if a.Text != "" {
		sb.WriteString("\n")
		sb.WriteString(a.Text)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", k, a.Fields[k])
	}
	return sb.String()
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

const (
	queueSize  = 256
	maxHistory = 100
)

// Notifier queues alerts and delivers them to its sinks on a worker
// goroutine, so producers never wait on the network.
type Notifier struct {
	sinks   []Sink
	queue   chan Alert
	history []Alert
	mu      sync.RWMutex
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a notifier delivering to sinks.
func NewNotifier(logger *zap.Logger, sinks ...Sink) *Notifier {
	return &Notifier{
		sinks:   sinks,
		queue:   make(chan Alert, queueSize),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// AddSink registers another destination.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
	n.logger.Info("notification sink added", zap.String("sink", s.Name()))
}

// Notify queues an alert. Alerts are dropped when the queue is full.
func (n *Notifier) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	n.mu.Lock()
	n.history = append(n.history, a)
	if len(n.history) > maxHistory {
		n.history = append([]Alert(nil), n.history[len(n.history)-maxHistory:]...)
	}
	n.mu.Unlock()

	select {
	case n.queue <- a:
	default:
		n.logger.Warn("notification queue full, dropping alert", zap.String("title", a.Title))
	}
}

// History returns up to limit recent alerts, oldest first.
func (n *Notifier) History(limit int) []Alert {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if limit <= 0 || limit > len(n.history) {
		limit = len(n.history)
	}
	return append([]Alert(nil), n.history[len(n.history)-limit:]...)
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-n.queue:
			n.deliver(ctx, a)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, a Alert) {
	n.mu.RLock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sctx, a)
		cancel()
		if err != nil {
			n.logger.Error("notification failed",
				zap.String("sink", s.Name()),
				zap.String("title", a.Title),
				zap.Error(err))
		}
	}
}

// WatchBus raises an alert for every error message on b.
func (n *Notifier) WatchBus(b *bus.Bus) (unsubscribe func()) {
	return b.SubscribeToType(bus.TypeError, func(msg bus.Message) {
		a := Alert{
			Source:   "bus",
			Severity: SeverityCritical,
			Title:    "Error from " + msg.SenderID,
			Fields:   map[string]string{"conversation": msg.Conversation()},
			At:       msg.Timestamp,
		}
		switch c := msg.Content.(type) {
		case map[string]any:
			if wf, ok := c["workflow"]; ok {
				a.Title = fmt.Sprintf("Workflow %v failed", wf)
			}
			if e, ok := c["error"]; ok {
				a.Text = fmt.Sprint(e)
			}
			if step, ok := c["stepId"]; ok {
				a.Fields["step"] = fmt.Sprint(step)
			}
		case string:
			a.Text = c
		default:
			a.Text = fmt.Sprint(c)
		}
		n.Notify(a)
	})
}

// WatchContracts raises alerts for high-risk and expired contracts.
func (n *Notifier) WatchContracts(p *contract.Protocol) (unsubscribe func()) {
	return p.SubscribeToEvents(func(ev contract.Event) {
		var a Alert
		switch ev.Type {
		case contract.EventHighRisk:
			a = Alert{Severity: SeverityWarning, Title: "Contract at risk", Text: ev.Detail}
		case contract.EventExpired:
			a = Alert{Severity: SeverityWarning, Title: "Contract expired", Text: "deadline and grace period passed"}
		default:
			return
		}
		a.Source = "contracts"
		a.At = ev.At
		a.Fields = map[string]string{"contract": ev.ContractID, "task": ev.TaskID}
		if ev.AgentID != "" {
			a.Fields["agent"] = ev.AgentID
		}
		n.Notify(a)
	})
}
