package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/contract"
)

type memSink struct {
	mu     sync.Mutex
	alerts []Alert
	got    chan struct{}
}

func newMemSink() *memSink { return &memSink{got: make(chan struct{}, 16)} }

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Send(_ context.Context, a Alert) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
	m.got <- struct{}{}
	return nil
}

func (m *memSink) wait(t *testing.T) Alert {
	t.Helper()
	select {
	case <-m.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[len(m.alerts)-1]
}

func startNotifier(t *testing.T, sinks ...Sink) *Notifier {
	t.Helper()
	n := NewNotifier(zap.NewNop(), sinks...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
	return n
}

func TestBusErrorsBecomeAlerts(t *testing.T) {
	sink := newMemSink()
	n := startNotifier(t, sink)
	b := bus.New(zap.NewNop())
	n.WatchBus(b)

	b.SendMessage(context.Background(), bus.Message{Type: bus.TypeNotification, Content: "ignored"})
	b.SendMessage(context.Background(), bus.Message{
		Type:     bus.TypeError,
		SenderID: "workflow-engine",
		Content:  map[string]any{"workflow": "report", "stepId": "draft", "error": "agent timed out"},
		Metadata: bus.WithConversation("run-1", nil),
	})

	a := sink.wait(t)
	if a.Severity != SeverityCritical || a.Title != "Workflow report failed" {
		t.Errorf("got %+v", a)
	}
	if a.Fields["step"] != "draft" || a.Fields["conversation"] != "run-1" {
		t.Errorf("fields %v", a.Fields)
	}
	text := a.Format()
	if !strings.HasPrefix(text, "[CRITICAL] Workflow report failed\nagent timed out") {
		t.Errorf("formatted %q", text)
	}
	if len(n.History(0)) != 1 {
		t.Errorf("history %v", n.History(0))
	}
}

func TestContractRiskBecomesAlert(t *testing.T) {
	sink := newMemSink()
	n := startNotifier(t, sink)
	p := contract.NewProtocol(nil, zap.NewNop())
	n.WatchContracts(p)

	c, err := p.CreateContract(contract.Spec{TaskID: "t", Participants: []contract.Participant{{AgentID: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	p.ProcessAcceptance(contract.Acceptance{ContractID: c.ID, AgentID: "a"})
	p.SubmitPerformanceReport(contract.PerformanceReport{ContractID: c.ID, AgentID: "a", Status: contract.ReportFailing, Completion: 5})

	a := sink.wait(t)
	if a.Title != "Contract at risk" || a.Fields["contract"] != c.ID || a.Fields["agent"] != "a" {
		t.Errorf("got %+v", a)
	}
}
