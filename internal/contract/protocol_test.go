package contract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newProtocol(t *testing.T) (*Protocol, *bus.Bus, *eventLog) {
	t.Helper()
	b := bus.New(zap.NewNop())
	p := NewProtocol(b, zap.NewNop())
	t.Cleanup(p.Close)
	log := &eventLog{}
	p.SubscribeToEvents(log.add)
	return p, b, log
}

func twoParty(t *testing.T, p *Protocol, deadline time.Time) *Contract {
	t.Helper()
	c, err := p.CreateContract(Spec{
		TaskID: "task-1",
		Participants: []Participant{
			{AgentID: "analyst", Role: "lead", Responsibilities: []string{"analysis"}},
			{AgentID: "writer", Role: "support", Responsibilities: []string{"summary"}},
		},
		Terms: Terms{Deadline: deadline, GracePeriod: time.Minute},
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func TestActivationRequiresEveryAcceptance(t *testing.T) {
	p, _, log := newProtocol(t)
	c := twoParty(t, p, time.Time{})
	if c.Status != StatusOffered {
		t.Fatalf("got status %s, want offered", c.Status)
	}

	if !p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"}) {
		t.Fatal("first acceptance rejected")
	}
	got, _ := p.GetContract(c.ID)
	if got.Status != StatusOffered {
		t.Fatalf("after one acceptance got %s, want offered", got.Status)
	}

	if !p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"}) {
		t.Fatal("second acceptance rejected")
	}
	got, _ = p.GetContract(c.ID)
	if got.Status != StatusActive {
		t.Fatalf("after both acceptances got %s, want active", got.Status)
	}
	if n := log.count(EventActivated); n != 1 {
		t.Errorf("activation fired %d times, want 1", n)
	}

	if p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"}) {
		t.Error("acceptance on active contract should report false")
	}
	if n := log.count(EventActivated); n != 1 {
		t.Errorf("activation fired %d times after repeat, want 1", n)
	}
}

func TestNonParticipantIgnored(t *testing.T) {
	p, _, log := newProtocol(t)
	c := twoParty(t, p, time.Time{})

	if p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "intruder"}) {
		t.Error("non-participant acceptance returned true")
	}
	if p.ProcessRejection(Rejection{ContractID: c.ID, AgentID: "intruder"}) {
		t.Error("non-participant rejection returned true")
	}
	if p.SubmitPerformanceReport(PerformanceReport{ContractID: c.ID, AgentID: "intruder"}) {
		t.Error("non-participant report returned true")
	}
	if p.ProcessAcceptance(Acceptance{ContractID: "missing", AgentID: "analyst"}) {
		t.Error("acceptance for unknown contract returned true")
	}
	got, _ := p.GetContract(c.ID)
	if len(got.Signatures) != 0 || len(got.Reports) != 0 {
		t.Errorf("state changed: %+v", got)
	}
	if log.count(EventAccepted) != 0 {
		t.Error("accepted event fired for non-participant")
	}
}

func TestRejectionNeverActivatesAndAcceptanceSupersedes(t *testing.T) {
	p, _, log := newProtocol(t)
	c := twoParty(t, p, time.Time{})

	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	if !p.ProcessRejection(Rejection{ContractID: c.ID, AgentID: "writer", Reason: "busy"}) {
		t.Fatal("rejection not recorded")
	}
	got, _ := p.GetContract(c.ID)
	if got.Status != StatusOffered {
		t.Fatalf("rejection changed status to %s", got.Status)
	}
	if got.Rejections["writer"].Reason != "busy" {
		t.Errorf("rejection reason not kept: %+v", got.Rejections)
	}

	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})
	got, _ = p.GetContract(c.ID)
	if got.Status != StatusActive {
		t.Fatalf("got %s, want active after writer changed their mind", got.Status)
	}
	if _, still := got.Rejections["writer"]; still {
		t.Error("rejection should be cleared by later acceptance")
	}
	if log.count(EventRejected) != 1 || log.count(EventActivated) != 1 {
		t.Errorf("unexpected events %+v", log.events)
	}
}

func TestCreateContractValidation(t *testing.T) {
	p, _, _ := newProtocol(t)
	if _, err := p.CreateContract(Spec{TaskID: "t"}); !errors.Is(err, ErrNoParticipants) {
		t.Errorf("got %v, want ErrNoParticipants", err)
	}
	dup := []Participant{{AgentID: "a"}, {AgentID: "a"}}
	if _, err := p.CreateContract(Spec{TaskID: "t", Participants: dup}); !errors.Is(err, ErrDuplicateParticipant) {
		t.Errorf("got %v, want ErrDuplicateParticipant", err)
	}
	if _, err := p.CreateContract(Spec{Participants: []Participant{{AgentID: "a"}}}); !errors.Is(err, ErrMissingTask) {
		t.Errorf("got %v, want ErrMissingTask", err)
	}
}

func TestOfferRoundTripOverBus(t *testing.T) {
	p, b, _ := newProtocol(t)
	c := twoParty(t, p, time.Time{})

	for _, agent := range []string{"analyst", "writer"} {
		agent := agent
		b.SubscribeToRecipient(agent, func(msg bus.Message) {
			if msg.Type != bus.TypeRequest {
				return
			}
			offer := msg.Content.(OfferMessage)
			b.SendMessage(context.Background(), bus.Message{
				Type:        bus.TypeResponse,
				SenderID:    agent,
				RecipientID: p.BusID(),
				ReplyTo:     msg.ID,
				Content:     OfferResponse{ContractID: offer.ContractID, OfferID: offer.OfferID, Accept: true},
				Metadata:    bus.WithConversation(offer.ContractID, nil),
			})
		})
	}

	offer, ok := p.CreateContractOffer(c.ID, 0)
	if !ok {
		t.Fatal("offer refused")
	}
	if d := offer.ExpiresAt.Sub(offer.CreatedAt); d != DefaultOfferTTL {
		t.Errorf("offer ttl %v, want %v", d, DefaultOfferTTL)
	}
	got, _ := p.GetContract(c.ID)
	if got.Status != StatusActive {
		t.Fatalf("got %s, want active after both replies", got.Status)
	}
	if got.Signatures["writer"].OfferID != offer.ID {
		t.Errorf("signature not tied to offer: %+v", got.Signatures["writer"])
	}
	if len(b.GetMessageHistory(c.ID, 0)) < 4 {
		t.Error("offer exchange missing from conversation history")
	}
	if _, ok := p.CreateContractOffer(c.ID, 0); ok {
		t.Error("offer on active contract should be refused")
	}
}

func TestReportFlagsHighRiskOnlyWhileActive(t *testing.T) {
	p, _, log := newProtocol(t)
	c := twoParty(t, p, time.Time{})

	p.SubmitPerformanceReport(PerformanceReport{ContractID: c.ID, AgentID: "analyst", Status: ReportFailing, Completion: 10})
	got, _ := p.GetContract(c.ID)
	if got.HighRisk {
		t.Fatal("offered contract flagged high risk")
	}

	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})
	p.SubmitPerformanceReport(PerformanceReport{ContractID: c.ID, AgentID: "writer", Status: ReportFailing, Completion: 45})
	got, _ = p.GetContract(c.ID)
	if got.HighRisk {
		t.Fatal("completion above threshold flagged high risk")
	}

	p.SubmitPerformanceReport(PerformanceReport{ContractID: c.ID, AgentID: "writer", Status: ReportFailing, Completion: 20})
	got, _ = p.GetContract(c.ID)
	if !got.HighRisk || got.Status != StatusActive {
		t.Fatalf("got high risk %v status %s, want flagged and still active", got.HighRisk, got.Status)
	}
	if len(got.Reports) != 3 {
		t.Errorf("got %d reports, want 3", len(got.Reports))
	}
	last := got.Metadata["lastReport"].(map[string]any)
	if last["completion"] != 20.0 {
		t.Errorf("last report summary %v", last)
	}
	if log.count(EventHighRisk) != 1 {
		t.Errorf("high risk fired %d times", log.count(EventHighRisk))
	}
}

func TestCompleteAndTerminateOnlyFromActive(t *testing.T) {
	p, _, _ := newProtocol(t)
	c := twoParty(t, p, time.Time{})
	if p.CompleteContract(c.ID) || p.TerminateContract(c.ID, "") {
		t.Fatal("offered contract finished")
	}
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})
	if !p.TerminateContract(c.ID, "workflow failed") {
		t.Fatal("terminate from active failed")
	}
	if p.CompleteContract(c.ID) {
		t.Error("complete after terminate succeeded")
	}
	got, _ := p.GetContract(c.ID)
	if got.Status != StatusTerminated || len(got.StatusHistory) != 3 {
		t.Errorf("got %s with history %+v", got.Status, got.StatusHistory)
	}
}

func TestSweepExpiresExactlyOnce(t *testing.T) {
	p, _, log := newProtocol(t)
	deadline := time.Now().Add(time.Hour)
	c := twoParty(t, p, deadline)
	offer, _ := p.CreateContractOffer(c.ID, time.Minute)
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})

	if ids := p.Sweep(deadline.Add(30 * time.Second)); len(ids) != 0 {
		t.Fatalf("expired inside grace period: %v", ids)
	}
	if _, ok := p.GetOffer(offer.ID); ok {
		t.Error("offer past its expiration not purged")
	}

	ids := p.Sweep(deadline.Add(2 * time.Minute))
	if len(ids) != 1 || ids[0] != c.ID {
		t.Fatalf("got %v, want [%s]", ids, c.ID)
	}
	if ids := p.Sweep(deadline.Add(time.Hour)); len(ids) != 0 {
		t.Errorf("expired twice: %v", ids)
	}
	if p.CompleteContract(c.ID) || p.TerminateContract(c.ID, "") {
		t.Error("transition away from expired")
	}
	got, _ := p.GetContract(c.ID)
	if got.Status != StatusExpired || log.count(EventExpired) != 1 {
		t.Errorf("got %s with %d expiry events", got.Status, log.count(EventExpired))
	}
	if log.count(EventOfferExpired) != 1 {
		t.Errorf("offer expiry fired %d times", log.count(EventOfferExpired))
	}
}

type memPersister struct {
	mu    sync.Mutex
	saved map[string]Status
}

func (m *memPersister) SaveContract(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[c.ID] = c.Status
	return nil
}

func TestPersisterSeesEveryChange(t *testing.T) {
	p, _, _ := newProtocol(t)
	ps := &memPersister{saved: make(map[string]Status)}
	p.SetPersister(ps)
	c := twoParty(t, p, time.Time{})
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})
	p.CompleteContract(c.ID)
	if ps.saved[c.ID] != StatusCompleted {
		t.Errorf("persisted status %s, want completed", ps.saved[c.ID])
	}
	if got := p.ContractsForTask("task-1"); len(got) != 1 || got[0].ID != c.ID {
		t.Errorf("contracts for task: %+v", got)
	}
}

// gatedPersister blocks the first save it sees while armed.
type gatedPersister struct {
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
	last    map[string]*Contract
}

func (g *gatedPersister) SaveContract(_ context.Context, c *Contract) error {
	g.mu.Lock()
	wait := g.armed
	g.armed = false
	g.mu.Unlock()
	if wait {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	g.last[c.ID] = c
	g.mu.Unlock()
	return nil
}

func TestConcurrentAcceptancesPersistLatestSnapshot(t *testing.T) {
	p, _, _ := newProtocol(t)
	g := &gatedPersister{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		last:    make(map[string]*Contract),
	}
	p.SetPersister(g)
	c := twoParty(t, p, time.Time{})

	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"})
	}()
	<-g.entered
	go func() {
		defer wg.Done()
		p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := p.GetContract(c.ID)
		if got.Status == StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("contract never activated in memory")
		}
		time.Sleep(time.Millisecond)
	}
	close(g.release)
	wg.Wait()

	mem, _ := p.GetContract(c.ID)
	g.mu.Lock()
	saved := g.last[c.ID]
	g.mu.Unlock()
	if saved == nil || saved.Status != StatusActive {
		t.Fatalf("persisted %+v, want active", saved)
	}
	if saved.Version != mem.Version {
		t.Errorf("persisted version %d, in memory %d", saved.Version, mem.Version)
	}
}

func TestVersionGrowsOnEveryChange(t *testing.T) {
	p, _, _ := newProtocol(t)
	c := twoParty(t, p, time.Time{})
	prev := c.Version
	step := func(name string, ok bool) {
		t.Helper()
		if !ok {
			t.Fatalf("%s refused", name)
		}
		got, _ := p.GetContract(c.ID)
		if got.Version <= prev {
			t.Fatalf("%s: version %d not above %d", name, got.Version, prev)
		}
		prev = got.Version
	}
	step("reject", p.ProcessRejection(Rejection{ContractID: c.ID, AgentID: "writer"}))
	step("accept analyst", p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "analyst"}))
	step("accept writer", p.ProcessAcceptance(Acceptance{ContractID: c.ID, AgentID: "writer"}))
	step("report", p.SubmitPerformanceReport(PerformanceReport{ContractID: c.ID, AgentID: "analyst", Status: ReportOnTrack, Completion: 50}))
	step("terminate", p.TerminateContract(c.ID, "done early"))
}

func TestTransitionErrorNamesBothStatuses(t *testing.T) {
	err := Transition(StatusCompleted, StatusActive)
	if err == nil || err.Error() != `invalid transition "completed" -> "active"` {
		t.Errorf("got %v", err)
	}
	if err := Transition(StatusOffered, StatusActive); err != nil {
		t.Errorf("offered -> active refused: %v", err)
	}
}
