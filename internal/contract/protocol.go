package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
)

const (
	// DefaultOfferTTL is how long an offer stays open.
	DefaultOfferTTL = 24 * time.Hour
	// DefaultSweepInterval is how often Run sweeps for expiry.
	DefaultSweepInterval = time.Minute
	// DefaultBusID is the bus identity offers are sent from and replies go to.
	DefaultBusID = "contract-protocol"
)

// Persister stores contracts after every change.
type Persister interface {
	SaveContract(ctx context.Context, c *Contract) error
}

// Protocol owns the contract and offer tables. All mutation goes through
// its methods.
type Protocol struct {
	mu        sync.Mutex
	contracts map[string]*Contract
	byTask    map[string][]string
	offers    map[string]*Offer

	subMu  sync.RWMutex
	subs   map[uint64]func(Event)
	nextID uint64

	bus           *bus.Bus
	busID         string
	unsubscribe   func()
	offerTTL      time.Duration
	sweepInterval time.Duration
	persister     Persister
	persistMu     sync.Mutex
	persisted     map[string]uint64
	now           func() time.Time
	logger        *zap.Logger
}

// NewProtocol creates a protocol that negotiates over b. Participant
// replies addressed to DefaultBusID are routed to ProcessAcceptance and
// ProcessRejection.
func NewProtocol(b *bus.Bus, logger *zap.Logger) *Protocol {
	p := &Protocol{
		contracts:     make(map[string]*Contract),
		byTask:        make(map[string][]string),
		offers:        make(map[string]*Offer),
		subs:          make(map[uint64]func(Event)),
		persisted:     make(map[string]uint64),
		bus:           b,
		busID:         DefaultBusID,
		offerTTL:      DefaultOfferTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logger,
	}
	if b != nil {
		p.unsubscribe = b.SubscribeToRecipient(p.busID, p.handleMessage)
	}
	return p
}

// BusID is the recipient id participants reply to.
func (p *Protocol) BusID() string { return p.busID }

// SetOfferTTL overrides the default offer expiration.
func (p *Protocol) SetOfferTTL(d time.Duration) {
	if d > 0 {
		p.offerTTL = d
	}
}

// SetSweepInterval overrides how often Run sweeps.
func (p *Protocol) SetSweepInterval(d time.Duration) {
	if d > 0 {
		p.sweepInterval = d
	}
}

// SetPersister attaches a store that receives every changed contract.
func (p *Protocol) SetPersister(ps Persister) { p.persister = ps }

// Close detaches the protocol from the bus.
func (p *Protocol) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// SubscribeToEvents registers fn for lifecycle events.
func (p *Protocol) SubscribeToEvents(fn func(Event)) (unsubscribe func()) {
	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// CreateContract builds a contract in status offered.
func (p *Protocol) CreateContract(spec Spec) (*Contract, error) {
	if spec.TaskID == "" {
		return nil, ErrMissingTask
	}
	if len(spec.Participants) == 0 {
		return nil, ErrNoParticipants
	}
	seen := make(map[string]bool, len(spec.Participants))
	for _, pt := range spec.Participants {
		if pt.AgentID == "" {
			return nil, fmt.Errorf("participant without agent id: %w", ErrNoParticipants)
		}
		if seen[pt.AgentID] {
			return nil, fmt.Errorf("%s: %w", pt.AgentID, ErrDuplicateParticipant)
		}
		seen[pt.AgentID] = true
	}

	now := p.now()
	c := &Contract{
		ID:           uuid.New().String(),
		TaskID:       spec.TaskID,
		Title:        spec.Title,
		Description:  spec.Description,
		Participants: spec.Participants,
		Terms:        spec.Terms,
		Status:       StatusOffered,
		StatusHistory: []StatusChange{
			{To: StatusOffered, At: now},
		},
		Signatures: make(map[string]Signature),
		Metadata:   make(map[string]any),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.Terms.StartTime.IsZero() {
		c.Terms.StartTime = now
	}
	for k, v := range spec.Metadata {
		c.Metadata[k] = v
	}
	c = c.clone()

	p.mu.Lock()
	p.contracts[c.ID] = c
	p.byTask[c.TaskID] = append(p.byTask[c.TaskID], c.ID)
	snap := c.clone()
	p.mu.Unlock()

	p.logger.Info("contract created",
		zap.String("contract", c.ID),
		zap.String("task", c.TaskID),
		zap.Int("participants", len(c.Participants)))
	p.persist(snap)
	p.emit(Event{Type: EventCreated, ContractID: c.ID, TaskID: c.TaskID, Status: StatusOffered, At: now})
	return snap, nil
}

// CreateContractOffer sends an offer for an offered contract to each
// participant over the bus. A ttl <= 0 uses the configured offer TTL.
// Offers are not retried.
func (p *Protocol) CreateContractOffer(contractID string, ttl time.Duration) (*Offer, bool) {
	if ttl <= 0 {
		ttl = p.offerTTL
	}
	now := p.now()

	p.mu.Lock()
	c, ok := p.contracts[contractID]
	if !ok || c.Status != StatusOffered {
		p.mu.Unlock()
		return nil, false
	}
	o := &Offer{
		ID:         uuid.New().String(),
		ContractID: c.ID,
		TaskID:     c.TaskID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	msgs := make([]bus.Message, 0, len(c.Participants))
	for _, pt := range c.Participants {
		o.Participants = append(o.Participants, pt.AgentID)
		msgs = append(msgs, bus.Message{
			Type:        bus.TypeRequest,
			SenderID:    p.busID,
			RecipientID: pt.AgentID,
			Priority:    bus.PriorityHigh,
			Content: OfferMessage{
				OfferID:          o.ID,
				ContractID:       c.ID,
				TaskID:           c.TaskID,
				Title:            c.Title,
				Role:             pt.Role,
				Responsibilities: append([]string(nil), pt.Responsibilities...),
				Deadline:         c.Terms.Deadline,
				ExpiresAt:        o.ExpiresAt,
			},
			Metadata: bus.WithConversation(c.ID, map[string]any{"offerId": o.ID}),
		})
	}
	p.offers[o.ID] = o
	out := *o
	p.mu.Unlock()

	p.logger.Info("contract offered",
		zap.String("contract", contractID),
		zap.String("offer", o.ID),
		zap.Time("expires", o.ExpiresAt))
	p.emit(Event{Type: EventOffered, ContractID: contractID, TaskID: out.TaskID, Status: StatusOffered, At: now})
	if p.bus != nil {
		for _, m := range msgs {
			p.bus.SendMessage(context.Background(), m)
		}
	}
	return &out, true
}

// ProcessAcceptance records a participant's acceptance. The contract
// becomes active once every participant has accepted. It returns false for
// unknown contracts, non-participants, and contracts no longer offered.
func (p *Protocol) ProcessAcceptance(a Acceptance) bool {
	if a.At.IsZero() {
		a.At = p.now()
	}
	p.mu.Lock()
	c, ok := p.contracts[a.ContractID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, member := c.Participant(a.AgentID); !member {
		p.mu.Unlock()
		p.logger.Warn("acceptance from non-participant ignored",
			zap.String("contract", a.ContractID),
			zap.String("agent", a.AgentID))
		return false
	}
	if c.Status != StatusOffered {
		p.mu.Unlock()
		return false
	}

	c.Signatures[a.AgentID] = Signature{AgentID: a.AgentID, OfferID: a.OfferID, SignedAt: a.At}
	delete(c.Rejections, a.AgentID)
	c.UpdatedAt = a.At
	c.Version++
	events := []Event{{Type: EventAccepted, ContractID: c.ID, TaskID: c.TaskID, AgentID: a.AgentID, Status: c.Status, At: a.At}}

	if c.AllAccepted() {
		p.transitionLocked(c, StatusActive, "all participants accepted", a.At)
		events = append(events, Event{Type: EventActivated, ContractID: c.ID, TaskID: c.TaskID, Status: StatusActive, At: a.At})
	}
	snap := c.clone()
	p.mu.Unlock()

	p.persist(snap)
	for _, ev := range events {
		p.emit(ev)
	}
	if snap.Status == StatusActive {
		p.logger.Info("contract activated", zap.String("contract", snap.ID))
		p.announce(snap, "contract activated")
	}
	return true
}

// ProcessRejection records a participant declining the contract. A
// rejection never activates or terminates the contract; a later acceptance
// by the same agent supersedes it.
func (p *Protocol) ProcessRejection(r Rejection) bool {
	if r.At.IsZero() {
		r.At = p.now()
	}
	p.mu.Lock()
	c, ok := p.contracts[r.ContractID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, member := c.Participant(r.AgentID); !member {
		p.mu.Unlock()
		p.logger.Warn("rejection from non-participant ignored",
			zap.String("contract", r.ContractID),
			zap.String("agent", r.AgentID))
		return false
	}
	if c.Status != StatusOffered {
		p.mu.Unlock()
		return false
	}
	if c.Rejections == nil {
		c.Rejections = make(map[string]Rejection)
	}
	c.Rejections[r.AgentID] = r
	delete(c.Signatures, r.AgentID)
	c.UpdatedAt = r.At
	c.Version++
	snap := c.clone()
	p.mu.Unlock()

	p.logger.Info("contract rejected by participant",
		zap.String("contract", r.ContractID),
		zap.String("agent", r.AgentID),
		zap.String("reason", r.Reason))
	p.persist(snap)
	p.emit(Event{Type: EventRejected, ContractID: snap.ID, TaskID: snap.TaskID, AgentID: r.AgentID, Status: snap.Status, Detail: r.Reason, At: r.At})
	return true
}

// SubmitPerformanceReport appends a participant's report and mirrors its
// summary into the contract metadata. While the contract is active, a
// failing report below HighRiskCompletion flags it high risk.
func (p *Protocol) SubmitPerformanceReport(r PerformanceReport) bool {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = p.now()
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	p.mu.Lock()
	c, ok := p.contracts[r.ContractID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, member := c.Participant(r.AgentID); !member {
		p.mu.Unlock()
		p.logger.Warn("report from non-participant ignored",
			zap.String("contract", r.ContractID),
			zap.String("agent", r.AgentID))
		return false
	}
	c.Reports = append(c.Reports, r)
	c.Metadata["lastReport"] = map[string]any{
		"agentId":    r.AgentID,
		"status":     r.Status,
		"completion": r.Completion,
		"reportedAt": r.ReportedAt,
	}
	c.UpdatedAt = r.ReportedAt
	c.Version++
	events := []Event{{Type: EventReported, ContractID: c.ID, TaskID: c.TaskID, AgentID: r.AgentID, Status: c.Status, Detail: r.Status, At: r.ReportedAt}}

	if c.Status == StatusActive && r.Status == ReportFailing && r.Completion < HighRiskCompletion {
		c.HighRisk = true
		c.Metadata["riskLevel"] = "high"
		events = append(events, Event{
			Type:       EventHighRisk,
			ContractID: c.ID,
			TaskID:     c.TaskID,
			AgentID:    r.AgentID,
			Status:     c.Status,
			Detail:     fmt.Sprintf("failing at %.0f%% completion", r.Completion),
			At:         r.ReportedAt,
		})
	}
	snap := c.clone()
	p.mu.Unlock()

	p.persist(snap)
	for _, ev := range events {
		if ev.Type == EventHighRisk {
			p.logger.Warn("contract flagged high risk",
				zap.String("contract", ev.ContractID),
				zap.String("agent", ev.AgentID),
				zap.Float64("completion", r.Completion))
		}
		p.emit(ev)
	}
	return true
}

// CompleteContract moves an active contract to completed.
func (p *Protocol) CompleteContract(id string) bool {
	return p.finish(id, StatusCompleted, EventCompleted, "completed")
}

// TerminateContract moves an active contract to terminated.
func (p *Protocol) TerminateContract(id, reason string) bool {
	if reason == "" {
		reason = "terminated"
	}
	return p.finish(id, StatusTerminated, EventTerminated, reason)
}

func (p *Protocol) finish(id string, to Status, evType EventType, reason string) bool {
	now := p.now()
	p.mu.Lock()
	c, ok := p.contracts[id]
	if !ok || c.Status != StatusActive {
		p.mu.Unlock()
		return false
	}
	p.transitionLocked(c, to, reason, now)
	snap := c.clone()
	p.mu.Unlock()

	p.logger.Info("contract finished", zap.String("contract", id), zap.String("status", string(to)))
	p.persist(snap)
	p.emit(Event{Type: evType, ContractID: id, TaskID: snap.TaskID, Status: to, Detail: reason, At: now})
	p.announce(snap, "contract "+string(to))
	return true
}

// Sweep expires active contracts past deadline plus grace period and
// purges offers past their own expiration. It returns the ids of contracts
// it expired.
func (p *Protocol) Sweep(now time.Time) []string {
	var expired []*Contract
	var purged []*Offer

	p.mu.Lock()
	for _, c := range p.contracts {
		if c.Status != StatusActive || c.Terms.Deadline.IsZero() {
			continue
		}
		if now.After(c.Terms.Deadline.Add(c.Terms.GracePeriod)) {
			p.transitionLocked(c, StatusExpired, "deadline and grace period passed", now)
			expired = append(expired, c.clone())
		}
	}
	for id, o := range p.offers {
		if now.After(o.ExpiresAt) {
			delete(p.offers, id)
			purged = append(purged, o)
		}
	}
	p.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.ID)
		p.logger.Warn("contract expired", zap.String("contract", c.ID), zap.String("task", c.TaskID))
		p.persist(c)
		p.emit(Event{Type: EventExpired, ContractID: c.ID, TaskID: c.TaskID, Status: StatusExpired, At: now})
		p.announce(c, "contract expired")
	}
	for _, o := range purged {
		p.logger.Debug("offer expired", zap.String("offer", o.ID), zap.String("contract", o.ContractID))
		p.emit(Event{Type: EventOfferExpired, ContractID: o.ContractID, TaskID: o.TaskID, Detail: o.ID, At: now})
	}
	return ids
}

// Run sweeps at the configured interval until ctx is done.
func (p *Protocol) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	p.logger.Info("contract sweeper started", zap.Duration("interval", p.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("contract sweeper stopped")
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

// GetContract returns a copy of a contract.
func (p *Protocol) GetContract(id string) (*Contract, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.contracts[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// ContractsForTask returns the contracts created for a task, oldest first.
func (p *Protocol) ContractsForTask(taskID string) []*Contract {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.byTask[taskID]
	out := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.contracts[id].clone())
	}
	return out
}

// ListContracts returns every contract, optionally filtered by status,
// ordered by creation time.
func (p *Protocol) ListContracts(status Status) []*Contract {
	p.mu.Lock()
	out := make([]*Contract, 0, len(p.contracts))
	for _, c := range p.contracts {
		if status == "" || c.Status == status {
			out = append(out, c.clone())
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetOffer returns an open offer.
func (p *Protocol) GetOffer(id string) (Offer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.offers[id]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

// Offers returns the open offers of a contract.
func (p *Protocol) Offers(contractID string) []Offer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Offer
	for _, o := range p.offers {
		if o.ContractID == contractID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *Protocol) transitionLocked(c *Contract, to Status, reason string, at time.Time) {
	if err := Transition(c.Status, to); err != nil {
		p.logger.Error("contract transition rejected", zap.String("contract", c.ID), zap.Error(err))
		return
	}
	c.StatusHistory = append(c.StatusHistory, StatusChange{From: c.Status, To: to, At: at, Reason: reason})
	c.Status = to
	c.UpdatedAt = at
	c.Version++
}

// handleMessage routes participant replies to offers.
func (p *Protocol) handleMessage(msg bus.Message) {
	if msg.Type != bus.TypeResponse {
		return
	}
	resp, ok := decodeResponse(msg.Content)
	if !ok || resp.ContractID == "" {
		p.logger.Warn("unreadable offer response",
			zap.String("message", msg.ID),
			zap.String("from", msg.SenderID))
		return
	}
	if resp.Accept {
		p.ProcessAcceptance(Acceptance{ContractID: resp.ContractID, AgentID: msg.SenderID, OfferID: resp.OfferID, At: msg.Timestamp})
		return
	}
	p.ProcessRejection(Rejection{ContractID: resp.ContractID, AgentID: msg.SenderID, OfferID: resp.OfferID, Reason: resp.Reason, At: msg.Timestamp})
}

func decodeResponse(content any) (OfferResponse, bool) {
	switch v := content.(type) {
	case OfferResponse:
		return v, true
	case *OfferResponse:
		if v == nil {
			return OfferResponse{}, false
		}
		return *v, true
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return OfferResponse{}, false
	}
	var resp OfferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OfferResponse{}, false
	}
	return resp, true
}

// announce broadcasts a lifecycle notification in the contract's conversation.
func (p *Protocol) announce(c *Contract, text string) {
	if p.bus == nil {
		return
	}
	p.bus.SendMessage(context.Background(), bus.Message{
		Type:     bus.TypeNotification,
		SenderID: p.busID,
		Content: map[string]any{
			"contractId": c.ID,
			"taskId":     c.TaskID,
			"status":     string(c.Status),
			"text":       text,
		},
		Metadata: bus.WithConversation(c.ID, nil),
	})
}

func (p *Protocol) emit(ev Event) {
	p.subMu.RLock()
	subs := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// persist saves snapshots one at a time and drops any snapshot older than
// the last one saved for the same contract.
func (p *Protocol) persist(c *Contract) {
	if p.persister == nil {
		return
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if c.Version <= p.persisted[c.ID] {
		p.logger.Debug("stale contract snapshot skipped",
			zap.String("contract", c.ID),
			zap.Uint64("version", c.Version),
			zap.Uint64("saved", p.persisted[c.ID]))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.persister.SaveContract(ctx, c); err != nil {
		p.logger.Warn("persist contract failed", zap.String("contract", c.ID), zap.Error(err))
		return
	}
	p.persisted[c.ID] = c.Version
}
