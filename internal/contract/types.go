// Package contract negotiates which agents take responsibility for a task.
// A contract is offered to every participant and becomes active only once
// all of them have accepted.
package contract

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoParticipants       = errors.New("contract needs at least one participant")
	ErrDuplicateParticipant = errors.New("participant listed twice")
	ErrMissingTask          = errors.New("contract needs a task id")
)

// Status is a contract's lifecycle state.
type Status string

const (
	StatusOffered    Status = "offered"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

var validTransitions = map[Status][]Status{
	StatusOffered: {StatusActive},
	StatusActive:  {StatusCompleted, StatusTerminated, StatusExpired},
}

// Transition returns nil if moving from one status to the other is legal.
func Transition(from, to Status) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q -> %q", from, to)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	_, ok := validTransitions[s]
	return !ok
}

// Participant is one agent's part in a contract.
type Participant struct {
	AgentID              string             `json:"agent_id"`
	Role                 string             `json:"role"`
	Responsibilities     []string           `json:"responsibilities,omitempty"`
	RequiredCapabilities []string           `json:"required_capabilities,omitempty"`
	PerformanceMetrics   map[string]float64 `json:"performance_metrics,omitempty"`
}

// Terms bound a contract in time. A zero Deadline never expires.
type Terms struct {
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time,omitempty"`
	Deadline    time.Time     `json:"deadline,omitempty"`
	GracePeriod time.Duration `json:"grace_period"`
}

// StatusChange is one entry of a contract's status history.
type StatusChange struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Signature records a participant's acceptance.
type Signature struct {
	AgentID  string    `json:"agent_id"`
	OfferID  string    `json:"offer_id,omitempty"`
	SignedAt time.Time `json:"signed_at"`
}

// Report statuses.
const (
	ReportOnTrack = "on_track"
	ReportAtRisk  = "at_risk"
	ReportFailing = "failing"
)

// HighRiskCompletion is the completion percentage below which a failing
// report flags an active contract as high risk.
const HighRiskCompletion = 30.0

// PerformanceReport is a participant's progress report.
type PerformanceReport struct {
	ID         string             `json:"id"`
	ContractID string             `json:"contract_id"`
	AgentID    string             `json:"agent_id"`
	Status     string             `json:"status"`
	Completion float64            `json:"completion"`
	Notes      string             `json:"notes,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ReportedAt time.Time          `json:"reported_at"`
}

// Contract is a multi-participant agreement for one task. Version grows by
// at least one on every change.
type Contract struct {
	ID            string               `json:"id"`
	TaskID        string               `json:"task_id"`
	Title         string               `json:"title,omitempty"`
	Description   string               `json:"description,omitempty"`
	Participants  []Participant        `json:"participants"`
	Terms         Terms                `json:"terms"`
	Status        Status               `json:"status"`
	StatusHistory []StatusChange       `json:"status_history"`
	Signatures    map[string]Signature `json:"signatures"`
	Rejections    map[string]Rejection `json:"rejections,omitempty"`
	Reports       []PerformanceReport  `json:"reports,omitempty"`
	HighRisk      bool                 `json:"high_risk"`
	Version       uint64               `json:"version"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Participant returns the participant entry for agentID.
func (c *Contract) Participant(agentID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.AgentID == agentID {
			return p, true
		}
	}
	return Participant{}, false
}

// AllAccepted reports whether every participant has signed.
func (c *Contract) AllAccepted() bool {
	for _, p := range c.Participants {
		if _, ok := c.Signatures[p.AgentID]; !ok {
			return false
		}
	}
	return true
}

func (c *Contract) clone() *Contract {
	cp := *c
	cp.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		p.Responsibilities = append([]string(nil), p.Responsibilities...)
		p.RequiredCapabilities = append([]string(nil), p.RequiredCapabilities...)
		if p.PerformanceMetrics != nil {
			m := make(map[string]float64, len(p.PerformanceMetrics))
			for k, v := range p.PerformanceMetrics {
				m[k] = v
			}
			p.PerformanceMetrics = m
		}
		cp.Participants[i] = p
	}
	cp.StatusHistory = append([]StatusChange(nil), c.StatusHistory...)
	cp.Reports = append([]PerformanceReport(nil), c.Reports...)
	cp.Signatures = make(map[string]Signature, len(c.Signatures))
	for k, v := range c.Signatures {
		cp.Signatures[k] = v
	}
	if c.Rejections != nil {
		cp.Rejections = make(map[string]Rejection, len(c.Rejections))
		for k, v := range c.Rejections {
			cp.Rejections[k] = v
		}
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Spec describes a contract to create.
type Spec struct {
	TaskID       string         `json:"task_id"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	Participants []Participant  `json:"participants"`
	Terms        Terms          `json:"terms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Offer asks every participant of a contract to accept it.
type Offer struct {
	ID           string    `json:"id"`
	ContractID   string    `json:"contract_id"`
	TaskID       string    `json:"task_id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OfferMessage is the content of the bus request sent to each participant.
type OfferMessage struct {
	OfferID          string    `json:"offer_id"`
	ContractID       string    `json:"contract_id"`
	TaskID           string    `json:"task_id"`
	Title            string    `json:"title,omitempty"`
	Role             string    `json:"role"`
	Responsibilities []string  `json:"responsibilities,omitempty"`
	Deadline         time.Time `json:"deadline,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// OfferResponse is the content of a participant's bus reply to an offer.
type OfferResponse struct {
	ContractID string `json:"contract_id"`
	OfferID    string `json:"offer_id,omitempty"`
	Accept     bool   `json:"accept"`
	Reason     string `json:"reason,omitempty"`
}

// Acceptance is a participant accepting a contract.
type Acceptance struct {
	ContractID string    `json:"contract_id"`
	AgentID    string    `json:"agent_id"`
	OfferID    string    `json:"offer_id,omitempty"`
	At         time.Time `json:"at"`
}

// Rejection is a participant declining a contract.
type Rejection struct {
	ContractID string    `json:"contract_id"`
	AgentID    string    `json:"agent_id"`
	OfferID    string    `json:"offer_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// EventType names a contract lifecycle event.
type EventType string

const (
	EventCreated      EventType = "created"
	EventOffered      EventType = "offered"
	EventAccepted     EventType = "accepted"
	EventRejected     EventType = "rejected"
	EventActivated    EventType = "activated"
	EventReported     EventType = "reported"
	EventHighRisk     EventType = "high_risk"
	EventCompleted    EventType = "completed"
	EventTerminated   EventType = "terminated"
	EventExpired      EventType = "expired"
	EventOfferExpired EventType = "offer_expired"
)

// Event is an advisory lifecycle notification.
type Event struct {
	Type       EventType `json:"type"`
	ContractID string    `json:"contract_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
