// Package bus provides publish/subscribe and point-to-point delivery between
// agents, with a bounded per-conversation history.
package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageType categorizes a message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
)

// MessagePriority is advisory delivery priority.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// ConversationKey is the metadata key that selects a history bucket.
const ConversationKey = "conversationId"

// DefaultConversation is the bucket for messages without a conversation id.
const DefaultConversation = "default"

// MaxHistory is the per-conversation history bound.
const MaxHistory = 1000

// Message is a unit of inter-agent communication. An empty RecipientID
// means broadcast.
type Message struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Priority    MessagePriority `json:"priority"`
	Content     any             `json:"content"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Conversation returns the history bucket the message belongs to.
func (m *Message) Conversation() string {
	if id, ok := m.Metadata[ConversationKey].(string); ok && id != "" {
		return id
	}
	return DefaultConversation
}

// Broadcast reports whether the message has no recipient.
func (m *Message) Broadcast() bool { return m.RecipientID == "" }

// Handler receives delivered messages.
type Handler func(msg Message)

// Recorder receives a copy of every stored message, e.g. for durable mirroring.
type Recorder interface {
	Record(msg Message)
}

// Bus is an in-process message bus. History is owned by the bus and only
// reachable through its methods.
type Bus struct {
	mu        sync.RWMutex
	all       map[uint64]Handler
	recipient map[string]map[uint64]Handler
	byType    map[MessageType]map[uint64]Handler
	history   map[string][]Message
	nextID    uint64
	recorder  Recorder
	logger    *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		all:       make(map[uint64]Handler),
		recipient: make(map[string]map[uint64]Handler),
		byType:    make(map[MessageType]map[uint64]Handler),
		history:   make(map[string][]Message),
		logger:    logger,
	}
}

// SetRecorder attaches a recorder that sees every stored message.
func (b *Bus) SetRecorder(r Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = r
}

// SubscribeToAll registers a handler for every message.
func (b *Bus) SubscribeToAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// SubscribeToRecipient registers a handler for messages addressed to recipientID.
func (b *Bus) SubscribeToRecipient(recipientID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	set, ok := b.recipient[recipientID]
	if !ok {
		set = make(map[uint64]Handler)
		b.recipient[recipientID] = set
	}
	set[id] = h
	return func() {
		b.mu.Lock()
		delete(b.recipient[recipientID], id)
		if len(b.recipient[recipientID]) == 0 {
			delete(b.recipient, recipientID)
		}
		b.mu.Unlock()
	}
}

// SubscribeToType registers a handler for messages of type t.
func (b *Bus) SubscribeToType(t MessageType, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	set, ok := b.byType[t]
	if !ok {
		set = make(map[uint64]Handler)
		b.byType[t] = set
	}
	set[id] = h
	return func() {
		b.mu.Lock()
		delete(b.byType[t], id)
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
		b.mu.Unlock()
	}
}

// SendMessage stores msg in its conversation history and synchronously
// notifies all-subscribers, the recipient's subscribers and the type's
// subscribers before returning. The sender is not excluded from broadcasts.
func (b *Bus) SendMessage(_ context.Context, msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	conv := msg.Conversation()

	b.mu.Lock()
	hist := append(b.history[conv], msg)
	if len(hist) > MaxHistory {
		hist = append([]Message(nil), hist[len(hist)-MaxHistory:]...)
	}
	b.history[conv] = hist

	handlers := make([]Handler, 0, len(b.all)+2)
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	if !msg.Broadcast() {
		for _, h := range b.recipient[msg.RecipientID] {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.byType[msg.Type] {
		handlers = append(handlers, h)
	}
	rec := b.recorder
	b.mu.Unlock()

	if rec != nil {
		rec.Record(msg)
	}

	b.logger.Debug("message sent",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.SenderID),
		zap.String("to", msg.RecipientID),
		zap.Int("subscribers", len(handlers)))

	for _, h := range handlers {
		b.deliver(h, msg)
	}
	return msg
}

func (b *Bus) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("message", msg.ID),
				zap.Any("panic", r))
		}
	}()
	h(msg)
}

// GetMessageHistory returns up to limit of the most recent messages of a
// conversation, oldest first. A limit <= 0 returns the whole history.
func (b *Bus) GetMessageHistory(conversationID string, limit int) []Message {
	if conversationID == "" {
		conversationID = DefaultConversation
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[conversationID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]Message, limit)
	copy(out, hist[len(hist)-limit:])
	return out
}

// ClearMessageHistory drops one conversation's history, or all history
// when conversationID is empty.
func (b *Bus) ClearMessageHistory(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conversationID == "" {
		b.history = make(map[string][]Message)
		return
	}
	delete(b.history, conversationID)
}

// Conversations lists conversation ids that currently hold history.
func (b *Bus) Conversations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.history))
	for id := range b.history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithConversation returns metadata carrying a conversation id.
func WithConversation(conversationID string, extra map[string]any) map[string]any {
	md := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		md[k] = v
	}
	md[ConversationKey] = conversationID
	return md
}
