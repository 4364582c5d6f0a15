package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestRecipientScopedDelivery(t *testing.T) {
	b := New(zap.NewNop())
	ctx := context.Background()

	var agent2, agent3, all int
	b.SubscribeToRecipient("agent-2", func(Message) { agent2++ })
	b.SubscribeToRecipient("agent-3", func(Message) { agent3++ })
	b.SubscribeToAll(func(Message) { all++ })

	b.SendMessage(ctx, Message{Type: TypeRequest, SenderID: "agent-1", RecipientID: "agent-2", Content: "hi"})

	if agent2 != 1 {
		t.Errorf("agent-2 got %d messages, want 1", agent2)
	}
	if all != 1 {
		t.Errorf("all-subscriber got %d messages, want 1", all)
	}
	if agent3 != 0 {
		t.Errorf("agent-3 got %d messages, want 0", agent3)
	}
}

func TestTypeScopedDeliveryAndBroadcast(t *testing.T) {
	b := New(zap.NewNop())
	ctx := context.Background()

	var errs, recipient int
	b.SubscribeToType(TypeError, func(Message) { errs++ })
	b.SubscribeToRecipient("agent-1", func(Message) { recipient++ })

	b.SendMessage(ctx, Message{Type: TypeNotification, SenderID: "agent-1"})
	b.SendMessage(ctx, Message{Type: TypeError, SenderID: "agent-1"})

	if errs != 1 {
		t.Errorf("error subscriber got %d, want 1", errs)
	}
	if recipient != 0 {
		t.Errorf("broadcasts must not reach recipient-scoped subscribers, got %d", recipient)
	}
}

func TestSenderReceivesOwnBroadcast(t *testing.T) {
	b := New(zap.NewNop())
	var got []string
	b.SubscribeToAll(func(m Message) { got = append(got, m.SenderID) })
	b.SendMessage(context.Background(), Message{Type: TypeNotification, SenderID: "agent-1"})
	if len(got) != 1 || got[0] != "agent-1" {
		t.Errorf("got %v, want the sender's own broadcast", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	var n int
	unsub := b.SubscribeToAll(func(Message) { n++ })
	b.SendMessage(context.Background(), Message{Type: TypeNotification})
	unsub()
	b.SendMessage(context.Background(), Message{Type: TypeNotification})
	if n != 1 {
		t.Errorf("got %d deliveries, want 1", n)
	}
	if len(b.GetMessageHistory("", 0)) != 2 {
		t.Error("missed message should still be in history")
	}
}

func TestHistoryBoundedFIFO(t *testing.T) {
	b := New(zap.NewNop())
	ctx := context.Background()
	md := WithConversation("conv-1", nil)
	for i := 0; i < MaxHistory+50; i++ {
		b.SendMessage(ctx, Message{Type: TypeNotification, Content: i, Metadata: md})
	}
	b.SendMessage(ctx, Message{Type: TypeNotification, Content: "other"})

	hist := b.GetMessageHistory("conv-1", 0)
	if len(hist) != MaxHistory {
		t.Fatalf("got %d entries, want %d", len(hist), MaxHistory)
	}
	if hist[0].Content != 50 || hist[len(hist)-1].Content != MaxHistory+49 {
		t.Errorf("unexpected window: first=%v last=%v", hist[0].Content, hist[len(hist)-1].Content)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Content.(int) != hist[i-1].Content.(int)+1 {
			t.Fatalf("history out of order at %d", i)
		}
	}

	last := b.GetMessageHistory("conv-1", 3)
	if len(last) != 3 || last[2].Content != MaxHistory+49 {
		t.Errorf("limited history wrong: %+v", last)
	}
	if got := len(b.GetMessageHistory(DefaultConversation, 0)); got != 1 {
		t.Errorf("default bucket got %d, want 1", got)
	}
}

func TestClearMessageHistory(t *testing.T) {
	b := New(zap.NewNop())
	ctx := context.Background()
	b.SendMessage(ctx, Message{Metadata: WithConversation("a", nil)})
	b.SendMessage(ctx, Message{Metadata: WithConversation("b", nil)})

	b.ClearMessageHistory("a")
	if len(b.GetMessageHistory("a", 0)) != 0 || len(b.GetMessageHistory("b", 0)) != 1 {
		t.Fatal("clear of one conversation affected the wrong bucket")
	}
	b.ClearMessageHistory("")
	if len(b.Conversations()) != 0 {
		t.Errorf("got conversations %v after full clear", b.Conversations())
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(zap.NewNop())
	var delivered bool
	b.SubscribeToType(TypeRequest, func(Message) { panic("boom") })
	b.SubscribeToAll(func(Message) { delivered = true })
	b.SubscribeToType(TypeRequest, func(Message) { delivered = true })
	b.SendMessage(context.Background(), Message{Type: TypeRequest})
	if !delivered {
		t.Error("expected delivery despite panicking subscriber")
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *captureRecorder) Record(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func TestRecorderSeesMessages(t *testing.T) {
	b := New(zap.NewNop())
	rec := &captureRecorder{}
	b.SetRecorder(rec)
	sent := b.SendMessage(context.Background(), Message{Type: TypeResponse, ReplyTo: "m-1"})
	if sent.ID == "" || sent.Timestamp.IsZero() || sent.Priority != PriorityNormal {
		t.Errorf("defaults not applied: %+v", sent)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].ID != sent.ID {
		t.Errorf("recorder got %+v", rec.msgs)
	}
}

func TestConcurrentSends(t *testing.T) {
	b := New(zap.NewNop())
	var mu sync.Mutex
	seen := make(map[string]bool)
	b.SubscribeToAll(func(m Message) {
		mu.Lock()
		seen[m.ID] = true
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.SendMessage(context.Background(), Message{ID: fmt.Sprintf("m-%d", i), Type: TypeNotification})
		}(i)
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Errorf("got %d delivered, want 20", len(seen))
	}
}
