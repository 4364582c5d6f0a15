//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/bus"
)

func TestRedisMirrorReplaysAndTails(t *testing.T) {
	mirror, err := bus.NewRedisMirror(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("connect mirror: %v", err)
	}
	t.Cleanup(func() { mirror.Close() })

	b := bus.New(testLogger)
	b.SetRecorder(mirror)
	conv := fmt.Sprintf("mirror-%d", time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tail := mirror.Tail(ctx, conv)
	// XREAD with "$" only sees entries added after the read is issued.
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.SendMessage(ctx, bus.Message{
			Type:     bus.TypeNotification,
			SenderID: "e2e",
			Content:  fmt.Sprintf("m%d", i),
			Metadata: bus.WithConversation(conv, nil),
		})
	}

	select {
	case msg := <-tail:
		if msg.Content != "m0" {
			t.Errorf("tail got %v first", msg.Content)
		}
	case <-ctx.Done():
		t.Fatal("tail received nothing")
	}

	var hist []bus.Message
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(100 * time.Millisecond) {
		hist, err = mirror.History(ctx, conv, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(hist) == 2 && hist[1].Content == "m2" {
			break
		}
	}
	if len(hist) != 2 || hist[0].Content != "m1" || hist[1].Content != "m2" {
		t.Errorf("history %+v", hist)
	}
}
