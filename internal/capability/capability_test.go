package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDirectoryMatchOrdersByPriority(t *testing.T) {
	d := NewDirectory(zap.NewNop())
	d.Register(Agent{ID: "b", Capabilities: []string{"Summarize"}, Priority: 2, Available: true})
	d.Register(Agent{ID: "a", Capabilities: []string{"summarize"}, Priority: 2, Available: true})
	d.Register(Agent{ID: "c", Capabilities: []string{"summarize"}, Priority: 1, Available: true})
	d.Register(Agent{ID: "off", Capabilities: []string{"summarize"}, Priority: 0, Available: false})
	d.Register(Agent{ID: "other", Capabilities: []string{"translate"}, Available: true})

	got := d.Match("summarize")
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	if strings.Join(ids, ",") != "c,a,b" {
		t.Fatalf("got %v, want [c a b]", ids)
	}

	if !d.SetAvailable("off", true) {
		t.Fatal("SetAvailable on known agent returned false")
	}
	if d.Match("summarize")[0].ID != "off" {
		t.Error("re-enabled agent should rank first")
	}
	if d.SetAvailable("ghost", true) {
		t.Error("SetAvailable on unknown agent returned true")
	}
}

func TestRouterFallsBack(t *testing.T) {
	r := NewRouter(zap.NewNop())
	calls := 0
	r.Register("broken", ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		calls++
		return nil, errors.New("down")
	}))
	r.Register("backup", ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Output: "ok from backup"}, nil
	}))
	r.SetFallbacks("agent-1", []string{"backup"})

	res, err := r.Execute(context.Background(), Request{Capability: "x", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "ok from backup" || calls != 1 {
		t.Errorf("got %v after %d primary calls", res.Output, calls)
	}

	_, err = r.Execute(context.Background(), Request{Capability: "x", AgentID: "agent-2"})
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.AgentID != "agent-2" {
		t.Errorf("got %v, want capability error for agent-2", err)
	}
}

func TestRouterStreamsNonStreamingExecutorAsOneToken(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register("plain", ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Output: "whole answer"}, nil
	}))
	var tokens []string
	err := r.ExecuteStream(context.Background(), Request{AgentID: "a"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil || len(tokens) != 1 || tokens[0] != "whole answer" {
		t.Fatalf("got %v, %v", tokens, err)
	}
}

func TestRouterStreamsNothingForNilResult(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register("empty", ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
		return nil, nil
	}))
	called := false
	err := r.ExecuteStream(context.Background(), Request{AgentID: "a"}, func(string) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("got err %v, emitted %v", err, called)
	}
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/capabilities/echo":
			_ = json.NewEncoder(w).Encode(Result{Output: fmt.Sprint(req.Input)})
		case "/capabilities/echo/stream":
			for _, tok := range []string{"a", "b", "c"} {
				fmt.Fprintf(w, "data: {\"token\":%q}\n\n", tok)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		case "/capabilities/bad/stream":
			fmt.Fprint(w, "data: {\"error\":\"model overloaded\"}\n\n")
		default:
			http.Error(w, "no such capability", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewDirectory(zap.NewNop())
	d.Register(Agent{ID: "agent", Endpoint: srv.URL, Available: true})
	h := NewHTTPExecutor(d, "", 0, zap.NewNop())
	ctx := context.Background()

	res, err := h.Execute(ctx, Request{Capability: "echo", AgentID: "agent", Input: "hi"})
	if err != nil || res.Output != "hi" {
		t.Fatalf("execute got %v, %v", res, err)
	}

	var sb strings.Builder
	err = h.ExecuteStream(ctx, Request{Capability: "echo", AgentID: "agent"}, func(tok string) error {
		sb.WriteString(tok)
		return nil
	})
	if err != nil || sb.String() != "abc" {
		t.Fatalf("stream got %q, %v", sb.String(), err)
	}

	err = h.ExecuteStream(ctx, Request{Capability: "bad", AgentID: "agent"}, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("got %v, want stream error", err)
	}

	if _, err := h.Execute(ctx, Request{Capability: "missing", AgentID: "agent"}); err == nil {
		t.Error("expected error for 404")
	}
	if _, err := h.Execute(ctx, Request{Capability: "echo", AgentID: "ghost"}); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestHTTPStreamOutlivesCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, tok := range []string{"slow", " ", "stream"} {
			fmt.Fprintf(w, "data: {\"token\":%q}\n\n", tok)
			flusher.Flush()
			time.Sleep(40 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := NewDirectory(zap.NewNop())
	d.Register(Agent{ID: "agent", Endpoint: srv.URL, Available: true})
	h := NewHTTPExecutor(d, "", 50*time.Millisecond, zap.NewNop())

	var sb strings.Builder
	err := h.ExecuteStream(context.Background(), Request{Capability: "long", AgentID: "agent"}, func(tok string) error {
		sb.WriteString(tok)
		return nil
	})
	if err != nil || sb.String() != "slow stream" {
		t.Fatalf("got %q, %v", sb.String(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = h.ExecuteStream(ctx, Request{Capability: "long", AgentID: "agent"}, func(string) error { return nil })
	if err == nil {
		t.Error("expected the context deadline to end the stream")
	}
}
