package capability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPExecutor calls agents that expose their capabilities over HTTP.
//
//	POST {endpoint}/capabilities/{name}         -> Result as JSON
//	POST {endpoint}/capabilities/{name}/stream  -> server-sent events,
//	     "data: {"token":"..."}" per token, "data: [DONE]" at the end
type HTTPExecutor struct {
	dir          *Directory
	apiKey       string
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewHTTPExecutor creates an executor that resolves agent endpoints from dir.
// timeout bounds a whole JSON call but only the wait for response headers
// of a stream; the body of a stream is bounded by the caller's context.
func NewHTTPExecutor(dir *Directory, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &HTTPExecutor{
		dir:          dir,
		apiKey:       apiKey,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: transport},
		logger:       logger,
	}
}

type streamEvent struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	resp, err := h.post(ctx, h.client, req, "")
	if err != nil {
		return nil, &Error{Capability: req.Capability, AgentID: req.AgentID, Err: err}
	}
	defer resp.Body.Close()

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, &Error{Capability: req.Capability, AgentID: req.AgentID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &res, nil
}

// ExecuteStream implements StreamExecutor.
func (h *HTTPExecutor) ExecuteStream(ctx context.Context, req Request, emit func(string) error) error {
	resp, err := h.post(ctx, h.streamClient, req, "/stream")
	if err != nil {
		return &Error{Capability: req.Capability, AgentID: req.AgentID, Err: err}
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			h.logger.Debug("skipping malformed stream event", zap.String("agent", req.AgentID), zap.Error(err))
			continue
		}
		if ev.Error != "" {
			return &Error{Capability: req.Capability, AgentID: req.AgentID, Err: fmt.Errorf("%s", ev.Error)}
		}
		if ev.Token == "" {
			continue
		}
		if err := emit(ev.Token); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &Error{Capability: req.Capability, AgentID: req.AgentID, Err: fmt.Errorf("read stream: %w", err)}
	}
	return &Error{Capability: req.Capability, AgentID: req.AgentID, Err: io.ErrUnexpectedEOF}
}

func (h *HTTPExecutor) post(ctx context.Context, client *http.Client, req Request, suffix string) (*http.Response, error) {
	agent, ok := h.dir.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.AgentID)
	}
	if agent.Endpoint == "" {
		return nil, fmt.Errorf("agent %q has no endpoint", req.AgentID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	target := strings.TrimRight(agent.Endpoint, "/") + "/capabilities/" + url.PathEscape(req.Capability) + suffix
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent error %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}
