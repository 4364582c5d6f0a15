package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/capability"
	"github.com/nidhogg/nuka-conductor/internal/contract"
	"github.com/nidhogg/nuka-conductor/internal/stream"
)

// execute runs one step visit with retries and reports the outcome to the
// drive goroutine.
func (r *run) execute(p *pending, input any, inputErr error) {
	e := r.engine
	spec := r.def.steps[p.stepID].spec
	out := outcome{p: p}
	rec := StepRecord{
		StepID:     p.stepID,
		Visit:      p.visit,
		TaskID:     p.taskID,
		Capability: spec.Capability,
		Input:      input,
		StartedAt:  time.Now(),
	}
	defer func() {
		rec.CompletedAt = time.Now()
		out.rec = rec
		r.results <- out
	}()
	fail := func(attempts int, err error) {
		rec.Status = StepFailed
		if errors.Is(err, context.Canceled) {
			rec.Status = StepCanceled
		}
		rec.Error = err.Error()
		out.err = &StepError{StepID: p.stepID, Attempts: attempts, Err: err}
	}

	if inputErr != nil {
		fail(0, fmt.Errorf("resolve input: %w", inputErr))
		return
	}
	if spec.Capability == "" {
		rec.Status = StepCompleted
		rec.Output = input
		out.output = input
		return
	}
	if e.exec == nil {
		fail(0, errors.New("no capability executor configured"))
		return
	}

	agents := e.dir.Match(spec.Capability)
	if len(agents) == 0 {
		fail(0, fmt.Errorf("%s: %w", spec.Capability, capability.ErrNoAgent))
		return
	}
	width := 1
	if spec.Streaming != nil && spec.Streaming.Agents > 1 {
		width = min(spec.Streaming.Agents, len(agents))
	}

	var contracted []capability.Agent
	if spec.ViaContract && e.contracts != nil {
		contracted = rotate(agents, 0, width)
		c, err := r.negotiate(p, spec, contracted)
		if c != nil {
			rec.ContractID = c.ID
		}
		if err != nil {
			fail(0, err)
			return
		}
	}

	timeout := time.Duration(spec.Timeout)
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	log := r.logger().With(zap.String("step", p.stepID), zap.String("capability", spec.Capability))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= spec.Retries; attempt++ {
		if err := r.ctx.Err(); err != nil {
			lastErr = err
			break
		}
		chosen := contracted
		if chosen == nil {
			chosen = rotate(agents, attempt, width)
		}
		ids := agentIDs(chosen)
		attempts = attempt + 1
		rec.Attempts = attempts
		rec.AgentID = ids[0]
		rec.Agents = ids

		r.setActive(ids, true)
		res, err := r.attempt(p, spec, chosen, input, attempt, timeout)
		r.setActive(ids, false)
		if err == nil {
			rec.Status = StepCompleted
			rec.Output = res.Output
			out.output = res.Output
			out.metadata = res.Metadata
			if rec.ContractID != "" {
				e.contracts.CompleteContract(rec.ContractID)
			}
			log.Info("step completed", zap.String("agent", ids[0]), zap.Int("attempt", attempts))
			return
		}
		lastErr = err
		if attempt < spec.Retries {
			log.Warn("step attempt failed, retrying",
				zap.String("agent", ids[0]),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
	}

	if rec.ContractID != "" {
		e.contracts.TerminateContract(rec.ContractID, "step failed: "+lastErr.Error())
	}
	fail(attempts, lastErr)
}

// attempt performs one try of a step under timeout.
func (r *run) attempt(p *pending, spec StepSpec, agents []capability.Agent, input any, attempt int, timeout time.Duration) (*capability.Result, error) {
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	if spec.Streaming != nil {
		return r.streamAttempt(ctx, p, spec, agents, input, attempt)
	}

	e := r.engine
	req := r.request(p, spec, agents[0].ID, input, attempt)
	sent := r.sendRequest(req)

	type reply struct {
		res *capability.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := e.exec.Execute(ctx, req)
		ch <- reply{res, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		res := rep.res
		if res == nil {
			res = &capability.Result{}
		}
		e.publish(bus.Message{
			Type:        bus.TypeResponse,
			SenderID:    req.AgentID,
			RecipientID: e.busID,
			ReplyTo:     sent.ID,
			Content:     res.Output,
			Metadata:    bus.WithConversation(req.RunID, map[string]any{"stepId": req.StepID}),
		})
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("agent %s: %w", req.AgentID, ctx.Err())
	}
}

// streamAttempt fans a step out to several agents and merges their token
// streams. The step output is the finalized merged text.
func (r *run) streamAttempt(ctx context.Context, p *pending, spec StepSpec, agents []capability.Agent, input any, attempt int) (*capability.Result, error) {
	e := r.engine
	agg, err := stream.New(stream.Config{
		ID:       fmt.Sprintf("%s/%d", p.taskID, attempt),
		Strategy: spec.Streaming.Strategy,
	}, e.logger)
	if err != nil {
		return nil, err
	}

	handles := make([]*stream.Stream, len(agents))
	for i, a := range agents {
		h, err := agg.RegisterAgentStream(stream.StreamMetadata{
			AgentID:  a.ID,
			Role:     roleFor(spec.Streaming, i),
			Priority: i,
		}, stream.StreamOptions{})
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}

	var g errgroup.Group
	for i, a := range agents {
		h := handles[i]
		req := r.request(p, spec, a.ID, input, attempt)
		r.sendRequest(req)
		g.Go(func() error {
			if err := r.streamOne(ctx, req, h); err != nil {
				h.Fail(err)
				return fmt.Errorf("agent %s: %w", req.AgentID, err)
			}
			h.Complete()
			return nil
		})
	}

	select {
	case <-agg.Done():
	case <-ctx.Done():
		agg.Cancel(ctx.Err())
		return nil, ctx.Err()
	}
	res, ok := agg.Result()
	if !ok {
		return nil, agg.Err()
	}
	errored := 0
	for _, a := range res.Agents {
		if a.Errored {
			errored++
		}
	}
	if errored == len(res.Agents) {
		return nil, g.Wait()
	}

	e.publish(bus.Message{
		Type:        bus.TypeResponse,
		SenderID:    e.busID,
		RecipientID: e.busID,
		Content:     res.Text,
		Metadata: bus.WithConversation(r.state.RunID, map[string]any{
			"stepId":      p.stepID,
			"aggregation": res.AggregationID,
		}),
	})
	return &capability.Result{
		Output: res.Text,
		Metadata: map[string]any{
			p.stepID + ".aggregation": res.AggregationID,
			p.stepID + ".streams":     len(res.Agents),
			p.stepID + ".errored":     errored,
		},
	}, nil
}

func (r *run) streamOne(ctx context.Context, req capability.Request, h *stream.Stream) error {
	if se, ok := r.engine.exec.(capability.StreamExecutor); ok {
		return se.ExecuteStream(ctx, req, h.Write)
	}
	res, err := r.engine.exec.Execute(ctx, req)
	if err != nil {
		return err
	}
	if res == nil || res.Output == nil {
		return nil
	}
	return h.Write(fmt.Sprint(res.Output))
}

// negotiate creates a contract for the step's agents and waits for every
// one of them to accept it.
func (r *run) negotiate(p *pending, spec StepSpec, agents []capability.Agent) (*contract.Contract, error) {
	e := r.engine
	timeout := time.Duration(spec.Timeout)
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	participants := make([]contract.Participant, len(agents))
	for i, a := range agents {
		role := "executor"
		if spec.Streaming != nil {
			role = string(roleFor(spec.Streaming, i))
		}
		participants[i] = contract.Participant{
			AgentID:              a.ID,
			Role:                 role,
			Responsibilities:     []string{spec.Capability},
			RequiredCapabilities: []string{spec.Capability},
		}
	}
	c, err := e.contracts.CreateContract(contract.Spec{
		TaskID:       p.taskID,
		Title:        r.def.Name() + "/" + p.stepID,
		Participants: participants,
		Terms: contract.Terms{
			Deadline:    time.Now().Add(timeout * time.Duration(spec.Retries+1)),
			GracePeriod: timeout,
		},
		Metadata: map[string]any{"runId": r.state.RunID, "stepId": p.stepID},
	})
	if err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}

	activated := make(chan struct{}, 1)
	unsubscribe := e.contracts.SubscribeToEvents(func(ev contract.Event) {
		if ev.ContractID == c.ID && ev.Type == contract.EventActivated {
			select {
			case activated <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if _, ok := e.contracts.CreateContractOffer(c.ID, e.opts.ContractTimeout); !ok {
		return c, fmt.Errorf("contract %s could not be offered", c.ID)
	}
	if cur, ok := e.contracts.GetContract(c.ID); ok && cur.Status == contract.StatusActive {
		return cur, nil
	}

	timer := time.NewTimer(e.opts.ContractTimeout)
	defer timer.Stop()
	select {
	case <-activated:
		return c, nil
	case <-timer.C:
		return c, fmt.Errorf("contract %s not accepted within %s", c.ID, e.opts.ContractTimeout)
	case <-r.ctx.Done():
		return c, r.ctx.Err()
	}
}

func (r *run) request(p *pending, spec StepSpec, agentID string, input any, attempt int) capability.Request {
	return capability.Request{
		Capability: spec.Capability,
		AgentID:    agentID,
		Input:      input,
		RunID:      r.state.RunID,
		StepID:     p.stepID,
		Attempt:    attempt,
		Metadata:   map[string]any{"taskId": p.taskID, "workflow": r.def.Name()},
	}
}

func (r *run) sendRequest(req capability.Request) bus.Message {
	return r.engine.publish(bus.Message{
		Type:        bus.TypeRequest,
		SenderID:    r.engine.busID,
		RecipientID: req.AgentID,
		Content:     req,
		Metadata:    bus.WithConversation(req.RunID, map[string]any{"stepId": req.StepID}),
	})
}

func (r *run) setActive(ids []string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.state.addAgents(ids...)
	} else {
		r.state.removeAgents(ids...)
	}
}

// rotate picks width agents starting at offset, wrapping around.
func rotate(agents []capability.Agent, offset, width int) []capability.Agent {
	out := make([]capability.Agent, 0, width)
	for i := 0; i < width; i++ {
		out = append(out, agents[(offset+i)%len(agents)])
	}
	return out
}

func agentIDs(agents []capability.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

func roleFor(s *StreamingSpec, i int) stream.Role {
	if s.Strategy == stream.StrategyLeaderFollower {
		if i == 0 {
			return stream.RoleLeader
		}
		return stream.RoleFollower
	}
	if i == 0 && s.Role != "" {
		return s.Role
	}
	return stream.RoleParallel
}
