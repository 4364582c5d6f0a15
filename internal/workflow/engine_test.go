package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/bus"
	"github.com/nidhogg/nuka-conductor/internal/capability"
	"github.com/nidhogg/nuka-conductor/internal/contract"
	"github.com/nidhogg/nuka-conductor/internal/match"
	"github.com/nidhogg/nuka-conductor/internal/scheduler"
	"github.com/nidhogg/nuka-conductor/internal/stream"
)

type fixture struct {
	engine *Engine
	bus    *bus.Bus
	sched  *scheduler.Scheduler
	dir    *capability.Directory

	mu          sync.Mutex
	finalStatus map[string]scheduler.TaskStatus
}

// taskStatus is the last status the scheduler reported for a task.
func (f *fixture) taskStatus(id string) scheduler.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalStatus[id]
}

func newFixture(t *testing.T, exec capability.Executor, agents ...capability.Agent) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		bus:   bus.New(logger),
		sched: scheduler.NewScheduler(logger),
		dir:   capability.NewDirectory(logger),

		finalStatus: make(map[string]scheduler.TaskStatus),
	}
	f.sched.Subscribe(func(ev scheduler.Event) {
		f.mu.Lock()
		f.finalStatus[ev.Task.ID] = ev.Task.Status
		f.mu.Unlock()
	})
	for _, a := range agents {
		a.Available = true
		f.dir.Register(a)
	}
	f.engine = NewEngine(f.sched, f.bus, f.dir, exec, logger)
	return f
}

func agent(id string, prio int, caps ...string) capability.Agent {
	return capability.Agent{ID: id, Priority: prio, Capabilities: caps}
}

func (f *fixture) mustCreate(t *testing.T, spec Spec) *Definition {
	t.Helper()
	d, err := f.engine.CreateWorkflow(spec)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return d
}

func (f *fixture) execute(t *testing.T, name string, input any) *ExecutionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := f.engine.ExecuteWorkflowByName(ctx, name, input)
	if err != nil {
		t.Fatalf("execute %s: %v", name, err)
	}
	return st
}

// callLog records capability invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func echo(log *callLog) capability.ExecutorFunc {
	return func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if log != nil {
			log.add(req.Capability + "@" + req.AgentID)
		}
		return &capability.Result{Output: fmt.Sprintf("%s(%v)", req.Capability, req.Input)}, nil
	}
}

func TestLinearWorkflowPassesOutputs(t *testing.T) {
	f := newFixture(t, echo(nil), agent("a1", 0, "fetch", "summarize"))
	f.mustCreate(t, Spec{
		Name:    "linear",
		StartAt: "fetch",
		Steps: []StepSpec{
			{ID: "fetch", Capability: "fetch", OnSuccess: []string{"summarize"}},
			{ID: "summarize", Capability: "summarize"},
		},
	})

	st := f.execute(t, "linear", "doc")
	if st.Status != RunCompleted {
		t.Fatalf("got status %s (%s), want completed", st.Status, st.Error)
	}
	if got := st.Outputs["summarize"]; got != "summarize(fetch(doc))" {
		t.Errorf("got output %v", got)
	}
	if len(st.Steps) != 2 || st.Steps[0].AgentID != "a1" {
		t.Errorf("unexpected step records %+v", st.Steps)
	}
	if len(st.ActiveAgents) != 0 {
		t.Errorf("active agents left after completion: %v", st.ActiveAgents)
	}

	hist := f.bus.GetMessageHistory(st.RunID, 0)
	var requests, responses int
	for _, m := range hist {
		switch m.Type {
		case bus.TypeRequest:
			requests++
		case bus.TypeResponse:
			responses++
		}
	}
	if requests != 2 || responses != 2 {
		t.Errorf("got %d requests and %d responses on the bus, want 2 and 2", requests, responses)
	}

	for _, rec := range st.Steps {
		if got := f.taskStatus(rec.TaskID); got != scheduler.TaskCompleted {
			t.Errorf("scheduler task for %s ended %q, want completed", rec.StepID, got)
		}
		if _, ok := f.sched.GetTask(rec.TaskID); ok {
			t.Errorf("scheduler task for %s still held after the run", rec.StepID)
		}
	}
	if n := len(f.sched.ListTasks()); n != 0 {
		t.Errorf("%d tasks left in the scheduler", n)
	}
}

func TestRetryRotatesAgents(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if req.AgentID == "flaky" {
			return nil, errors.New("flaky agent down")
		}
		return &capability.Result{Output: "done by " + req.AgentID}, nil
	})
	f := newFixture(t, exec, agent("flaky", 0, "analyze"), agent("steady", 1, "analyze"))
	f.mustCreate(t, Spec{
		Name:  "retry",
		Steps: []StepSpec{{ID: "analyze", Capability: "analyze", Retries: 2}},
	})

	st := f.execute(t, "retry", nil)
	if st.Status != RunCompleted {
		t.Fatalf("got %s: %s", st.Status, st.Error)
	}
	rec := st.Steps[0]
	if rec.Attempts != 2 || rec.AgentID != "steady" || rec.Output != "done by steady" {
		t.Errorf("got %+v", rec)
	}
}

func TestUnrecoverableFailurePublishesError(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return nil, errors.New("boom")
	})
	f := newFixture(t, exec, agent("a", 0, "work"))
	var errMsgs []bus.Message
	var mu sync.Mutex
	f.bus.SubscribeToType(bus.TypeError, func(m bus.Message) {
		mu.Lock()
		errMsgs = append(errMsgs, m)
		mu.Unlock()
	})
	f.mustCreate(t, Spec{
		Name:  "fails",
		Steps: []StepSpec{{ID: "work", Capability: "work", Retries: 1, OnSuccess: []string{"after"}}, {ID: "after"}},
	})

	st := f.execute(t, "fails", nil)
	if st.Status != RunFailed || st.FailedStep != "work" {
		t.Fatalf("got %s at %q, want failed at work", st.Status, st.FailedStep)
	}
	if !strings.Contains(st.Error, "boom") || !strings.Contains(st.Error, "2 attempt") {
		t.Errorf("error %q should carry cause and attempt count", st.Error)
	}
	if _, ran := st.Outputs["after"]; ran {
		t.Error("successor ran after failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errMsgs) != 1 || !errMsgs[0].Broadcast() {
		t.Fatalf("got %d error messages, want one broadcast", len(errMsgs))
	}
	if errMsgs[0].Conversation() != st.RunID {
		t.Errorf("error message in conversation %s", errMsgs[0].Conversation())
	}
}

func TestFailureEdgeRecovers(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if req.Capability == "primary" {
			return nil, errors.New("unavailable")
		}
		return &capability.Result{Output: "fallback answer"}, nil
	})
	f := newFixture(t, exec, agent("a", 0, "primary", "fallback"))
	f.mustCreate(t, Spec{
		Name: "recover",
		Steps: []StepSpec{
			{ID: "primary", Capability: "primary", OnFailure: []string{"fallback"}},
			{ID: "fallback", Capability: "fallback"},
		},
	})
	st := f.execute(t, "recover", nil)
	if st.Status != RunCompleted || st.Outputs["fallback"] != "fallback answer" {
		t.Fatalf("got %s with outputs %v", st.Status, st.Outputs)
	}
	if st.Steps[0].Status != StepFailed {
		t.Errorf("primary recorded as %s", st.Steps[0].Status)
	}
}

func TestBranchConditionSelectsPath(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if req.Capability == "classify" {
			return &capability.Result{Output: map[string]any{"score": 0.9}}, nil
		}
		return &capability.Result{Output: req.Capability}, nil
	})
	f := newFixture(t, exec, agent("a", 0, "classify", "deep", "shallow"))
	f.mustCreate(t, Spec{
		Name: "branching",
		Steps: []StepSpec{
			{ID: "classify", Capability: "classify", Branches: []BranchSpec{{
				Condition: &ConditionSpec{Field: "score", Operator: match.OpGt, Value: 0.5},
				Then:      "deep",
				Else:      "shallow",
			}}},
			{ID: "deep", Capability: "deep"},
			{ID: "shallow", Capability: "shallow"},
		},
	})
	st := f.execute(t, "branching", nil)
	if _, ok := st.Outputs["deep"]; !ok {
		t.Error("then-branch did not run")
	}
	if _, ok := st.Outputs["shallow"]; ok {
		t.Error("else-branch ran")
	}
}

func TestFanOutJoinsBeforeMerge(t *testing.T) {
	log := &callLog{}
	f := newFixture(t, echo(log), agent("a", 0, "left", "right", "merge"))
	d := f.mustCreate(t, Spec{
		Name: "diamond",
		Steps: []StepSpec{
			{ID: "start", OnSuccess: []string{"left", "right"}},
			{ID: "left", Capability: "left", OnSuccess: []string{"merge"}},
			{ID: "right", Capability: "right", OnSuccess: []string{"merge"}},
			{ID: "merge", Capability: "merge"},
		},
	})
	if joins := d.Summary().Joins; len(joins) != 1 || strings.Join(joins["merge"], ",") != "left,right" {
		t.Errorf("got joins %v, want merge <- left,right", joins)
	}
	st := f.execute(t, "diamond", "x")
	if st.Status != RunCompleted {
		t.Fatalf("got %s: %s", st.Status, st.Error)
	}
	merges := 0
	for _, c := range log.list() {
		if strings.HasPrefix(c, "merge@") {
			merges++
		}
	}
	if merges != 1 {
		t.Fatalf("merge ran %d times, want 1", merges)
	}
	want := "merge(map[left:left(x) right:right(x)])"
	if st.Outputs["merge"] != want {
		t.Errorf("got %v, want %v", st.Outputs["merge"], want)
	}
}

func TestPartialJoinReleasedOnQuiescence(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if req.Capability == "check" {
			return &capability.Result{Output: map[string]any{"ok": false}}, nil
		}
		return &capability.Result{Output: req.Capability}, nil
	})
	f := newFixture(t, exec, agent("a", 0, "check", "fix", "report"))
	f.mustCreate(t, Spec{
		Name: "partial-join",
		Steps: []StepSpec{
			{ID: "check", Capability: "check", OnSuccess: []string{"report"}, Branches: []BranchSpec{{
				Condition: &ConditionSpec{Field: "ok", Operator: match.OpEq, Value: true},
				Then:      "fix",
			}}},
			{ID: "fix", Capability: "fix", OnSuccess: []string{"report"}},
			{ID: "report", Capability: "report"},
		},
	})
	st := f.execute(t, "partial-join", nil)
	if st.Status != RunCompleted {
		t.Fatalf("got %s: %s", st.Status, st.Error)
	}
	if _, ok := st.Outputs["report"]; !ok {
		t.Error("join with an untaken edge never ran")
	}
}

func TestSchedulerOrdersReadySteps(t *testing.T) {
	log := &callLog{}
	f := newFixture(t, echo(log), agent("a", 0, "minor", "urgent"))
	f.mustCreate(t, Spec{
		Name:        "ordered",
		MaxParallel: 1,
		Steps: []StepSpec{
			{ID: "start", OnSuccess: []string{"minor", "urgent"}},
			{ID: "minor", Capability: "minor", Priority: scheduler.PriorityLow},
			{ID: "urgent", Capability: "urgent", Priority: scheduler.PriorityCritical},
		},
	})
	f.execute(t, "ordered", nil)
	calls := log.list()
	if len(calls) != 2 || calls[0] != "urgent@a" {
		t.Errorf("got call order %v, want urgent first", calls)
	}
}

func TestStepTimeout(t *testing.T) {
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, exec, agent("slow", 0, "think"))
	f.mustCreate(t, Spec{
		Name:  "timeout",
		Steps: []StepSpec{{ID: "think", Capability: "think", Timeout: Duration(20 * time.Millisecond)}},
	})
	st := f.execute(t, "timeout", nil)
	if st.Status != RunFailed || !strings.Contains(st.Error, context.DeadlineExceeded.Error()) {
		t.Errorf("got %s: %s", st.Status, st.Error)
	}
}

func TestMissingAgentFailsRun(t *testing.T) {
	f := newFixture(t, echo(nil))
	f.mustCreate(t, Spec{Name: "orphan", Steps: []StepSpec{{ID: "x", Capability: "nobody-has-this"}}})
	st := f.execute(t, "orphan", nil)
	if st.Status != RunFailed || !strings.Contains(st.Error, capability.ErrNoAgent.Error()) {
		t.Errorf("got %s: %s", st.Status, st.Error)
	}
}

func TestMaxStepVisitsBoundsCycles(t *testing.T) {
	f := newFixture(t, echo(nil), agent("a", 0, "loop"))
	f.mustCreate(t, Spec{
		Name:          "cycle",
		MaxStepVisits: 3,
		Steps:         []StepSpec{{ID: "loop", Capability: "loop", OnSuccess: []string{"loop"}}},
	})
	st := f.execute(t, "cycle", nil)
	if st.Status != RunFailed || len(st.Steps) != 3 {
		t.Errorf("got %s after %d visits", st.Status, len(st.Steps))
	}
}

type tokenExec struct {
	tokens map[string][]string
}

func (e tokenExec) Execute(ctx context.Context, req capability.Request) (*capability.Result, error) {
	return &capability.Result{Output: strings.Join(e.tokens[req.AgentID], "")}, nil
}

func (e tokenExec) ExecuteStream(ctx context.Context, req capability.Request, emit func(string) error) error {
	toks, ok := e.tokens[req.AgentID]
	if !ok {
		return errors.New("agent has nothing to say")
	}
	for _, tok := range toks {
		if err := emit(tok); err != nil {
			return err
		}
	}
	return nil
}

func TestStreamingStepMergesAgents(t *testing.T) {
	exec := tokenExec{tokens: map[string][]string{
		"lead":  {"Main ", "finding"},
		"help1": {"detail one"},
		"help2": {"detail ", "two"},
	}}
	f := newFixture(t, exec,
		agent("lead", 0, "research"),
		agent("help1", 1, "research"),
		agent("help2", 2, "research"))
	f.mustCreate(t, Spec{
		Name: "streamed",
		Steps: []StepSpec{{
			ID:         "research",
			Capability: "research",
			Streaming:  &StreamingSpec{Strategy: stream.StrategyLeaderFollower, Agents: 3},
		}},
	})
	st := f.execute(t, "streamed", nil)
	if st.Status != RunCompleted {
		t.Fatalf("got %s: %s", st.Status, st.Error)
	}
	want := "Main finding\n\n  detail one\n\n  detail two"
	if st.Outputs["research"] != want {
		t.Errorf("got %q, want %q", st.Outputs["research"], want)
	}
	if got := st.Steps[0].Agents; strings.Join(got, ",") != "lead,help1,help2" {
		t.Errorf("agents %v", got)
	}
	if st.Metadata["research.streams"] != 3 {
		t.Errorf("metadata %v", st.Metadata)
	}
}

func TestStreamingStepToleratesSomeAgentErrors(t *testing.T) {
	exec := tokenExec{tokens: map[string][]string{"ok": {"fine"}}}
	f := newFixture(t, exec, agent("ok", 0, "r"), agent("mute", 1, "r"))
	f.mustCreate(t, Spec{
		Name:  "partial-stream",
		Steps: []StepSpec{{ID: "r", Capability: "r", Streaming: &StreamingSpec{Strategy: stream.StrategyCombined, Agents: 2}}},
	})
	st := f.execute(t, "partial-stream", nil)
	if st.Status != RunCompleted || st.Outputs["r"] != "fine" {
		t.Errorf("got %s %v: %s", st.Status, st.Outputs["r"], st.Error)
	}
}

func TestViaContractNegotiatesBeforeDispatch(t *testing.T) {
	f := newFixture(t, echo(nil), agent("contractor", 0, "audit"))
	protocol := contract.NewProtocol(f.bus, zap.NewNop())
	defer protocol.Close()
	f.engine.SetContracts(protocol)

	f.bus.SubscribeToRecipient("contractor", func(m bus.Message) {
		offer, ok := m.Content.(contract.OfferMessage)
		if !ok {
			return
		}
		f.bus.SendMessage(context.Background(), bus.Message{
			Type:        bus.TypeResponse,
			SenderID:    "contractor",
			RecipientID: protocol.BusID(),
			Content:     contract.OfferResponse{ContractID: offer.ContractID, OfferID: offer.OfferID, Accept: true},
		})
	})

	f.mustCreate(t, Spec{Name: "contracted", Steps: []StepSpec{{ID: "audit", Capability: "audit", ViaContract: true}}})
	st := f.execute(t, "contracted", "books")
	if st.Status != RunCompleted {
		t.Fatalf("got %s: %s", st.Status, st.Error)
	}
	c, ok := protocol.GetContract(st.Steps[0].ContractID)
	if !ok || c.Status != contract.StatusCompleted {
		t.Fatalf("contract %+v", c)
	}
}

func TestViaContractRejectedFailsStep(t *testing.T) {
	f := newFixture(t, echo(nil), agent("refuser", 0, "audit"))
	protocol := contract.NewProtocol(f.bus, zap.NewNop())
	defer protocol.Close()
	f.engine.SetContracts(protocol)
	f.engine.SetOptions(Options{ContractTimeout: 30 * time.Millisecond})

	f.mustCreate(t, Spec{Name: "unsigned", Steps: []StepSpec{{ID: "audit", Capability: "audit", ViaContract: true}}})
	st := f.execute(t, "unsigned", nil)
	if st.Status != RunFailed || !strings.Contains(st.Error, "not accepted") {
		t.Errorf("got %s: %s", st.Status, st.Error)
	}
}

func TestCancelExecution(t *testing.T) {
	started := make(chan struct{})
	exec := capability.ExecutorFunc(func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, exec, agent("a", 0, "wait"))
	d := f.mustCreate(t, Spec{Name: "long", Steps: []StepSpec{{ID: "wait", Capability: "wait"}}})

	runID, err := f.engine.StartWorkflow(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if st, ok := f.engine.GetExecutionStatus(runID); !ok || st.Status != RunRunning || len(st.ActiveAgents) != 1 {
		t.Fatalf("status while running: %+v", st)
	}
	if !f.engine.CancelExecution(runID) {
		t.Fatal("cancel returned false")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := f.engine.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != RunCanceled {
		t.Errorf("got %s, want canceled", st.Status)
	}
	if f.engine.CancelExecution(runID) {
		t.Error("second cancel returned true")
	}
	if got := f.taskStatus(st.Steps[0].TaskID); got != scheduler.TaskCanceled {
		t.Errorf("scheduler task ended %q, want canceled", got)
	}
	if _, ok := f.sched.GetTask(st.Steps[0].TaskID); ok {
		t.Error("canceled task still held after the run")
	}
}

func TestLookupErrors(t *testing.T) {
	f := newFixture(t, echo(nil))
	if _, err := f.engine.ExecuteWorkflowByName(context.Background(), "ghost", nil); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("got %v, want ErrWorkflowNotFound", err)
	}
	if _, ok := f.engine.GetExecutionStatus("ghost"); ok {
		t.Error("status for unknown run")
	}
	if f.engine.CancelExecution("ghost") {
		t.Error("cancel for unknown run")
	}
}

func TestCompileValidation(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want error
	}{
		{"duplicate", Spec{Name: "w", Steps: []StepSpec{{ID: "a"}, {ID: "a"}}}, ErrDuplicateStep},
		{"unknown edge", Spec{Name: "w", Steps: []StepSpec{{ID: "a", OnSuccess: []string{"b"}}}}, ErrUnknownStep},
		{"unknown start", Spec{Name: "w", StartAt: "z", Steps: []StepSpec{{ID: "a"}}}, ErrUnknownStep},
		{"no steps", Spec{Name: "w"}, ErrInvalidWorkflow},
		{"bad operator", Spec{Name: "w", Steps: []StepSpec{{ID: "a", Branches: []BranchSpec{{
			Condition: &ConditionSpec{Operator: "like", Value: 1}, Then: "a",
		}}}}}, ErrInvalidWorkflow},
	}
	for _, tc := range cases {
		if _, err := Compile(tc.spec); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

type memRecorder struct {
	mu   sync.Mutex
	runs map[string]RunStatus
}

func (m *memRecorder) SaveRun(_ context.Context, st *ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[st.RunID] = st.Status
	return nil
}

func TestRecorderReceivesFinishedRuns(t *testing.T) {
	f := newFixture(t, echo(nil), agent("a", 0, "x"))
	rec := &memRecorder{runs: make(map[string]RunStatus)}
	f.engine.SetRecorder(rec)
	f.mustCreate(t, Spec{Name: "recorded", Steps: []StepSpec{{ID: "x", Capability: "x"}}})
	st := f.execute(t, "recorded", nil)
	if rec.runs[st.RunID] != RunCompleted {
		t.Errorf("recorded %v", rec.runs)
	}
	if len(f.engine.ListWorkflows()) != 1 || len(f.engine.ListRuns()) != 1 {
		t.Error("workflow or run listing incomplete")
	}
}

func TestStepTimeoutReadsSecondsOrStrings(t *testing.T) {
	var spec StepSpec
	if err := json.Unmarshal([]byte(`{"id":"a","timeout":1.5}`), &spec); err != nil {
		t.Fatal(err)
	}
	if time.Duration(spec.Timeout) != 1500*time.Millisecond {
		t.Errorf("numeric timeout got %v", time.Duration(spec.Timeout))
	}
	if err := json.Unmarshal([]byte(`{"id":"a","timeout":"250ms"}`), &spec); err != nil {
		t.Fatal(err)
	}
	if time.Duration(spec.Timeout) != 250*time.Millisecond {
		t.Errorf("string timeout got %v", time.Duration(spec.Timeout))
	}
}
