// Package stream merges concurrent token streams from several agents into
// one output.
//
// Deltas passed to OnToken are always suffixes of the text already emitted:
// the aggregator only emits the part of the merged text that no later token
// can change, so the concatenation of every delta equals the final text
// passed to OnComplete. View returns the live, strategy-specific rendering,
// which may rearrange while streams are still open.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Strategy selects how buffers are merged.
type Strategy string

const (
	StrategyParallel       Strategy = "parallel"
	StrategySequential     Strategy = "sequential"
	StrategyPriority       Strategy = "priority"
	StrategyLeaderFollower Strategy = "leader-follower"
	StrategyCombined       Strategy = "combined"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyParallel, StrategySequential, StrategyPriority, StrategyLeaderFollower, StrategyCombined:
		return true
	}
	return false
}

// Role is a stream's role within an aggregation.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleParallel Role = "parallel"
)

var (
	ErrFinalized    = errors.New("aggregation already finalized")
	ErrCanceled     = errors.New("aggregation canceled")
	ErrStreamClosed = errors.New("stream already closed")
)

// Callbacks receive aggregation output. They run synchronously on the
// goroutine that caused the update and must not call back into the same
// aggregator.
type Callbacks struct {
	OnToken    func(delta string)
	OnComplete func(Result)
	OnError    func(error)
}

// Config configures an aggregator. An empty Separator picks the strategy
// default: a single space for combined, a blank line otherwise.
type Config struct {
	ID        string
	Strategy  Strategy
	Separator string
	Callbacks Callbacks
}

// StreamMetadata describes the agent behind a stream. Lower Priority
// numbers rank first.
type StreamMetadata struct {
	AgentID  string         `json:"agent_id"`
	Role     Role           `json:"role"`
	Priority int            `json:"priority"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// StreamOptions tune how a stream is rendered.
type StreamOptions struct {
	// Label replaces the agent id in parallel attribution headers.
	Label string
	// Indent replaces the default two-space follower indentation.
	Indent string
}

// AgentCompletion reports how one stream ended.
type AgentCompletion struct {
	StreamID  string    `json:"stream_id"`
	AgentID   string    `json:"agent_id"`
	Role      Role      `json:"role"`
	Priority  int       `json:"priority"`
	Completed bool      `json:"completed"`
	Errored   bool      `json:"errored"`
	Error     string    `json:"error,omitempty"`
	Tokens    int       `json:"tokens"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Result is the finalized aggregation.
type Result struct {
	AggregationID string            `json:"aggregation_id"`
	Strategy      Strategy          `json:"strategy"`
	Text          string            `json:"text"`
	Agents        []AgentCompletion `json:"agents"`
	Forced        bool              `json:"forced"`
}

type entry struct {
	id       string
	meta     StreamMetadata
	opts     StreamOptions
	buf      strings.Builder
	complete bool
	errored  bool
	err      error
	tokens   int
	epoch    int
	seq      int
	started  time.Time
	ended    time.Time
}

func (e *entry) terminal() bool { return e.complete || e.errored }

func (e *entry) label() string {
	if e.opts.Label != "" {
		return e.opts.Label
	}
	return e.meta.AgentID
}

// Aggregator merges the streams registered with it. It finalizes exactly
// once, after every registered stream has completed or errored.
type Aggregator struct {
	id       string
	strategy Strategy
	sep      string
	cb       Callbacks

	emitMu    sync.Mutex
	mu        sync.Mutex
	streams   []*entry
	emitted   string
	deltas    int
	finalized bool
	canceled  bool
	cancelErr error
	forced    bool
	result    *Result
	done      chan struct{}
	logger    *zap.Logger
}

// New creates an aggregator.
func New(cfg Config, logger *zap.Logger) (*Aggregator, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyParallel
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("unknown merge strategy %q", cfg.Strategy)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Separator == "" {
		cfg.Separator = "\n\n"
		if cfg.Strategy == StrategyCombined {
			cfg.Separator = " "
		}
	}
	return &Aggregator{
		id:       cfg.ID,
		strategy: cfg.Strategy,
		sep:      cfg.Separator,
		cb:       cfg.Callbacks,
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// ID returns the aggregation id.
func (a *Aggregator) ID() string { return a.id }

// Strategy returns the merge strategy.
func (a *Aggregator) Strategy() Strategy { return a.strategy }

// RegisterAgentStream adds a stream and returns its handle.
func (a *Aggregator) RegisterAgentStream(meta StreamMetadata, opts StreamOptions) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.canceled {
		return nil, ErrCanceled
	}
	if a.finalized {
		return nil, ErrFinalized
	}
	if meta.Role == "" {
		meta.Role = RoleParallel
	}
	if opts.Indent == "" {
		opts.Indent = "  "
	}
	e := &entry{
		id:      uuid.New().String(),
		meta:    meta,
		opts:    opts,
		epoch:   a.deltas,
		seq:     len(a.streams),
		started: time.Now(),
	}
	a.streams = append(a.streams, e)
	a.logger.Debug("stream registered",
		zap.String("aggregation", a.id),
		zap.String("agent", meta.AgentID),
		zap.String("role", string(meta.Role)),
		zap.Int("priority", meta.Priority))
	return &Stream{agg: a, e: e}, nil
}

// Complete force-completes the aggregation by marking every open stream
// complete. It is a no-op once finalized or canceled.
func (a *Aggregator) Complete() {
	a.update(func() error {
		if a.finalized || a.canceled {
			return ErrFinalized
		}
		now := time.Now()
		for _, e := range a.streams {
			if !e.terminal() {
				e.complete = true
				e.ended = now
			}
		}
		a.forced = true
		return nil
	}, true)
}

// Cancel freezes the aggregation and reports err (ErrCanceled when nil)
// through OnError. It returns false if the aggregation had already ended.
func (a *Aggregator) Cancel(err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if a.finalized || a.canceled {
		a.mu.Unlock()
		return false
	}
	a.canceled = true
	a.cancelErr = err
	close(a.done)
	a.mu.Unlock()

	a.logger.Info("aggregation canceled", zap.String("aggregation", a.id), zap.Error(err))
	if a.cb.OnError != nil {
		a.cb.OnError(err)
	}
	return true
}

// Done is closed when the aggregation finalizes or is canceled.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// Result returns the finalized result, if any.
func (a *Aggregator) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// Err returns the cancellation error, if the aggregation was canceled.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelErr
}

// Emitted returns the concatenation of every delta emitted so far.
func (a *Aggregator) Emitted() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

// View returns the live merged text under the active strategy.
func (a *Aggregator) View() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewLocked()
}

// update applies mutate under the state lock, then emits the newly stable
// suffix and finalizes when every stream has ended. With finalizeEmpty an
// aggregation without streams finalizes too.
func (a *Aggregator) update(mutate func() error, finalizeEmpty bool) error {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if err := mutate(); err != nil {
		a.mu.Unlock()
		return err
	}

	var delta string
	stable := a.renderLocked(true)
	if len(stable) > len(a.emitted) {
		if !strings.HasPrefix(stable, a.emitted) {
			a.logger.Error("stable render diverged from emitted text", zap.String("aggregation", a.id))
		} else {
			delta = stable[len(a.emitted):]
			a.emitted = stable
			a.deltas++
		}
	}

	var result *Result
	if !a.finalized && a.allTerminalLocked(finalizeEmpty) {
		a.finalized = true
		r := a.buildResultLocked()
		a.result = &r
		result = &r
		close(a.done)
	}
	a.mu.Unlock()

	if delta != "" && a.cb.OnToken != nil {
		a.cb.OnToken(delta)
	}
	if result != nil {
		a.logger.Info("aggregation finalized",
			zap.String("aggregation", a.id),
			zap.Int("streams", len(result.Agents)),
			zap.Int("chars", len(result.Text)))
		if a.cb.OnComplete != nil {
			a.cb.OnComplete(*result)
		}
	}
	return nil
}

func (a *Aggregator) allTerminalLocked(finalizeEmpty bool) bool {
	if len(a.streams) == 0 {
		return finalizeEmpty
	}
	for _, e := range a.streams {
		if !e.terminal() {
			return false
		}
	}
	return true
}

func (a *Aggregator) buildResultLocked() Result {
	r := Result{
		AggregationID: a.id,
		Strategy:      a.strategy,
		Text:          a.emitted,
		Forced:        a.forced,
	}
	for _, e := range a.orderedLocked() {
		ac := AgentCompletion{
			StreamID:  e.id,
			AgentID:   e.meta.AgentID,
			Role:      e.meta.Role,
			Priority:  e.meta.Priority,
			Completed: e.complete,
			Errored:   e.errored,
			Tokens:    e.tokens,
			StartedAt: e.started,
			EndedAt:   e.ended,
		}
		if e.err != nil {
			ac.Error = e.err.Error()
		}
		r.Agents = append(r.Agents, ac)
	}
	return r
}

// orderedLocked sorts streams by registration epoch, then (for
// leader-follower) declared leaders first, then priority, then registration.
// Streams registered after output began sort after all earlier streams so
// emitted text is never displaced.
func (a *Aggregator) orderedLocked() []*entry {
	out := make([]*entry, len(a.streams))
	copy(out, a.streams)
	sort.SliceStable(out, func(i, j int) bool {
		x, y := out[i], out[j]
		if x.epoch != y.epoch {
			return x.epoch < y.epoch
		}
		if a.strategy == StrategyLeaderFollower {
			xl, yl := x.meta.Role == RoleLeader, y.meta.Role == RoleLeader
			if xl != yl {
				return xl
			}
		}
		if x.meta.Priority != y.meta.Priority {
			return x.meta.Priority < y.meta.Priority
		}
		return x.seq < y.seq
	})
	return out
}

// Stream is the handle an agent uses to feed its tokens.
type Stream struct {
	agg *Aggregator
	e   *entry
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.e.id }

// Write appends a token to the stream's buffer.
func (s *Stream) Write(token string) error {
	return s.agg.update(func() error {
		if err := s.agg.checkOpenLocked(s.e); err != nil {
			return err
		}
		s.e.buf.WriteString(token)
		s.e.tokens++
		return nil
	}, false)
}

// Complete marks the stream complete.
func (s *Stream) Complete() error {
	return s.agg.update(func() error {
		if err := s.agg.checkOpenLocked(s.e); err != nil {
			return err
		}
		s.e.complete = true
		s.e.ended = time.Now()
		return nil
	}, false)
}

// Fail marks the stream errored. Text it already produced is kept.
func (s *Stream) Fail(err error) error {
	if err == nil {
		err = errors.New("stream failed")
	}
	return s.agg.update(func() error {
		if e := s.agg.checkOpenLocked(s.e); e != nil {
			return e
		}
		s.e.errored = true
		s.e.err = err
		s.e.ended = time.Now()
		s.agg.logger.Warn("stream errored",
			zap.String("aggregation", s.agg.id),
			zap.String("agent", s.e.meta.AgentID),
			zap.Error(err))
		return nil
	}, false)
}

func (a *Aggregator) checkOpenLocked(e *entry) error {
	switch {
	case a.canceled:
		return ErrCanceled
	case a.finalized:
		return ErrFinalized
	case e.terminal():
		return ErrStreamClosed
	}
	return nil
}
