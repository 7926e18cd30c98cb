// Package orchestration drives the upstream calls of one user turn according
// to a reasoning mode: sequential passes, a hand-off pipeline, or a parallel
// fan-out joined by a synthesis call.
package orchestration

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuralconstruct/construct/fallback"
	"github.com/neuralconstruct/construct/metrics"
	"github.com/neuralconstruct/construct/relay"
	"go.uber.org/zap"
)

// DefaultMaxParallel bounds concurrent branches when Options leaves it unset.
const DefaultMaxParallel = 3

// Options configures an Engine.
type Options struct {
	// Invoker runs every upstream call; normally a fallback.Policy.
	Invoker relay.Invoker
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	DefaultModel   string
	DefaultMode    string
	DefaultPersona string
	// MaxParallel bounds concurrently running branches; <= 0 selects
	// DefaultMaxParallel.
	MaxParallel   int
	MetaReasoning bool
	// Personas overrides persona system prompts by id.
	Personas map[string]string
	// PersonaModels picks the model for turns that name a persona but no
	// model.
	PersonaModels map[string]string

	// Now is the clock used for prompt timestamps.
	Now func() time.Time
}

// Engine executes turns. It holds no per-turn state and is safe for
// concurrent use.
type Engine struct {
	invoker  relay.Invoker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	model    string
	mode     string
	persona  string
	parallel int
	planOpts PlanOptions
	now      func() time.Time

	personaModels map[string]string
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		invoker:  opts.Invoker,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		model:    opts.DefaultModel,
		mode:     opts.DefaultMode,
		persona:  opts.DefaultPersona,
		parallel: opts.MaxParallel,
		planOpts: PlanOptions{Personas: opts.Personas, MetaReasoning: opts.MetaReasoning},
		now:      opts.Now,

		personaModels: opts.PersonaModels,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.model == "" {
		e.model = fallback.FreeModels[0]
	}
	if e.mode == "" {
		e.mode = DefaultMode
	}
	if e.persona == "" {
		e.persona = DefaultPersona
	}
	if e.parallel <= 0 {
		e.parallel = DefaultMaxParallel
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Turn is one user request.
type Turn struct {
	// ID identifies the turn in events and logs; generated when empty.
	ID         string
	Input      string
	Mode       string
	Model      string
	Credential string
	Persona    string
	// Timeout bounds each upstream call; every call gets the full window.
	Timeout time.Duration
}

// Result is the composite outcome of a completed turn.
type Result struct {
	TurnID  string
	Mode    string
	Model   string
	Content string
	Outputs []Output
}

// Run starts a turn in the given mode. Errors, including an unknown mode,
// are reported through the Execution.
func (e *Engine) Run(ctx context.Context, turn Turn) *Execution {
	turn = e.defaults(turn)
	mode, ok := Lookup(turn.Mode)
	if !ok {
		x := e.newExecution(ctx, turn)
		x.finish(nil, relay.NewError(relay.KindValidation, 0, turn.Model, "unknown reasoning mode "+turn.Mode, ErrUnknownMode))
		return x
	}
	turn.Mode = mode.ID
	return e.Execute(ctx, turn, mode.Plan(e.planOpts))
}

// Execute runs an explicit plan for turn.
func (e *Engine) Execute(ctx context.Context, turn Turn, plan Plan) *Execution {
	turn = e.defaults(turn)
	x := e.newExecution(ctx, turn)

	if strings.TrimSpace(turn.Input) == "" {
		x.finish(nil, relay.NewError(relay.KindValidation, 0, turn.Model, ErrEmptyInput.Error(), ErrEmptyInput))
		return x
	}
	if err := plan.Validate(); err != nil {
		x.finish(nil, relay.NewError(relay.KindValidation, 0, turn.Model, err.Error(), err))
		return x
	}

	in := StepInput{
		Original: turn.Input,
		Enhanced: Enhance(turn.Input, turn.Persona, turn.Mode, e.now()),
		Persona:  turn.Persona,
	}

	go func() {
		var (
			res *Result
			err error
		)
		switch plan.Kind {
		case KindFanOut:
			res, err = x.runFanOut(plan, in)
		default:
			res, err = x.runSteps(plan, in)
		}
		x.finish(res, err)
	}()
	return x
}

func (e *Engine) defaults(turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Mode == "" {
		turn.Mode = e.mode
	}
	if turn.Persona == "" {
		turn.Persona = e.persona
	}
	if turn.Model == "" {
		turn.Model = e.personaModel(turn.Persona)
	}
	return turn
}

// personaModel returns the model configured for persona, or the engine
// default.
func (e *Engine) personaModel(persona string) string {
	if m := e.personaModels[persona]; m != "" {
		return m
	}
	return e.model
}

func (e *Engine) newExecution(parent context.Context, turn Turn) *Execution {
	ctx, cancel := context.WithCancelCause(parent)
	x := &Execution{
		engine:   e,
		turn:     turn,
		ctx:      ctx,
		cancel:   cancel,
		events:   newEventStream(),
		done:     make(chan struct{}),
		branches: make(map[string]context.CancelCauseFunc),
		started:  time.Now(),
		logger: e.logger.With(
			zap.String("turn", turn.ID),
			zap.String("mode", turn.Mode),
			zap.String("model", turn.Model),
		),
	}
	if e.metrics != nil {
		e.metrics.ActiveTurns.Inc()
	}
	return x
}

// Execution is a running turn.
type Execution struct {
	engine  *Engine
	turn    Turn
	ctx     context.Context
	cancel  context.CancelCauseFunc
	events  *eventStream
	logger  *zap.Logger
	started time.Time

	mu       sync.Mutex
	branches map[string]context.CancelCauseFunc

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

// ID returns the turn id.
func (x *Execution) ID() string {
	return x.turn.ID
}

// Events returns the progress stream. Events arrive in order and the channel
// closes right after the single terminal event. A caller that subscribes
// must drain the channel; callers that only need the outcome use Wait.
func (x *Execution) Events() <-chan Event {
	return x.events.channel()
}

// Wait blocks until the turn ends and returns its result or error.
func (x *Execution) Wait() (*Result, error) {
	<-x.done
	return x.result, x.err
}

// Done is closed when the turn ends.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Cancel aborts the whole turn.
func (x *Execution) Cancel() {
	x.cancel(errTurnCancelled)
}

// CancelBranch fails one fan-out branch without affecting its siblings. It
// reports whether the branch was still unresolved.
func (x *Execution) CancelBranch(id string) bool {
	x.mu.Lock()
	cancel, ok := x.branches[id]
	x.mu.Unlock()
	if ok {
		cancel(errBranchCancelled)
	}
	return ok
}

func (x *Execution) emit(e Event) {
	e.TurnID = x.turn.ID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	x.events.push(e)
}

// finish records the outcome once; later calls are ignored.
func (x *Execution) finish(res *Result, err error) {
	x.once.Do(func() {
		if err != nil {
			res = nil
			x.emit(Event{Type: EventFailed, Err: err})
		} else {
			res.TurnID = x.turn.ID
			res.Mode = x.turn.Mode
			if res.Model == "" {
				res.Model = x.turn.Model
			}
			x.emit(Event{Type: EventCompleted, Result: res})
		}
		x.result, x.err = res, err
		x.events.close()
		x.cancel(context.Canceled)
		x.record(err)
		close(x.done)
	})
}

func (x *Execution) record(err error) {
	outcome := "completed"
	switch kind, _ := relay.KindOf(err); {
	case err == nil:
	case kind == relay.KindCancelled:
		outcome = "cancelled"
	default:
		outcome = "failed"
	}

	elapsed := time.Since(x.started)
	if err != nil {
		x.logger.Warn("turn failed", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		x.logger.Info("turn completed", zap.Duration("elapsed", elapsed))
	}

	if m := x.engine.metrics; m != nil {
		m.ActiveTurns.Dec()
		m.TurnsTotal.WithLabelValues(x.turn.Mode, outcome).Inc()
		m.TurnDuration.WithLabelValues(x.turn.Mode).Observe(elapsed.Seconds())
	}
}
