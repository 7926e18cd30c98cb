package orchestration

import (
	"context"
	"errors"

	"github.com/neuralconstruct/construct/fallback"
	"github.com/neuralconstruct/construct/relay"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runSteps executes sequential and pipeline plans. The first failure ends
// the turn; no later step is dispatched and no composite is produced.
func (x *Execution) runSteps(plan Plan, in StepInput) (*Result, error) {
	total := len(plan.Steps)
	outputs := make([]Output, 0, total)

	for i, step := range plan.Steps {
		if err := x.interrupted(x.ctx); err != nil {
			return nil, err
		}

		stepIn := in
		stepIn.Prior = append([]Output(nil), outputs...)

		x.emit(Event{Type: EventStepStarted, Step: step.Name, Index: i, Total: total})
		out, err := x.call(x.ctx, step.Name, step.Build(stepIn), step.Stream)
		if err != nil {
			x.logger.Debug("step failed", zap.String("step", step.Name), zap.Int("index", i), zap.Error(err))
			x.emit(Event{Type: EventStepFailed, Step: step.Name, Index: i, Total: total, Err: err})
			return nil, err
		}
		out.Name = step.Name
		outputs = append(outputs, out)
		x.emit(Event{Type: EventStepCompleted, Step: step.Name, Index: i, Total: total, Text: out.Text})
	}

	return &Result{
		Content: plan.compose(outputs),
		Outputs: outputs,
		Model:   outputs[len(outputs)-1].Model,
	}, nil
}

// runFanOut dispatches every branch concurrently and waits for all of them
// before synthesis. A failed branch becomes an "Error: <message>" entry.
func (x *Execution) runFanOut(plan Plan, in StepInput) (*Result, error) {
	n := len(plan.Branches)
	outputs := make([]Output, n)
	contexts := make([]context.Context, n)

	x.mu.Lock()
	for i, b := range plan.Branches {
		ctx, cancel := context.WithCancelCause(x.ctx)
		contexts[i] = ctx
		x.branches[b.ID] = cancel
	}
	x.mu.Unlock()

	for i, b := range plan.Branches {
		x.emit(Event{Type: EventBranchStatus, Step: b.ID, Index: i, Total: n, State: BranchPending})
	}

	var g errgroup.Group
	g.SetLimit(x.engine.parallel)
	for i, b := range plan.Branches {
		g.Go(func() error {
			outputs[i] = x.runBranch(contexts[i], b, in, i, n)
			return nil
		})
	}
	_ = g.Wait()

	if err := x.interrupted(x.ctx); err != nil {
		return nil, err
	}

	if plan.Synthesis == nil {
		return &Result{Content: plan.compose(outputs), Outputs: outputs}, nil
	}

	synth := *plan.Synthesis
	synthIn := in
	synthIn.Prior = append([]Output(nil), outputs...)

	x.emit(Event{Type: EventStepStarted, Step: synth.Name, Index: n, Total: n + 1})
	out, err := x.call(x.ctx, synth.Name, synth.Build(synthIn), synth.Stream)
	if err != nil {
		x.emit(Event{Type: EventStepFailed, Step: synth.Name, Index: n, Total: n + 1, Err: err})
		return nil, &SynthesisError{Branches: outputs, Err: err}
	}
	out.Name = synth.Name
	out.Label = "Synthesis"
	x.emit(Event{Type: EventStepCompleted, Step: synth.Name, Index: n, Total: n + 1, Text: out.Text})

	all := append(outputs, out)
	return &Result{Content: plan.compose(all), Outputs: all, Model: out.Model}, nil
}

func (x *Execution) runBranch(ctx context.Context, b Branch, in StepInput, i, n int) Output {
	defer x.releaseBranch(b.ID)

	var (
		out Output
		err = x.interrupted(ctx)
	)
	if err == nil {
		x.emit(Event{Type: EventBranchStatus, Step: b.ID, Index: i, Total: n, State: BranchRunning})
		out, err = x.call(ctx, b.ID, b.Build(in), false)
	}
	if err != nil {
		if errors.Is(context.Cause(ctx), errBranchCancelled) {
			err = relay.NewError(relay.KindCancelled, 0, x.turn.Model, errBranchCancelled.Error(), err)
		}
		x.logger.Debug("branch failed", zap.String("branch", b.ID), zap.Error(err))
		x.emit(Event{Type: EventBranchStatus, Step: b.ID, Index: i, Total: n, State: BranchError, Err: err})
		return Output{
			Name:  b.ID,
			Label: b.Label,
			Text:  "Error: " + relay.Describe(err),
			Model: x.turn.Model,
			Err:   err,
		}
	}

	out.Name, out.Label = b.ID, b.Label
	x.emit(Event{Type: EventBranchStatus, Step: b.ID, Index: i, Total: n, State: BranchComplete, Text: out.Text})
	return out
}

func (x *Execution) releaseBranch(id string) {
	x.mu.Lock()
	cancel, ok := x.branches[id]
	delete(x.branches, id)
	x.mu.Unlock()
	if ok {
		cancel(context.Canceled)
	}
}

// call runs one upstream call, streaming deltas as events when requested.
func (x *Execution) call(ctx context.Context, step string, messages []relay.Message, stream bool) (Output, error) {
	req := relay.Request{
		Credential: x.turn.Credential,
		Model:      x.turn.Model,
		Messages:   messages,
		Timeout:    x.turn.Timeout,
	}
	ctx = fallback.WithObserver(ctx, func(s fallback.Substitution) {
		x.emit(Event{Type: EventSubstitution, Step: step, From: s.From, To: s.To})
	})

	if !stream {
		res, err := x.engine.invoker.Complete(ctx, req)
		if err != nil {
			return Output{}, err
		}
		return Output{Text: res.Content, Model: res.Model}, nil
	}

	s, err := x.engine.invoker.Stream(ctx, req)
	if err != nil {
		return Output{}, err
	}
	defer s.Close()

	for s.Next() {
		x.emit(Event{Type: EventDelta, Step: step, Text: s.Chunk()})
	}
	if err := s.Err(); err != nil {
		return Output{}, err
	}
	return Output{Text: s.Text(), Model: s.Model()}, nil
}

// interrupted converts a finished context into the turn's error.
func (x *Execution) interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return relay.NewError(relay.KindTimeout, 0, x.turn.Model, "turn timed out", cause)
	}
	return relay.NewError(relay.KindCancelled, 0, x.turn.Model, cause.Error(), cause)
}
