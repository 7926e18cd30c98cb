package orchestration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/neuralconstruct/construct/relay"
)

// Kind is the execution shape of a Plan.
type Kind int

const (
	// KindSequential runs steps in order; each builder sees every prior output.
	KindSequential Kind = iota
	// KindPipeline runs steps in order as a role hand-off chain.
	KindPipeline
	// KindFanOut runs branches concurrently, then an optional synthesis step.
	KindFanOut
)

func (k Kind) String() string {
	switch k {
	case KindSequential:
		return "sequential"
	case KindPipeline:
		return "pipeline"
	case KindFanOut:
		return "fan-out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrInvalidPlan is wrapped by every Plan.Validate failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Output is the resolved result of one step or branch.
type Output struct {
	// Name is the step name or branch id.
	Name  string
	Label string
	Text  string
	Model string
	// Err is set for failed fan-out branches; Text then holds the
	// "Error: <message>" placeholder handed to synthesis.
	Err error
}

// StepInput is everything a builder may read. Prior holds strictly earlier
// outputs: previous steps in sequential plans, all branches for synthesis.
type StepInput struct {
	Original string
	Enhanced string
	Persona  string
	Prior    []Output
}

// BuildFunc turns a StepInput into the messages of one upstream call.
type BuildFunc func(StepInput) []relay.Message

// Step is one call of a sequential or pipeline plan, or the synthesis call
// of a fan-out plan.
type Step struct {
	Name string
	// Stream emits the step's text as Delta events while it is produced.
	Stream bool
	Build  BuildFunc
}

// Branch is one concurrently executed prompt variant.
type Branch struct {
	ID    string
	Label string
	Build BuildFunc
}

// ComposeFunc assembles the composite result. For fan-out plans outputs
// holds the branches in declaration order followed by the synthesis output.
type ComposeFunc func(outputs []Output) string

// Plan is a declarative description of one reasoning mode. It is read-only
// during execution and may be shared by concurrent turns.
type Plan struct {
	Kind      Kind
	Title     string
	Steps     []Step
	Branches  []Branch
	Synthesis *Step
	Compose   ComposeFunc
}

// Validate checks the plan's structure.
func (p Plan) Validate() error {
	switch p.Kind {
	case KindSequential, KindPipeline:
		if len(p.Steps) == 0 {
			return fmt.Errorf("%w: %s plan has no steps", ErrInvalidPlan, p.Kind)
		}
		if len(p.Branches) > 0 || p.Synthesis != nil {
			return fmt.Errorf("%w: %s plan cannot have branches or synthesis", ErrInvalidPlan, p.Kind)
		}
		seen := make(map[string]bool, len(p.Steps))
		for i, s := range p.Steps {
			if err := checkStep(s, seen); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidPlan, i, err)
			}
		}
	case KindFanOut:
		if len(p.Branches) == 0 {
			return fmt.Errorf("%w: fan-out plan has no branches", ErrInvalidPlan)
		}
		if len(p.Steps) > 0 {
			return fmt.Errorf("%w: fan-out plan cannot have sequential steps", ErrInvalidPlan)
		}
		seen := make(map[string]bool, len(p.Branches))
		for i, b := range p.Branches {
			id := strings.TrimSpace(b.ID)
			switch {
			case id == "":
				return fmt.Errorf("%w: branch %d has no id", ErrInvalidPlan, i)
			case seen[id]:
				return fmt.Errorf("%w: duplicate branch id %q", ErrInvalidPlan, id)
			case b.Build == nil:
				return fmt.Errorf("%w: branch %q has no builder", ErrInvalidPlan, id)
			}
			seen[id] = true
		}
		if p.Synthesis != nil {
			if err := checkStep(*p.Synthesis, map[string]bool{}); err != nil {
				return fmt.Errorf("%w: synthesis: %v", ErrInvalidPlan, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidPlan, p.Kind)
	}
	return nil
}

func checkStep(s Step, seen map[string]bool) error {
	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		return errors.New("missing name")
	case seen[name]:
		return fmt.Errorf("duplicate name %q", name)
	case s.Build == nil:
		return fmt.Errorf("%q has no builder", name)
	}
	seen[name] = true
	return nil
}

func (p Plan) compose(outputs []Output) string {
	if p.Compose != nil {
		return p.Compose(outputs)
	}
	return composeSections(p.Title)(outputs)
}

// composeSections renders "## <title> Complete" followed by one labeled
// section per output.
func composeSections(title string) ComposeFunc {
	return func(outputs []Output) string {
		sections := make([]string, len(outputs))
		for i, o := range outputs {
			sections[i] = "### " + o.label() + "\n" + o.Text
		}
		return "## " + title + " Complete\n\n" + strings.Join(sections, "\n\n---\n\n")
	}
}

// composeSingle returns the only output unchanged.
func composeSingle(outputs []Output) string {
	if len(outputs) == 0 {
		return ""
	}
	return outputs[len(outputs)-1].Text
}

func (o Output) label() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Name
}
