package orchestration

import (
	"sort"
	"strings"

	"github.com/neuralconstruct/construct/relay"
)

// Built-in mode ids.
const (
	ModeSprint     = "sprint"
	ModeDeep       = "deep"
	ModeMatrix     = "matrix"
	ModeSwarm      = "swarm"
	ModeReflection = "reflection"
	ModeDebate     = "debate"
	ModeRedTeam    = "redteam"
	ModeRubric     = "rubric"
	ModeSocratic   = "socratic"
	ModeIterative  = "iterative"
)

// DefaultMode is used when a turn names none.
const DefaultMode = ModeSprint

// PlanOptions tunes how a Mode builds its Plan.
type PlanOptions struct {
	// Personas overrides built-in persona system prompts by id.
	Personas map[string]string
	// MetaReasoning wraps every pass prompt of multi-pass modes.
	MetaReasoning bool
}

// Mode is a named reasoning mode.
type Mode struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	// Steps is the number of upstream calls a turn makes in this mode.
	Steps int

	plan func(PlanOptions) Plan
}

// Plan builds the mode's execution plan.
func (m Mode) Plan(opts PlanOptions) Plan {
	return m.plan(opts)
}

type pass struct {
	name   string
	prompt string
}

var builtinModes = map[string]Mode{}

func register(m Mode) {
	builtinModes[m.ID] = m
}

// Modes returns the built-in modes sorted by id.
func Modes() []Mode {
	out := make([]Mode, 0, len(builtinModes))
	for _, m := range builtinModes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the built-in mode with the given id.
func Lookup(id string) (Mode, bool) {
	m, ok := builtinModes[strings.ToLower(strings.TrimSpace(id))]
	return m, ok
}

func init() {
	register(Mode{
		ID:          ModeSprint,
		Name:        "Sprint",
		Description: "Single streamed answer from the selected persona",
		Kind:        KindSequential,
		Steps:       1,
		plan:        singleStepPlan("Sprint"),
	})
	register(Mode{
		ID:          ModeDeep,
		Name:        "Deep",
		Description: "Single streamed answer with explicit chain-of-thought structure",
		Kind:        KindSequential,
		Steps:       1,
		plan:        singleStepPlan("Deep"),
	})
	register(Mode{
		ID:          ModeMatrix,
		Name:        "Matrix",
		Description: "Three parallel perspectives merged by a synthesis pass",
		Kind:        KindFanOut,
		Steps:       len(matrixBranches) + 1,
		plan:        matrixPlan,
	})
	register(Mode{
		ID:          ModeSwarm,
		Name:        "Swarm",
		Description: "Architect, vibe coder and strategist hand off in sequence",
		Kind:        KindPipeline,
		Steps:       3,
		plan:        swarmPlan,
	})

	registerPasses(ModeReflection, "Reflection", "Self-critique and iterative improvement", []pass{
		{"Initial Response", "Provide your best answer to this request."},
		{"Self-Critique", `Critically analyze your previous response:
- What assumptions did you make?
- What could be wrong or incomplete?
- What edge cases did you miss?
- Rate your confidence (1-10) and explain why.`},
		{"Refined Response", "Based on your self-critique, provide an improved response that addresses the weaknesses you identified."},
	})
	registerPasses(ModeDebate, "Debate", "Opposing viewpoints then synthesis", []pass{
		{"Advocate", "You are the ADVOCATE. Argue strongly IN FAVOR of this approach. Present the strongest case with evidence."},
		{"Critic", "You are the CRITIC. Argue strongly AGAINST the previous approach. Challenge every assumption. Find weaknesses."},
		{"Judge", "You are the JUDGE. Synthesize both sides. Provide a balanced final verdict with clear recommendations."},
	})
	registerPasses(ModeRedTeam, "Red Team", "Adversarial attack simulation", []pass{
		{"Initial Solution", "Provide your solution to this request."},
		{"Red Team Attack", `You are a RED TEAM ATTACKER. Break the previous solution.

ATTACK VECTORS:
1. INPUT ATTACKS: Malformed inputs, injection, overflow
2. LOGIC ATTACKS: Race conditions, state manipulation, bypasses
3. RESOURCE ATTACKS: DoS, memory exhaustion, infinite loops
4. AUTH ATTACKS: Privilege escalation, session hijacking
5. DATA ATTACKS: Exfiltration, corruption, unauthorized access

For each vulnerability: describe attack, provide PoC exploit, rate severity (CRITICAL/HIGH/MEDIUM/LOW), explain impact.`},
		{"Blue Team Defense", `You are the BLUE TEAM DEFENDER. For each attack identified:
1. Acknowledge if valid
2. Provide specific defensive fix
3. Add monitoring/detection
4. Output the HARDENED VERSION with all defenses.`},
	})
	registerPasses(ModeRubric, "Rubric", "Score against a weighted rubric and fix anything below 85%", []pass{
		{"Initial Solution", "Provide your solution to this request."},
		{"Rubric Evaluation", `Score the previous solution (0-100 each):

RUBRIC:
1. CORRECTNESS (25%): Solves problem accurately?
2. COMPLETENESS (20%): All requirements addressed?
3. CLARITY (15%): Easy to understand?
4. EFFICIENCY (15%): Performant and optimized?
5. SECURITY (15%): Secure and safe?
6. MAINTAINABILITY (10%): Easy to modify?

Format each as: [CATEGORY]: [score]/100 - [reasoning]
Calculate WEIGHTED TOTAL. List all categories below 85%.`},
		{"Auto-Fix Pass", `For each category scoring BELOW 85%:
1. Identify specific issues
2. Implement targeted fixes
3. Explain improvements

Provide IMPROVED SOLUTION with all fixes. Re-score to confirm all categories are at or above 85%.`},
	})
	registerPasses(ModeSocratic, "Socratic", "Question-driven deep analysis", []pass{
		{"Core Questions", "Generate 5 critical questions that must be answered to solve this problem. Explain why each matters."},
		{"Deep Analysis", "Systematically answer each question you raised. Be thorough and cite reasoning."},
		{"Synthesis", "Based on your question-driven analysis, provide a comprehensive solution addressing all critical factors."},
	})
	registerPasses(ModeIterative, "Iterative", "Progressive refinement cycles", []pass{
		{"Draft", "Create an initial draft solution. Focus on core logic."},
		{"Enhance", "Add missing details, improve clarity, optimize performance, add error handling."},
		{"Polish", "Final polish: production-readiness, documentation, edge cases, best practices."},
	})
}

func registerPasses(id, name, description string, passes []pass) {
	register(Mode{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        KindSequential,
		Steps:       len(passes),
		plan:        passPlan(name, passes),
	})
}

// singleStepPlan streams one answer framed by the turn's persona.
func singleStepPlan(title string) func(PlanOptions) Plan {
	return func(opts PlanOptions) Plan {
		return Plan{
			Kind:  KindSequential,
			Title: title,
			Steps: []Step{{
				Name:   "response",
				Stream: true,
				Build: func(in StepInput) []relay.Message {
					return []relay.Message{
						relay.System(personaPrompt(opts, in.Persona)),
						relay.User(in.Enhanced),
					}
				},
			}},
			Compose: composeSingle,
		}
	}
}

// passPlan runs each pass prompt as the system message; the user message is
// the original input followed by a digest of every earlier pass.
func passPlan(title string, passes []pass) func(PlanOptions) Plan {
	return func(opts PlanOptions) Plan {
		steps := make([]Step, len(passes))
		for i, p := range passes {
			system := p.prompt
			if opts.MetaReasoning {
				system = WithMetaReasoning(system)
			}
			steps[i] = Step{
				Name:   p.name,
				Stream: true,
				Build: func(in StepInput) []relay.Message {
					return []relay.Message{
						relay.System(system),
						relay.User(in.Original + Digest(in.Prior)),
					}
				},
			}
		}
		return Plan{Kind: KindSequential, Title: title, Steps: steps}
	}
}

// Digest renders prior outputs as the PREVIOUS PASSES context block. It is
// empty when there are no prior outputs.
func Digest(prior []Output) string {
	if len(prior) == 0 {
		return ""
	}
	parts := make([]string, len(prior))
	for i, o := range prior {
		parts[i] = "--- " + o.label() + " ---\n" + o.Text
	}
	return "\n\nPREVIOUS PASSES:\n" + strings.Join(parts, "\n\n") + "\n\n"
}

var matrixBranches = []struct {
	id, label, perspective string
}{
	{"a", "Architecture", "Focus on ARCHITECTURE. What systems and patterns?"},
	{"b", "Implementation", "Focus on IMPLEMENTATION. What code and techniques?"},
	{"c", "Risks", "Focus on RISKS. What could fail? Security issues?"},
}

func matrixPlan(PlanOptions) Plan {
	branches := make([]Branch, len(matrixBranches))
	for i, b := range matrixBranches {
		branches[i] = Branch{
			ID:    b.id,
			Label: b.label,
			Build: func(in StepInput) []relay.Message {
				return []relay.Message{relay.System(b.perspective), relay.User(in.Enhanced)}
			},
		}
	}
	return Plan{
		Kind:     KindFanOut,
		Title:    "Matrix",
		Branches: branches,
		Synthesis: &Step{
			Name:   "synthesis",
			Stream: true,
			Build: func(in StepInput) []relay.Message {
				return []relay.Message{
					relay.System(synthesisSystem),
					relay.User(SynthesisPrompt(in.Original, in.Prior)),
				}
			},
		},
		Compose: composeMatrix,
	}
}

func composeMatrix(outputs []Output) string {
	if len(outputs) == 0 {
		return ""
	}
	branches, synthesis := outputs[:len(outputs)-1], outputs[len(outputs)-1]
	sections := make([]string, len(branches))
	for i, o := range branches {
		sections[i] = "### " + strings.ToUpper(o.Name) + ": " + o.label() + "\n" + o.Text
	}
	return "## Matrix\n\n" + strings.Join(sections, "\n\n") + "\n\n---\n\n## Synthesis\n" + synthesis.Text
}

type swarmData struct {
	Original string
	Prior    []string
}

func swarmStep(name, tmpl string) Step {
	return Step{
		Name:   name,
		Stream: true,
		Build: func(in StepInput) []relay.Message {
			prior := make([]string, len(in.Prior))
			for i, o := range in.Prior {
				prior[i] = o.Text
			}
			return []relay.Message{relay.User(render(tmpl, swarmData{Original: in.Original, Prior: prior}))}
		},
	}
}

func swarmPlan(PlanOptions) Plan {
	return Plan{
		Kind:  KindPipeline,
		Title: "Swarm",
		Steps: []Step{
			swarmStep("Architect", tmplArchitect),
			swarmStep("Vibe Coder", tmplVibeCoder),
			swarmStep("Strategist", tmplStrategist),
		},
	}
}

// personaPrompt resolves a persona id to its system prompt. Overrides win
// over built-ins; an unknown id falls back to the default persona.
func personaPrompt(opts PlanOptions, id string) string {
	if prompt, ok := opts.Personas[id]; ok && prompt != "" {
		return prompt
	}
	if p, ok := LookupPersona(id); ok {
		return p.Prompt
	}
	p, _ := LookupPersona(DefaultPersona)
	return p.Prompt
}
