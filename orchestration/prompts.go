package orchestration

import (
	"fmt"
	"strings"
	"text/template"
)

const (
	tmplRequest    = "request"
	tmplSynthesis  = "synthesis"
	tmplArchitect  = "swarm_architect"
	tmplVibeCoder  = "swarm_vibe_coder"
	tmplStrategist = "swarm_strategist"
)

var promptSources = map[string]string{
	tmplRequest: `<request>
  <timestamp>{{.Timestamp}}</timestamp>
  <user_input>{{xml .Input}}</user_input>
  <context>
    <persona>{{.Persona}}</persona>
    <reasoning_mode>{{.Mode}}</reasoning_mode>
  </context>
</request>`,

	tmplSynthesis: `<synthesis_task>
  <original_request>{{xml .Original}}</original_request>

  <branches>
{{- range .Branches}}
    <branch_{{.Name}}>
{{.Text}}
    </branch_{{.Name}}>
{{- end}}
  </branches>

  <instructions>
    Synthesize the above {{len .Branches}} perspectives into a unified, actionable response.
    Identify common themes and unique insights from each branch.
    Resolve any contradictions.
    Provide a clear, consolidated answer.
  </instructions>
</synthesis_task>`,

	tmplArchitect: `You are first in a swarm (ARCHITECTURE role).

REQUEST: {{.Original}}

Provide:
1. High-level design & System Architecture
2. Component breakdown
3. Data flow (Mermaid)
4. Interface definitions

IMPORTANT: End your response with a "HANDOFF SUMMARY" block for the next agent:
---
HANDOFF SUMMARY:
- Core Goal: [1 sentence]
- Key Components: [List]
- Tech Stack: [List]
- Critical Constraints: [List]
---`,

	tmplVibeCoder: `You are second in a swarm (IMPLEMENTATION role).

REQUEST: {{.Original}}

ARCHITECT'S DESIGN:
{{index .Prior 0}}

Implement based on the design:
1. Review the HANDOFF SUMMARY above
2. Write production-ready code for the components
3. Ensure interfaces match definitions
4. Add comprehensive error handling

IMPORTANT: End your response with a "IMPLEMENTATION SUMMARY" block:
---
IMPLEMENTATION SUMMARY:
- Files Created/Modified: [List]
- External Dependencies: [List]
- Key Functions: [List]
- Potential Risks: [List]
---`,

	tmplStrategist: `You are third in a swarm (SECURITY & REVIEW role).

REQUEST: {{.Original}}

ARCHITECT'S DESIGN:
{{index .Prior 0}}

IMPLEMENTATION:
{{index .Prior 1}}

Review process:
1. Analyze the HANDOFF SUMMARY and IMPLEMENTATION SUMMARY
2. Security audit (vulnerabilities, injection, auth)
3. Code quality check (performance, readability, best practices)
4. Edge case analysis

Provide specific fixes for any issues found and certify if production-ready.`,
}

const chainOfThought = `<instructions>
  <mode>chain_of_thought</mode>
  <format>
    You MUST structure your response as:
    <thinking>
    [Your step-by-step reasoning process]
    </thinking>
    <answer>
    [Your final answer]
    </answer>
  </format>
</instructions>`

const treeOfThought = `<instructions>
  <mode>tree_of_thought</mode>
  <format>
    You are one branch in a multi-agent analysis.
    Provide your unique perspective on this problem.
    Be specific and actionable.
    Another agent will synthesize all branches.
  </format>
</instructions>`

const metaReasoning = `META-REASONING: Before responding, briefly consider:
1. PROBLEM TYPE: What category? (design, implementation, debugging, analysis)
2. KEY CONSTRAINTS: Non-negotiable requirements?
3. SUCCESS CRITERIA: How to measure success?
4. APPROACH: What strategy to use?

Then provide your response.`

const synthesisSystem = "Synthesize these perspectives."

const titleInstruction = "Summarize this message into a 3-5 word title (no quotes, no preamble): "

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML escapes the five XML special characters.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// prompts holds the compiled templates; they are parsed once at init so a
// broken template fails the binary immediately.
var prompts = func() map[string]*template.Template {
	funcs := template.FuncMap{"xml": EscapeXML}
	compiled := make(map[string]*template.Template, len(promptSources))
	for name, src := range promptSources {
		compiled[name] = template.Must(template.New(name).Funcs(funcs).Parse(src))
	}
	return compiled
}()

func render(name string, data any) string {
	t, ok := prompts[name]
	if !ok {
		panic(fmt.Sprintf("orchestration: unknown prompt template %q", name))
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		panic(fmt.Sprintf("orchestration: render %s: %v", name, err))
	}
	return b.String()
}

// WithMetaReasoning appends the meta-reasoning preamble to a pass prompt.
func WithMetaReasoning(prompt string) string {
	return prompt + "\n\n" + metaReasoning
}
