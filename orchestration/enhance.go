package orchestration

import "time"

// Enhance rewrites a user prompt into the XML request envelope sent as the
// user message of single-step and branch calls. The deep and matrix modes
// prepend their reasoning instructions.
func Enhance(input, persona, mode string, now time.Time) string {
	enhanced := render(tmplRequest, struct {
		Timestamp string
		Input     string
		Persona   string
		Mode      string
	}{
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Input:     input,
		Persona:   persona,
		Mode:      mode,
	})

	switch mode {
	case ModeDeep:
		enhanced = chainOfThought + "\n\n" + enhanced
	case ModeMatrix:
		enhanced = treeOfThought + "\n\n" + enhanced
	}
	return enhanced
}

// SynthesisPrompt embeds every branch output, placeholders included, and the
// original request into the synthesis task.
func SynthesisPrompt(original string, branches []Output) string {
	return render(tmplSynthesis, struct {
		Original string
		Branches []Output
	}{original, branches})
}
