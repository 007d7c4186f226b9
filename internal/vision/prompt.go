package vision

import (
	"fmt"
	"strings"
)

// verdictSystemPrompt pins the model to the strict output contract the
// parser enforces.
const verdictSystemPrompt = `You are a mobile UI test validator. You receive two screenshots: the screen BEFORE an automation step ran, and the screen AFTER. Judge whether the step achieved its expected outcome.

Respond with ONLY a JSON object, no prose and no markdown fence:
{"result": "PASS" or "FAIL", "confidence": <integer 0-100>, "explanation": "<one or two sentences>"}`

// buildVerdictPrompt renders the user portion of the verdict query.
func buildVerdictPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("The first image is the screen before the step, the second is after.\n\n")
	fmt.Fprintf(&b, "Step executed: %s\n", req.StepDescription)
	if req.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", req.ExpectedOutcome)
	}
	b.WriteString("\nDid the step produce the visually correct outcome?")
	return b.String()
}
