package reflection

import "strings"

// Prompt section headers. noneLine stands in for an empty section.
const (
	reflectionsHeader = "\nRelevant Reflections:\n"
	memoriesHeader    = "\nRelevant Memories:\n"
	noneLine          = "None\n"
)

// instructions follows the agent's preamble in the system prompt.
const instructions = `
Using what you know about your character and goals above, reflect on your earlier reflections and observations so that you understand the environment better and act in it more effectively.
Consider how past actions could have been more efficient for reaching your goals.
You will receive your current impressions of the other agents, your earlier reflections, and statements about actions that you and the agents around you performed.

From this material:
1. add only the most significant new generalizations about your actions or the environment, or elaborations of earlier reflections;
2. revise earlier reflections that no longer appear to hold.

Keep new and revised reflections apart.
Every earlier reflection is listed with its id; when you revise one, reference it by that id.
Reply with a JSON object only, shaped like this:
{"new": [
    {"statement": "a new generalized statement"}
  ],
 "updated": [
    {"index": id of the earlier reflection,
     "statement": "the revised statement"}
  ]
}

Ground every statement in the facts you were given, and revise earlier reflections only when they no longer seem accurate.
`

// systemPrompt returns the system message for a cycle.
func systemPrompt(preamble string) string {
	return preamble + instructions
}

// primers lists the fixed user-prompt fragments whose cost is reserved up
// front, including the sentinel that may replace an empty section.
func primers() []string {
	return []string{reflectionsHeader, memoriesHeader, noneLine}
}

// userPrompt assembles impressions, the batch partitioned into earlier
// reflections and observations, and the closing question.
func userPrompt(impressions []string, batch []entry, insight string) string {
	var reflections, observations []string
	for _, e := range batch {
		if e.reflection {
			reflections = append(reflections, e.line)
		} else {
			observations = append(observations, e.line)
		}
	}
	if len(reflections) == 0 {
		reflections = []string{noneLine}
	}
	if len(observations) == 0 {
		observations = []string{noneLine}
	}

	var b strings.Builder
	for _, s := range impressions {
		b.WriteString(s)
	}
	b.WriteString(reflectionsHeader)
	for _, s := range reflections {
		b.WriteString(s)
	}
	b.WriteString(memoriesHeader)
	for _, s := range observations {
		b.WriteString(s)
	}
	b.WriteString("\n")
	b.WriteString(insight)
	return b.String()
}
