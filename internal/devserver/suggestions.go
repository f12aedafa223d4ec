package devserver

import (
	"time"

	"github.com/google/uuid"

	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

// cannedTranscripts is the sentence rotation served in canned mode. The
// sentences read like interviewer questions so downstream suggestion
// display has something plausible to key off.
var cannedTranscripts = []string{
	"Could you walk me through a project where you had to balance latency against reliability",
	"Tell me about a time you had to debug a production incident under pressure",
	"How would you design a system that ingests thousands of concurrent audio streams",
	"What tradeoffs did you weigh when you chose your current storage layer",
	"Describe how you keep a distributed team aligned on architectural decisions",
	"What part of your last project would you build differently today",
}

// suggestionTemplates are the answer framings cycled across turns.
type suggestionTemplate struct {
	structure string
	content   string
	duration  int
	tags      []string
}

var suggestionTemplates = []suggestionTemplate{
	{
		structure: "STAR",
		content:   "Anchor the answer in one concrete project: the situation, what you owned, and the measurable outcome.",
		duration:  60,
		tags:      []string{"experience", "impact"},
	},
	{
		structure: "direct",
		content:   "Answer the question head-on in two sentences, then offer to go deeper on whichever part interests them.",
		duration:  30,
		tags:      []string{"concise"},
	},
	{
		structure: "example",
		content:   "Pick the most recent incident you handled and walk through your debugging steps in order.",
		duration:  75,
		tags:      []string{"technical", "story"},
	},
	{
		structure: "tradeoff",
		content:   "Name the two options you weighed, the constraint that decided it, and what you would revisit today.",
		duration:  45,
		tags:      []string{"architecture"},
	},
}

// suggestionsFor builds the answer candidates delivered after a final
// result. The count and framing rotate deterministically with the
// transcript text so repeated turns do not look identical.
func suggestionsFor(text string, now time.Time) protocol.ResponseSuggestionsPayload {
	count := len(text)%3 + 1
	responses := make([]protocol.ResponseSuggestion, 0, count)
	for i := 0; i < count; i++ {
		tpl := suggestionTemplates[(len(text)+i)%len(suggestionTemplates)]
		responses = append(responses, protocol.ResponseSuggestion{
			ID:                uuid.NewString(),
			Content:           tpl.content,
			Structure:         tpl.structure,
			EstimatedDuration: tpl.duration,
			Confidence:        0.85 - 0.05*float64(i),
			Tags:              tpl.tags,
		})
	}
	return protocol.ResponseSuggestionsPayload{
		Responses: responses,
		Timestamp: now.UnixMilli(),
	}
}
