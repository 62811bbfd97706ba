package extract

import (
	"fmt"
	"strings"

	"github.com/kalambet/engram/internal/dedup"
)

const extractionSystemPrompt = `You are a knowledge extraction engine. You read a fragment of a conversation transcript and extract discrete, durable knowledge entries worth remembering. Your output must be ONLY a single valid JSON object conforming to the provided schema.

Entry kinds:
- "fact": a concrete piece of information stated in the transcript
- "decision": a choice that was made, with its subject
- "preference": a stated like, dislike, or way of working
- "task": a commitment to do something

Rules:
- Each entry must stand alone: a reader without the transcript must understand it.
- Skip greetings, filler, and anything purely conversational.
- Keep content to one to three sentences; put a shorter restatement in summary.
- Tag entries with the people, projects, and technologies they mention.
- Return an empty entries array when the fragment contains nothing durable.`

// entriesSchema constrains the extraction response shape.
var entriesSchema = &Schema{
	Type:     "object",
	Required: []string{"entries"},
	Properties: map[string]*Schema{
		"entries": {
			Type: "array",
			Items: &Schema{
				Type:     "object",
				Required: []string{"content", "kind"},
				Properties: map[string]*Schema{
					"content": {Type: "string", Description: "the entry, one to three sentences"},
					"summary": {Type: "string", Description: "shorter restatement"},
					"kind":    {Type: "string", Enum: []string{"fact", "decision", "preference", "task"}},
					"tags":    {Type: "array", Items: &Schema{Type: "string"}},
				},
			},
		},
	},
}

func buildExtractionPrompt(chunk string) []Message {
	return []Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: chunk},
	}
}

const judgeSystemPrompt = `You compare a newly extracted knowledge entry against one already stored. Decide their relationship. Your output must be ONLY a single valid JSON object conforming to the provided schema.

Verdicts:
- "distinct": they describe different things; keep both
- "duplicate": the new entry adds nothing over the stored one; drop it
- "reinforces": the new entry restates the stored one; keep the stored entry
- "supersedes": the new entry updates or corrects the stored one; it replaces it`

// verdictSchema constrains the judge response shape.
var verdictSchema = &Schema{
	Type:     "object",
	Required: []string{"verdict"},
	Properties: map[string]*Schema{
		"verdict": {Type: "string", Enum: []string{"distinct", "duplicate", "reinforces", "supersedes"}},
		"reason":  {Type: "string"},
	},
}

func buildJudgePrompt(content string, existing dedup.Candidate) []Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Stored entry]\n%s\n", existing.Content)
	if existing.Summary != "" {
		fmt.Fprintf(&sb, "\n[Stored summary]\n%s\n", existing.Summary)
	}
	fmt.Fprintf(&sb, "\n[New entry]\n%s\n", content)
	return []Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
