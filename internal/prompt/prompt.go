// Package prompt assembles the message lists and task prompts sent to the
// model. Every function is pure: identical inputs yield identical output.
package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/sop"
)

// Metadata describes a process for SOP generation.
type Metadata struct {
	Name            string
	Description     string
	Frequency       *float64
	DurationMinutes *float64
	CostPerHour     *float64
}

// Initial seeds a conversation by asking the user for the first step.
func Initial(processName, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi! I'm here to help document your business process: %q.\n", processName)
	if description != "" {
		fmt.Fprintf(&b, "\nYou described it as: %s\n", description)
	}
	b.WriteString(`
To create an effective automation plan, I'll need to understand:
- The exact steps you follow
- How often you perform this task
- How long each step typically takes
- Any pain points or repetitive actions
`)
	fmt.Fprintf(&b, "\nLet's start: Can you describe the first step of %q in your own words?", processName)
	return b.String()
}

// TurnMessages prepends the system prompt, replays history in order and
// appends the new user turn.
func TurnMessages(systemPrompt string, history []gateway.Message, newUserMessage string) []gateway.Message {
	msgs := make([]gateway.Message, 0, len(history)+2)
	msgs = append(msgs, gateway.Message{Role: gateway.RoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, gateway.Message{Role: gateway.RoleUser, Content: newUserMessage})
	return msgs
}

// WithContext inserts a context system message directly after the leading
// system prompt of msgs.
func WithContext(msgs []gateway.Message, context string) []gateway.Message {
	out := make([]gateway.Message, 0, len(msgs)+1)
	if len(msgs) > 0 && msgs[0].Role == gateway.RoleSystem {
		out = append(out, msgs[0])
		msgs = msgs[1:]
	}
	out = append(out, gateway.Message{Role: gateway.RoleSystem, Content: context})
	return append(out, msgs...)
}

// ProcessContext summarises the current step skeleton for chat turns.
func ProcessContext(processName string, steps []sop.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Process: %s\n", processName)
	fmt.Fprintf(&b, "Current Steps: %d steps defined\n", len(steps))
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Title)
		if n := len(s.SubSteps); n > 0 {
			fmt.Fprintf(&b, " (%d sub-steps)", n)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nHelp the user document, improve or analyze this process. Provide helpful insights and ask clarifying questions.")
	return b.String()
}

// Extraction asks the model to emit the step tree found in history.
// System messages are left out of the quoted transcript.
func Extraction(history []gateway.Message) string {
	var turns []string
	for _, m := range history {
		switch m.Role {
		case gateway.RoleUser:
			turns = append(turns, "User: "+m.Content)
		case gateway.RoleAssistant:
			turns = append(turns, "Assistant: "+m.Content)
		}
	}

	var b strings.Builder
	b.WriteString("Analyze the following conversation and extract the steps of the business process.\n\n")
	b.WriteString("Conversation:\n")
	b.WriteString(strings.Join(turns, "\n\n"))
	b.WriteString(`

Return every process step and sub-step from this conversation as a single JSON object in this format:

{
  "steps": [
    {
      "title": "Step title",
      "description": "Step description",
      "order": 1,
      "estimatedMinutes": 5,
      "subSteps": [
        {
          "title": "Sub-step title",
          "description": "Sub-step description",
          "order": 1,
          "estimatedMinutes": 2
        }
      ]
    }
  ]
}

Rules:
1. Every step needs a clear title and description
2. Give an estimated duration in minutes where possible
3. Include sub-steps when there are any
4. Order steps in their logical sequence
5. Return only the JSON object, no other text`)
	return b.String()
}

// StepList renders a step tree as numbered lines, sub-steps as "1.1".
func StepList(steps []sop.Step) string {
	parts := make([]string, 0, len(steps))
	for i, s := range steps {
		var b strings.Builder
		fmt.Fprintf(&b, "%d. %s\n   Description: %s", i+1, s.Title, orNA(s.Description))
		if len(s.SubSteps) > 0 {
			b.WriteString("\n   Sub-steps:")
			for j, sub := range s.SubSteps {
				fmt.Fprintf(&b, "\n   %d.%d. %s - %s", i+1, j+1, sub.Title, orNA(sub.Description))
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

// Analysis asks the model to review a step tree.
func Analysis(processName, description string, steps []sop.Step) string {
	var b strings.Builder
	b.WriteString(`Analyze the following business process and identify:
1. Missing or incomplete steps
2. Vague or unclear descriptions
3. Steps that need sub-steps
4. Potential bottlenecks or inefficiencies
5. Missing error handling or edge cases
6. Steps that need more detail

`)
	fmt.Fprintf(&b, "Process Name: %s\n", processName)
	fmt.Fprintf(&b, "Process Description: %s\n\n", orValue(description, "Not specified"))
	b.WriteString("Current Steps:\n")
	b.WriteString(StepList(steps))
	b.WriteString(`

Provide an overall assessment, the specific issues found (with step numbers) and concrete suggestions for improvement.
Respond as JSON in this format:
{
  "overall": "overall assessment",
  "issues": [
    {"stepNumber": 1, "issue": "issue description"}
  ],
  "suggestions": [
    {"stepNumber": 1, "suggestion": "suggestion description"}
  ]
}`)
	return b.String()
}

// SOP asks the model to produce a full SOP document.
func SOP(meta Metadata, formData json.RawMessage) string {
	form := "{}"
	if len(formData) > 0 {
		var v any
		if err := json.Unmarshal(formData, &v); err == nil {
			if b, err := json.MarshalIndent(v, "", "  "); err == nil {
				form = string(b)
			}
		}
	}

	var b strings.Builder
	b.WriteString("Generate a detailed Standard Operating Procedure (SOP) for the following process:\n\n")
	fmt.Fprintf(&b, "Process Name: %s\n", meta.Name)
	fmt.Fprintf(&b, "Description: %s\n", orNA(meta.Description))
	fmt.Fprintf(&b, "Frequency: %s times per day\n", floatOrNA(meta.Frequency))
	fmt.Fprintf(&b, "Duration: %s minutes per task\n", floatOrNA(meta.DurationMinutes))
	fmt.Fprintf(&b, "Cost per Hour: %s\n\n", floatOrNA(meta.CostPerHour))
	b.WriteString("Form Data:\n")
	b.WriteString(form)
	b.WriteString("\n\nReturn the SOP in the following JSON format:\n\n```json\n")
	b.WriteString(`{
  "title": "Process Title",
  "summary": "Brief summary of the process",
  "steps": [
    {
      "order": 1,
      "title": "Action title",
      "description": "Description of the action",
      "estimatedMinutes": 60,
      "tools": ["Tool 1", "Tool 2"],
      "notes": "Any important notes"
    }
  ],
  "totalEstimatedMinutes": 300,
  "automation": {
    "score": 8,
    "reasoning": "Why this can be automated",
    "suggestedTools": ["n8n", "Zapier"]
  },
  "risk": {
    "hasPersonalData": true,
    "complianceNotes": "Steps required for data protection compliance",
    "criticalSteps": [1, 3]
  }
}`)
	b.WriteString("\n```\n\nMake sure the output is valid JSON and includes all necessary details for automation planning. The automation score is between 0 and 10.")
	return b.String()
}

func orNA(s string) string {
	return orValue(s, "N/A")
}

func orValue(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func floatOrNA(f *float64) string {
	if f == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
