// Package sop defines the step tree, SOP document and analysis shapes shared
// by the synthesizer, prompt builder and transports.
package sop

import (
	"sort"

	"github.com/google/uuid"
)

// Step is one node of a StepTree. SubSteps have the same shape.
type Step struct {
	ID               string   `json:"id,omitempty" yaml:"id,omitempty"`
	Order            int      `json:"order" yaml:"order"`
	Title            string   `json:"title" yaml:"title"`
	Description      string   `json:"description" yaml:"description"`
	EstimatedMinutes *float64 `json:"estimatedMinutes,omitempty" yaml:"estimated_minutes,omitempty"`
	Tools            []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Notes            string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	SubSteps         []Step   `json:"subSteps" yaml:"sub_steps,omitempty"`
}

// Tree is the persisted shape of a version-1 step skeleton.
type Tree struct {
	Steps []Step `json:"steps"`
}

// Automation scores how much of the process could be automated.
type Automation struct {
	Score          float64  `json:"score" yaml:"score"`
	Reasoning      string   `json:"reasoning" yaml:"reasoning"`
	SuggestedTools []string `json:"suggestedTools" yaml:"suggested_tools"`
}

// Risk flags personal data handling and critical steps.
type Risk struct {
	HasPersonalData bool   `json:"hasPersonalData" yaml:"has_personal_data"`
	ComplianceNotes string `json:"complianceNotes" yaml:"compliance_notes"`
	CriticalSteps   []int  `json:"criticalSteps" yaml:"critical_steps"`
}

// Document is a generated SOP. Version is assigned on persistence.
type Document struct {
	Version               int        `json:"version,omitempty" yaml:"version"`
	Title                 string     `json:"title" yaml:"title"`
	Summary               string     `json:"summary" yaml:"summary"`
	Steps                 []Step     `json:"steps" yaml:"steps"`
	TotalEstimatedMinutes float64    `json:"totalEstimatedMinutes" yaml:"total_estimated_minutes"`
	Automation            Automation `json:"automation" yaml:"automation"`
	Risk                  Risk       `json:"risk" yaml:"risk"`
}

// Issue is a problem the analysis found, tied to a 1-based step number.
type Issue struct {
	StepNumber int    `json:"stepNumber"`
	Issue      string `json:"issue"`
}

// Suggestion is an improvement the analysis proposes.
type Suggestion struct {
	StepNumber int    `json:"stepNumber"`
	Suggestion string `json:"suggestion"`
}

// Analysis is the result of reviewing a step tree.
type Analysis struct {
	Overall     string       `json:"overall"`
	Issues      []Issue      `json:"issues"`
	Suggestions []Suggestion `json:"suggestions"`
}

// EmptyAnalysis is returned when a process has no steps yet.
func EmptyAnalysis() Analysis {
	return Analysis{
		Overall:     "No steps defined yet. Please add process steps first.",
		Issues:      []Issue{},
		Suggestions: []Suggestion{},
	}
}

// Prose wraps an unstructured analysis reply.
func Prose(reply string) Analysis {
	return Analysis{Overall: reply, Issues: []Issue{}, Suggestions: []Suggestion{}}
}

// Normalize replaces nil slices so the analysis always encodes arrays.
func (a Analysis) Normalize() Analysis {
	if a.Issues == nil {
		a.Issues = []Issue{}
	}
	if a.Suggestions == nil {
		a.Suggestions = []Suggestion{}
	}
	return a
}

// Renumber orders steps by the model-supplied order and rewrites Order to
// 1..n at every level. A missing or non-positive order takes the step's
// position in the slice. Ties keep their original relative order.
func Renumber(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].Order <= 0 {
			out[i].Order = i + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i + 1
		out[i].SubSteps = Renumber(out[i].SubSteps)
	}
	return out
}

// AssignIDs gives every step and sub-step a fresh identifier.
func AssignIDs(steps []Step) {
	for i := range steps {
		steps[i].ID = uuid.New().String()
		AssignIDs(steps[i].SubSteps)
	}
}

// Count returns the number of top-level steps and the total including sub-steps.
func Count(steps []Step) (top, total int) {
	top = len(steps)
	total = top
	for _, s := range steps {
		_, n := Count(s.SubSteps)
		total += n
	}
	return top, total
}
