package model

import "time"

// Step type constants. The type decides how outgoing transitions are resolved
// when the step completes.
const (
	StepTypeTask     = "task"
	StepTypeDecision = "decision"
	StepTypeParallel = "parallel"
	StepTypeEnd      = "end"
)

// ProcedureTemplate is the static definition of a repeatable procedure. A
// template is owned by an authoring process outside this engine and must be
// treated as immutable once an execution references it; later edits create a
// new version instead of mutating in place.
type ProcedureTemplate struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is a node in a procedure template's graph. The analytics fields are
// derived from historical step executions and are never authoritative inputs.
type Step struct {
	ID           string `json:"id"`
	TemplateID   string `json:"template_id"`
	StepCode     string `json:"step_code"`
	Name         string `json:"name"`
	StepType     string `json:"step_type"`
	DisplayOrder int    `json:"display_order"`
	IsEndStep    bool   `json:"is_end_step"`

	MedianDurationMinutes float64    `json:"median_duration_minutes"`
	P90DurationMinutes    float64    `json:"p90_duration_minutes"`
	CompletionRate        int        `json:"completion_rate"`
	LastAnalyticsUpdate   *time.Time `json:"last_analytics_update,omitempty"`
}

// Transition is a directed edge between two steps of the same template.
// Label is matched against a decision outcome; Priority orders edges with
// lower values winning; Seq is the creation sequence within the template and
// breaks priority ties deterministically. UsageCount only ever increases.
type Transition struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Label      string `json:"label,omitempty"`
	Priority   int    `json:"priority"`
	Seq        int    `json:"seq"`
	UsageCount int64  `json:"usage_count"`
}

// Graph is a template materialized together with its steps and transitions,
// with lookup indexes the engine needs during resolution. Built by the graph
// store; read-only afterwards.
type Graph struct {
	Template    ProcedureTemplate
	Steps       []Step
	Transitions []Transition

	stepsByID   map[string]*Step
	stepsByCode map[string]*Step
	outgoing    map[string][]*Transition
	incoming    map[string]int
}

// Index builds the internal lookup maps. It must be called once after the
// Steps and Transitions slices are populated and before any lookup method.
func (g *Graph) Index() {
	g.stepsByID = make(map[string]*Step, len(g.Steps))
	g.stepsByCode = make(map[string]*Step, len(g.Steps))
	for i := range g.Steps {
		s := &g.Steps[i]
		g.stepsByID[s.ID] = s
		g.stepsByCode[s.StepCode] = s
	}
	g.outgoing = make(map[string][]*Transition)
	g.incoming = make(map[string]int)
	for i := range g.Transitions {
		t := &g.Transitions[i]
		g.outgoing[t.FromStepID] = append(g.outgoing[t.FromStepID], t)
		g.incoming[t.ToStepID]++
	}
	for from := range g.outgoing {
		edges := g.outgoing[from]
		// Resolution order: ascending priority, then creation sequence.
		for i := 1; i < len(edges); i++ {
			for j := i; j > 0 && less(edges[j], edges[j-1]); j-- {
				edges[j], edges[j-1] = edges[j-1], edges[j]
			}
		}
	}
}

func less(a, b *Transition) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// StepByID returns the step with the given ID, or nil.
func (g *Graph) StepByID(id string) *Step { return g.stepsByID[id] }

// StepByCode returns the step with the given step code, or nil.
func (g *Graph) StepByCode(code string) *Step { return g.stepsByCode[code] }

// Outgoing returns the outgoing transitions of a step ordered by ascending
// priority with creation sequence as the tie-break.
func (g *Graph) Outgoing(stepID string) []*Transition { return g.outgoing[stepID] }

// StartSteps returns the steps an execution activates at start: every step
// with no incoming transition, or the step with the lowest display order when
// the graph has no such step (fully cyclic definitions).
func (g *Graph) StartSteps() []*Step {
	var starts []*Step
	for i := range g.Steps {
		s := &g.Steps[i]
		if g.incoming[s.ID] == 0 {
			starts = append(starts, s)
		}
	}
	if len(starts) > 0 {
		return starts
	}
	var lowest *Step
	for i := range g.Steps {
		s := &g.Steps[i]
		if lowest == nil || s.DisplayOrder < lowest.DisplayOrder {
			lowest = s
		}
	}
	if lowest == nil {
		return nil
	}
	return []*Step{lowest}
}
