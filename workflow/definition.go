package workflow

// StepType discriminates how a step takes effect.
type StepType string

// Step types. All but Inline resolve to one provider operation.
const (
	// NodeOperation applies operation O on node target T of deployment D.
	NodeOperation StepType = "node_operation"

	// RelationshipOperation applies operation O on relationship R.
	RelationshipOperation StepType = "relationship_operation"

	// CallOperation invokes a sub-workflow.
	CallOperation StepType = "call_operation"

	// Inline is a no-op / constant-output step.
	Inline StepType = "inline"
)

var knownStepTypes = map[StepType]struct{}{
	NodeOperation:         {},
	RelationshipOperation: {},
	CallOperation:         {},
	Inline:                {},
}

// InputDefinition declares a workflow input: its type, an optional default
// and whether a caller must supply it.
type InputDefinition struct {
	Type     string `json:"type"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required"`
}

// StepDefinition is the immutable blueprint of one step in the DAG.
type StepDefinition struct {
	// Type selects the executor the step is dispatched to.
	Type StepType `json:"type"`

	// Name is the display name; defaults to the step id when empty.
	Name string `json:"name,omitempty"`

	// Target identifies the node or relationship the operation acts on.
	// Empty for Inline steps.
	Target string `json:"target,omitempty"`

	// Operation is the symbolic operation name dispatched to the provider
	// (or the sub-workflow id for CallOperation). Empty for Inline steps.
	Operation string `json:"operation,omitempty"`

	// Inputs maps input names to literal values or input references.
	Inputs map[string]any `json:"inputs,omitempty"`

	// OnSuccess lists the steps eligible once this step completes.
	OnSuccess []string `json:"on_success,omitempty"`

	// OnFailure lists the steps eligible once this step fails.
	OnFailure []string `json:"on_failure,omitempty"`
}

// Definition is the immutable blueprint of a workflow: typed inputs and a
// DAG of steps connected by on_success / on_failure edges.
type Definition struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Inputs      map[string]InputDefinition `json:"inputs,omitempty"`
	Steps       map[string]*StepDefinition `json:"steps"`

	// Preconditions and Triggers are opaque tags surfaced to the provider.
	Preconditions []string `json:"preconditions,omitempty"`
	Triggers      []string `json:"triggers,omitempty"`
}

// Validate checks the definition invariants:
//   - id and name are set, every step has a known type
//   - every id referenced by on_success/on_failure exists in Steps
//   - the graph induced by those edges is acyclic
//
// The acyclicity check is a Kahn-style topological pass: repeatedly remove
// steps with no remaining unsatisfied predecessors; any leftover step sits
// on a cycle.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &ValidationError{Message: "workflow id is required"}
	}
	if d.Name == "" {
		return &ValidationError{Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Message: "workflow has no steps"}
	}

	for id, step := range d.Steps {
		if step == nil {
			return &ValidationError{Message: "step " + id + " has no definition"}
		}
		if _, ok := knownStepTypes[step.Type]; !ok {
			return &ValidationError{Message: "step " + id + " has unknown type " + string(step.Type)}
		}
		for _, succ := range step.successors() {
			if _, ok := d.Steps[succ]; !ok {
				return &ValidationError{Message: "step " + id + " references unknown step " + succ}
			}
		}
	}

	if cyclic := d.findCycle(); cyclic != "" {
		return &ValidationError{Message: "dependency cycle involving step " + cyclic}
	}
	return nil
}

// findCycle runs the Kahn elimination and returns the id of one step left
// with unsatisfied predecessors, or "" if the graph is acyclic.
func (d *Definition) findCycle() string {
	indegree := make(map[string]int, len(d.Steps))
	for id := range d.Steps {
		indegree[id] = 0
	}
	for _, step := range d.Steps {
		for _, succ := range step.successors() {
			indegree[succ]++
		}
	}

	queue := make([]string, 0, len(d.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed++
		for _, succ := range d.Steps[id].successors() {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if removed == len(d.Steps) {
		return ""
	}
	for id, deg := range indegree {
		if deg > 0 {
			return id
		}
	}
	return ""
}

// successors returns on_success and on_failure targets in declaration order.
func (s *StepDefinition) successors() []string {
	if len(s.OnFailure) == 0 {
		return s.OnSuccess
	}
	out := make([]string, 0, len(s.OnSuccess)+len(s.OnFailure))
	out = append(out, s.OnSuccess...)
	out = append(out, s.OnFailure...)
	return out
}

// StepName returns the display name for a step id.
func (d *Definition) StepName(id string) string {
	if step, ok := d.Steps[id]; ok && step.Name != "" {
		return step.Name
	}
	return id
}
