package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/appforge/appforge/pkg/models"
)

// InvalidDefinitionError carries the concrete validation error list for a
// rejected registration batch.
type InvalidDefinitionError struct {
	StageID string
	Errs    []error
}

func (e *InvalidDefinitionError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid stage definition %q: %s", e.StageID, strings.Join(msgs, "; "))
}

// Registry is the stage definition catalogue. It is populated at process
// start (built-ins plus optional custom stages) and immutable afterwards;
// reads are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]StageDefinition
	order  []string // registration order, used for deterministic All()
	sealed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]StageDefinition)}
}

// NewWithBuiltins creates a registry pre-populated with the built-in stage
// set. Built-in definitions are validated at init; a failure here is a
// programming error and aborts startup.
func NewWithBuiltins() (*Registry, error) {
	r := New()
	if err := r.Register(BuiltinStages()...); err != nil {
		return nil, fmt.Errorf("registering built-in stages: %w", err)
	}
	return r, nil
}

// Seal marks the registry immutable. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Register validates and adds a batch of definitions. The batch is accepted
// or rejected as a whole: dependency references may point at already
// registered stages or at other definitions in the same batch, and the
// combined graph must stay acyclic. Critical non-retryable stages are
// accepted with a logged warning.
func (r *Registry) Register(defs ...StageDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}

	normalized := make([]StageDefinition, len(defs))
	batch := make(map[string]StageDefinition, len(defs))
	for i, def := range defs {
		d := def.Normalize()
		if errs := d.validateShape(); len(errs) > 0 {
			return &InvalidDefinitionError{StageID: d.ID, Errs: errs}
		}
		if _, dup := r.defs[d.ID]; dup {
			return &InvalidDefinitionError{StageID: d.ID, Errs: []error{fmt.Errorf("id already registered")}}
		}
		if _, dup := batch[d.ID]; dup {
			return &InvalidDefinitionError{StageID: d.ID, Errs: []error{fmt.Errorf("id duplicated in batch")}}
		}
		normalized[i] = d
		batch[d.ID] = d
	}

	// Dependency existence: registered or in-batch.
	for _, d := range normalized {
		for _, dep := range d.Dependencies {
			if _, ok := r.defs[dep]; ok {
				continue
			}
			if _, ok := batch[dep]; ok {
				continue
			}
			return &InvalidDefinitionError{StageID: d.ID, Errs: []error{
				fmt.Errorf("dependency %q is not registered nor part of this batch", dep),
			}}
		}
	}

	// Cycle detection over the combined graph.
	combined := make(map[string][]string, len(r.defs)+len(batch))
	for id, d := range r.defs {
		combined[id] = d.Dependencies
	}
	for id, d := range batch {
		combined[id] = d.Dependencies
	}
	if cycle := findCycle(combined); len(cycle) > 0 {
		return &InvalidDefinitionError{StageID: cycle[0], Errs: []error{
			fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")),
		}}
	}

	for _, d := range normalized {
		if d.Critical && !d.Retryable {
			slog.Warn("Critical stage is not retryable", "stage_id", d.ID)
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return nil
}

// findCycle runs a DFS with a recursion stack over the dependency graph and
// returns the first cycle found, or nil.
func findCycle(graph map[string][]string) []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(graph))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range graph[id] {
			switch color[dep] {
			case grey:
				// Close the loop for reporting.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
				return []string{dep, id, dep}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Get returns the definition for id. The second return is false when absent.
func (r *Registry) Get(id string) (StageDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// All returns every registered definition in registration order.
func (r *Registry) All() []StageDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// ValidateDefinition runs shape validation on a definition without
// registering it. Returns nil when valid.
func (r *Registry) ValidateDefinition(def StageDefinition) error {
	d := def.Normalize()
	if errs := d.validateShape(); len(errs) > 0 {
		return &InvalidDefinitionError{StageID: d.ID, Errs: errs}
	}
	return nil
}

// ValidatePayload checks obj against the payload schema of stage id.
func (r *Registry) ValidatePayload(id string, obj map[string]any) error {
	d, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("stage %q is not registered", id)
	}
	return d.PayloadSchema.Check(obj)
}

// CanTransition reports whether stage id may move from one status to
// another. Both statuses must be in the definition's alphabet, the source
// must not be terminal, and pending may not be re-entered.
func (r *Registry) CanTransition(id string, from, to models.StageStatus) bool {
	d, ok := r.Get(id)
	if !ok {
		return false
	}
	if !d.AllowsStatus(from) || !d.AllowsStatus(to) {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == models.StageStatusPending {
		return false
	}
	return true
}

// Dependencies returns the dependency list for stage id (nil when absent).
func (r *Registry) Dependencies(id string) []string {
	d, ok := r.Get(id)
	if !ok {
		return nil
	}
	return append([]string(nil), d.Dependencies...)
}

// IsRetryable reports the retryable flag for stage id.
func (r *Registry) IsRetryable(id string) bool {
	d, ok := r.Get(id)
	return ok && d.Retryable
}

// IsCritical reports the critical flag for stage id.
func (r *Registry) IsCritical(id string) bool {
	d, ok := r.Get(id)
	return ok && d.Critical
}

// InstanceFor creates a fresh stage instance in the pending state.
func (r *Registry) InstanceFor(id string) (models.StageInstance, error) {
	if _, ok := r.Get(id); !ok {
		return models.StageInstance{}, fmt.Errorf("stage %q is not registered", id)
	}
	return models.StageInstance{
		StageID: id,
		Status:  models.StageStatusPending,
	}, nil
}

// ExecutionPlan returns all stage ids in a deterministic topological order:
// dependencies first, ties broken by registration order.
func (r *Registry) ExecutionPlan() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexOf := make(map[string]int, len(r.order))
	for i, id := range r.order {
		indexOf[id] = i
	}

	indegree := make(map[string]int, len(r.defs))
	dependents := make(map[string][]string, len(r.defs))
	for id, d := range r.defs {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range d.Dependencies {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var plan []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return indexOf[ready[i]] < indexOf[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		plan = append(plan, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(plan) != len(r.defs) {
		return nil, fmt.Errorf("dependency graph is not a DAG")
	}
	return plan, nil
}
