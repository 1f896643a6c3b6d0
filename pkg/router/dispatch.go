package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/models"
)

// ErrRoleSaturated is returned when a role's concurrent-load cap is reached.
// Callers back off and resubmit.
type ErrRoleSaturated struct {
	Role models.AgentRole
	Cap  int
}

func (e *ErrRoleSaturated) Error() string {
	return fmt.Sprintf("role %s at concurrent load cap %d", e.Role, e.Cap)
}

// roleKeywords declares, per role, the task-type vocabulary it matches.
// Assignment picks the role with the highest keyword overlap.
var roleKeywords = map[models.AgentRole][]string{
	models.RoleInterviewer:    {"requirements", "interview", "clarify", "questions"},
	models.RolePlanner:        {"plan", "planning", "architecture", "design", "breakdown"},
	models.RoleSchemaDesigner: {"schema", "database", "migration", "model", "tables"},
	models.RoleCoder:          {"code", "coding", "generation", "implement", "file", "scaffold"},
	models.RoleTester:         {"test", "tests", "testing", "coverage"},
	models.RoleDebugger:       {"debug", "debugging", "fix", "bug", "error"},
	models.RoleReviewer:       {"review", "lint", "quality", "audit"},
	models.RoleDeployer:       {"deploy", "deployment", "release", "publish", "infra"},
}

// roleOrder fixes tie-breaking for keyword assignment.
var roleOrder = []models.AgentRole{
	models.RoleInterviewer, models.RolePlanner, models.RoleSchemaDesigner,
	models.RoleCoder, models.RoleTester, models.RoleDebugger,
	models.RoleReviewer, models.RoleDeployer,
}

// Dispatcher assigns agent roles to task types and enforces per-role
// concurrent load caps before handing tasks to the router.
type Dispatcher struct {
	router     *Router
	caps       map[models.AgentRole]int
	defaultCap int

	mu   sync.Mutex
	load map[models.AgentRole]int
}

// NewDispatcher builds the role façade over a router.
func NewDispatcher(r *Router, cfg *config.RouterConfig) *Dispatcher {
	return &Dispatcher{
		router:     r,
		caps:       cfg.RoleLoadCaps,
		defaultCap: cfg.DefaultRoleLoadCap,
		load:       make(map[models.AgentRole]int),
	}
}

// RoleFor maps a free-form task type ("code-generation", "test generation")
// to an agent role by keyword overlap. Unmatched types default to CODER.
func RoleFor(taskType string) models.AgentRole {
	tokens := tokenize(taskType)
	best := models.RoleCoder
	bestScore := 0
	for _, role := range roleOrder {
		score := 0
		for _, kw := range roleKeywords[role] {
			if tokens[kw] {
				score++
			}
		}
		if score > bestScore {
			best = role
			bestScore = score
		}
	}
	return best
}

func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// Dispatch assigns a role for the task type, acquires a load slot, and
// routes. The slot is released when the call returns.
func (d *Dispatcher) Dispatch(ctx context.Context, taskType string, task *Task) (*TaskResponse, error) {
	role := RoleFor(taskType)
	release, err := d.acquire(role)
	if err != nil {
		return nil, err
	}
	defer release()

	task.Role = role
	return d.router.RouteTask(ctx, task)
}

// Load returns the current concurrent load for a role.
func (d *Dispatcher) Load(role models.AgentRole) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load[role]
}

func (d *Dispatcher) acquire(role models.AgentRole) (func(), error) {
	limit := d.defaultCap
	if c, ok := d.caps[role]; ok {
		limit = c
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit > 0 && d.load[role] >= limit {
		return nil, &ErrRoleSaturated{Role: role, Cap: limit}
	}
	d.load[role]++
	released := false
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !released {
			released = true
			d.load[role]--
		}
	}, nil
}
