// Package models defines the core domain types shared across the service:
// builds, stage instances, stage events, and artifacts.
package models

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

// Build lifecycle states.
const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the build status is final. Terminal builds are
// immutable: no further transitions are accepted.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusRunning, BuildStatusCompleted,
		BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a build may move from s to next.
// Allowed: pending → running, pending/running → any terminal state.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case BuildStatusPending:
		return next == BuildStatusRunning || next.Terminal()
	case BuildStatusRunning:
		return next.Terminal()
	}
	return false
}

// StageStatus is one value from the global stage-status alphabet. Each stage
// definition restricts its instances to a subset of these.
type StageStatus string

// Global stage-status alphabet.
const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusDone      StageStatus = "done"
	StageStatusCreated   StageStatus = "created"
	StageStatusPassed    StageStatus = "passed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusError     StageStatus = "error"
	StageStatusCancelled StageStatus = "cancelled"
	StageStatusPushed    StageStatus = "pushed"
	StageStatusDeployed  StageStatus = "deployed"
)

// AllStageStatuses lists the full stage-status alphabet.
var AllStageStatuses = []StageStatus{
	StageStatusPending, StageStatusRunning, StageStatusDone, StageStatusCreated,
	StageStatusPassed, StageStatusFailed, StageStatusError, StageStatusCancelled,
	StageStatusPushed, StageStatusDeployed,
}

// Valid reports whether s belongs to the stage-status alphabet.
func (s StageStatus) Valid() bool {
	for _, known := range AllStageStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// TerminalSuccess reports whether s is a successful completion status.
// Downstream stages only start once every dependency reaches one of these.
func (s StageStatus) TerminalSuccess() bool {
	switch s {
	case StageStatusDone, StageStatusCreated, StageStatusPassed,
		StageStatusPushed, StageStatusDeployed:
		return true
	}
	return false
}

// Terminal reports whether s ends a stage instance, successfully or not.
func (s StageStatus) Terminal() bool {
	if s.TerminalSuccess() {
		return true
	}
	switch s {
	case StageStatusFailed, StageStatusError, StageStatusCancelled:
		return true
	}
	return false
}

// AgentRole is the archetype of work a stage requests from an LLM provider.
type AgentRole string

// Agent roles a provider can advertise.
const (
	RoleInterviewer    AgentRole = "interviewer"
	RolePlanner        AgentRole = "planner"
	RoleSchemaDesigner AgentRole = "schema_designer"
	RoleCoder          AgentRole = "coder"
	RoleTester         AgentRole = "tester"
	RoleDebugger       AgentRole = "debugger"
	RoleReviewer       AgentRole = "reviewer"
	RoleDeployer       AgentRole = "deployer"
)

// AllAgentRoles lists every agent role.
var AllAgentRoles = []AgentRole{
	RoleInterviewer, RolePlanner, RoleSchemaDesigner, RoleCoder,
	RoleTester, RoleDebugger, RoleReviewer, RoleDeployer,
}

// Valid reports whether r is a known agent role.
func (r AgentRole) Valid() bool {
	for _, known := range AllAgentRoles {
		if r == known {
			return true
		}
	}
	return false
}
