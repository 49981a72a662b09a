package orchestrator

import "github.com/Swind/go-workflow-orchestrator/core"

// Re-export commonly used types from core so most callers need one import.

// Orchestrator is the scheduling engine
type Orchestrator = core.Orchestrator

// Config holds orchestrator settings and collaborators
type Config = core.Config

// ScheduleRequest is the input of ScheduleWorkflow
type ScheduleRequest = core.ScheduleRequest

// ScheduleEntry is an admitted request
type ScheduleEntry = core.ScheduleEntry

// SchedulingDecision is the verdict for one entry
type SchedulingDecision = core.SchedulingDecision

// Resources is a CPU/memory/IO vector
type Resources = core.Resources

// Priority is the admission tier
type Priority = core.Priority

// Status is the lifecycle state of an entry
type Status = core.Status

// Algorithm selects how deferred entries are ordered
type Algorithm = core.Algorithm

// Priority constants
const (
	PriorityLow      Priority = core.PriorityLow
	PriorityMedium   Priority = core.PriorityMedium
	PriorityHigh     Priority = core.PriorityHigh
	PriorityCritical Priority = core.PriorityCritical
)

// Status constants
const (
	StatusScheduled = core.StatusScheduled
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
)

// Algorithm constants
const (
	AlgorithmPriority   = core.AlgorithmPriority
	AlgorithmFairShare  = core.AlgorithmFairShare
	AlgorithmAdaptive   = core.AlgorithmAdaptive
	AlgorithmRoundRobin = core.AlgorithmRoundRobin
)

// Errors
var (
	ErrRejected     = core.ErrRejected
	ErrClosed       = core.ErrClosed
	ErrUnknownEntry = core.ErrUnknownEntry
)

// DefaultConfig returns the built-in configuration with an in-memory store.
var DefaultConfig = core.DefaultConfig

// ParsePriority parses a tier name; the empty string is medium.
var ParsePriority = core.ParsePriority
