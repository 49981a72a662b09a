package core

import "time"

// entryStore is the authoritative in-memory map of schedule entries.
// Entries are never removed. It is guarded by the Orchestrator state lock.
type entryStore struct {
	entries    map[string]*ScheduleEntry
	order      []string          // creation order
	byWorkflow map[string]string // workflow id -> schedule id
	running    map[Priority]int

	decisions   map[string][]SchedulingDecision
	decisionCap int
}

func newEntryStore(decisionCap int) *entryStore {
	return &entryStore{
		entries:     make(map[string]*ScheduleEntry),
		byWorkflow:  make(map[string]string),
		running:     make(map[Priority]int),
		decisions:   make(map[string][]SchedulingDecision),
		decisionCap: decisionCap,
	}
}

func (s *entryStore) insert(e *ScheduleEntry) {
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	if e.Status == StatusRunning {
		s.running[e.Priority]++
	}
}

func (s *entryStore) get(id string) (*ScheduleEntry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *entryStore) byWorkflowID(workflowID string) (*ScheduleEntry, bool) {
	id, ok := s.byWorkflow[workflowID]
	if !ok {
		return nil, false
	}
	return s.get(id)
}

func (s *entryStore) bindWorkflow(e *ScheduleEntry, workflowID string) {
	e.WorkflowID = workflowID
	s.byWorkflow[workflowID] = e.ID
}

func (s *entryStore) unbindWorkflow(e *ScheduleEntry) {
	if e.WorkflowID != "" {
		delete(s.byWorkflow, e.WorkflowID)
	}
}

// transition moves an entry along the lifecycle and maintains the per-tier
// running counts.
func (s *entryStore) transition(e *ScheduleEntry, to Status, now time.Time) error {
	from := e.Status
	if err := e.transition(to, now); err != nil {
		return err
	}
	if from == StatusRunning {
		s.running[e.Priority]--
	}
	if to == StatusRunning {
		s.running[e.Priority]++
	}
	return nil
}

func (s *entryStore) activeCount(p Priority) int {
	return s.running[p]
}

func (s *entryStore) totalRunning() int {
	n := 0
	for _, c := range s.running {
		n += c
	}
	return n
}

// dependencyState classifies one dependency id.
func (s *entryStore) dependencyState(id string) DependencyState {
	e, ok := s.entries[id]
	if !ok {
		return DependencyMissing
	}
	switch {
	case e.Status == StatusCompleted:
		return DependencyCompleted
	case e.Status == StatusCancelled, e.permanentlyFailed():
		return DependencyDead
	default:
		return DependencyPending
	}
}

func (s *entryStore) recordDecision(d SchedulingDecision) {
	list := append(s.decisions[d.ScheduleID], d)
	if len(list) > s.decisionCap {
		list = append([]SchedulingDecision(nil), list[len(list)-s.decisionCap:]...)
	}
	s.decisions[d.ScheduleID] = list
}

func (s *entryStore) lastDecision(id string) (SchedulingDecision, bool) {
	list := s.decisions[id]
	if len(list) == 0 {
		return SchedulingDecision{}, false
	}
	return list[len(list)-1], true
}

func (s *entryStore) decisionHistory(id string) []SchedulingDecision {
	return append([]SchedulingDecision(nil), s.decisions[id]...)
}

// list returns copies in creation order, filtered by status when given.
func (s *entryStore) list(statuses ...Status) []ScheduleEntry {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]ScheduleEntry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if len(want) > 0 && !want[e.Status] {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}
