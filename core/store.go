package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Journal Records
// =============================================================================

// RecordKind identifies what a journal record mirrors.
type RecordKind string

const (
	RecordTransition      RecordKind = "transition"
	RecordAllocationOpen  RecordKind = "allocation_open"
	RecordAllocationClose RecordKind = "allocation_close"
	RecordDecision        RecordKind = "decision"
	RecordHealth          RecordKind = "health"
)

// Record is one append-only audit row. Payload is the serialized subject
// (entry, allocation, decision or health snapshot).
type Record struct {
	ID         string     `json:"id"`
	Kind       RecordKind `json:"kind"`
	ScheduleID string     `json:"scheduleId,omitempty"`
	WorkflowID string     `json:"workflowId,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Payload    []byte     `json:"payload"`
}

// RecordFilter selects records for ListRecords. Zero fields match all.
type RecordFilter struct {
	Kind       RecordKind
	ScheduleID string
	Since      time.Time
	Until      time.Time
	Limit      int // 0 means no limit
	Offset     int
}

func (f RecordFilter) matches(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.ScheduleID != "" && r.ScheduleID != f.ScheduleID {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// =============================================================================
// Store Interface
// =============================================================================

// Store is the durable, append-only mirror of orchestration state. It is
// never read back at runtime; ListRecords serves reporting only.
type Store interface {
	// Append persists one record.
	Append(ctx context.Context, rec Record) error

	// ListRecords returns matching records, oldest first.
	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// =============================================================================
// MemoryStore Implementation
// =============================================================================

// MemoryStore is an in-memory implementation of Store.
// It uses sync.Map for concurrent-safe storage.
type MemoryStore struct {
	data sync.Map // map[string]*memoryRecord
	seq  atomic.Uint64
}

type memoryRecord struct {
	rec Record
	seq uint64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func cloneRecord(r Record) Record {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	stored := &memoryRecord{rec: cloneRecord(rec), seq: s.seq.Add(1)}
	if _, loaded := s.data.LoadOrStore(rec.ID, stored); loaded {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	var matched []*memoryRecord
	s.data.Range(func(_, value any) bool {
		mr := value.(*memoryRecord)
		if filter.matches(mr.rec) {
			matched = append(matched, mr)
		}
		return true
	})

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]Record, 0, len(matched))
	for _, mr := range matched {
		out = append(out, cloneRecord(mr.rec))
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	s.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
