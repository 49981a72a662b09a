package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeExecutor returns sequential workflow ids and records every trigger.
type fakeExecutor struct {
	mu      sync.Mutex
	n       int
	calls   []TriggerRequest
	failErr error
	// onTrigger runs inside Trigger after the id is chosen.
	onTrigger func(workflowID string, req TriggerRequest)
}

func (f *fakeExecutor) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.failErr != nil {
		err := f.failErr
		f.mu.Unlock()
		return "", err
	}
	f.n++
	id := fmt.Sprintf("wf-%d", f.n)
	hook := f.onTrigger
	f.mu.Unlock()

	if hook != nil {
		hook(id, req)
	}
	return id, nil
}

func (f *fakeExecutor) Calls() []TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TriggerRequest(nil), f.calls...)
}

func zeroJitter(time.Duration) time.Duration { return 0 }

// newTestOrchestrator builds an orchestrator with a fake clock, zero jitter
// and an in-memory store. mutate may adjust the config.
func newTestOrchestrator(t *testing.T, exec Executor, mutate func(*Config)) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.Jitter = zeroJitter
	cfg.StoreRetryPolicy = NoRetry()
	if mutate != nil {
		mutate(cfg)
	}
	o, err := New(exec, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o, clock
}

func mustSchedule(t *testing.T, o *Orchestrator, req ScheduleRequest) string {
	t.Helper()
	id, err := o.ScheduleWorkflow(context.Background(), req)
	if err != nil {
		t.Fatalf("ScheduleWorkflow(%+v) error = %v", req, err)
	}
	return id
}

func mustEntry(t *testing.T, o *Orchestrator, id string) ScheduleEntry {
	t.Helper()
	e, ok := o.GetScheduleEntry(id)
	if !ok {
		t.Fatalf("entry %s not found", id)
	}
	return e
}

// flakyStore fails the first failures Append calls.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
	pingErr  error
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStore.Append(ctx, rec)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// staticView is a StateView with fixed answers.
type staticView struct {
	available Resources
	active    map[Priority]int
	deps      map[string]DependencyState
}

func (v staticView) Available() Resources {
	return v.available
}

func (v staticView) ActiveCount(p Priority) int {
	return v.active[p]
}

func (v staticView) DependencyState(id string) DependencyState {
	if s, ok := v.deps[id]; ok {
		return s
	}
	return DependencyMissing
}
